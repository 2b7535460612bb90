package services

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"fintrack/internal/core"
	"fintrack/internal/insights"
	"fintrack/internal/notify"
)

// ReportStore is the read side of the monthly report.
type ReportStore interface {
	ListUsers(ctx context.Context) ([]core.User, error)
	ListTransactionsBetween(ctx context.Context, userID string, from, to time.Time) ([]core.Transaction, error)
}

// MonthlyStats summarizes one user's month.
type MonthlyStats struct {
	TotalIncome        decimal.Decimal
	TotalExpenses      decimal.Decimal
	ExpensesByCategory map[string]decimal.Decimal
	Count              int
}

func (s MonthlyStats) Net() decimal.Decimal {
	return s.TotalIncome.Sub(s.TotalExpenses)
}

// ComputeMonthlyStats folds transactions into income, expense and per-category totals.
func ComputeMonthlyStats(txs []core.Transaction) MonthlyStats {
	stats := MonthlyStats{ExpensesByCategory: make(map[string]decimal.Decimal)}
	for _, t := range txs {
		switch t.Type {
		case core.Expense:
			stats.TotalExpenses = stats.TotalExpenses.Add(t.Amount)
			stats.ExpensesByCategory[t.Category] = stats.ExpensesByCategory[t.Category].Add(t.Amount)
		default:
			stats.TotalIncome = stats.TotalIncome.Add(t.Amount)
		}
		stats.Count++
	}
	return stats
}

// sortedCategories orders categories by amount, largest first.
func sortedCategories(byCategory map[string]decimal.Decimal) []notify.CategoryTotal {
	names := make([]string, 0, len(byCategory))
	for name := range byCategory {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		a, b := byCategory[names[i]], byCategory[names[j]]
		if !a.Equal(b) {
			return a.GreaterThan(b)
		}
		return names[i] < names[j]
	})

	out := make([]notify.CategoryTotal, 0, len(names))
	for _, name := range names {
		out = append(out, notify.CategoryTotal{Category: name, Amount: core.FormatAmount(byCategory[name])})
	}
	return out
}

// MonthlyReporter mails each user a summary of the previous calendar month.
type MonthlyReporter struct {
	store     ReportStore
	sender    notify.Sender
	generator insights.Generator
}

// NewMonthlyReporter builds a reporter; a nil generator always uses the fallback insights.
func NewMonthlyReporter(store ReportStore, sender notify.Sender, generator insights.Generator) *MonthlyReporter {
	return &MonthlyReporter{store: store, sender: sender, generator: generator}
}

// SendReports sends one report per user for the month before now's and returns the
// number delivered.
func (r *MonthlyReporter) SendReports(ctx context.Context, now time.Time) (int, error) {
	users, err := r.store.ListUsers(ctx)
	if err != nil {
		return 0, fmt.Errorf("list users: %w", err)
	}

	thisMonth, _ := core.MonthBounds(now)
	from := thisMonth.AddDate(0, -1, 0)

	sent := 0
	for _, u := range users {
		if err := r.sendReport(ctx, u, from, thisMonth); err != nil {
			slog.ErrorContext(ctx, "Monthly report failed",
				"user_id", u.ID,
				"error", err)
			continue
		}
		sent++
	}

	slog.InfoContext(ctx, "Monthly reports sent",
		"users", len(users),
		"sent", sent,
		"month", from.Format("2006-01"))
	return sent, nil
}

func (r *MonthlyReporter) sendReport(ctx context.Context, u core.User, from, to time.Time) error {
	txs, err := r.store.ListTransactionsBetween(ctx, u.ID, from, to)
	if err != nil {
		return err
	}

	stats := ComputeMonthlyStats(txs)
	month := from.Format("January 2006")

	msg, err := notify.Render(notify.TemplateMonthlyReport, u.Email, notify.MonthlyReportData{
		Name:          u.Name,
		Month:         month,
		TotalIncome:   core.FormatAmount(stats.TotalIncome),
		TotalExpenses: core.FormatAmount(stats.TotalExpenses),
		Net:           core.FormatAmount(stats.Net()),
		Count:         stats.Count,
		Categories:    sortedCategories(stats.ExpensesByCategory),
		Insights:      r.insights(ctx, stats, month),
	})
	if err != nil {
		return err
	}
	return r.sender.Send(ctx, msg)
}

// insights asks the generator for advice and falls back to generic tips on any failure.
func (r *MonthlyReporter) insights(ctx context.Context, stats MonthlyStats, month string) []string {
	if r.generator == nil {
		return insights.Fallback
	}

	text, err := r.generator.Generate(ctx, insightsPrompt(stats, month))
	if err != nil {
		slog.WarnContext(ctx, "Insight generation failed, using fallback", "error", err)
		return insights.Fallback
	}
	items, err := insights.ParseList(text)
	if err != nil {
		slog.WarnContext(ctx, "Malformed insights, using fallback", "error", err)
		return insights.Fallback
	}
	return items
}

func insightsPrompt(stats MonthlyStats, month string) string {
	cats := sortedCategories(stats.ExpensesByCategory)
	parts := make([]string, 0, len(cats))
	for _, c := range cats {
		parts = append(parts, fmt.Sprintf("%s: $%s", c.Category, c.Amount))
	}

	var b strings.Builder
	b.WriteString("Analyze this financial data and provide 3 concise, actionable insights.\n")
	b.WriteString("Focus on spending patterns and practical advice.\n")
	b.WriteString("Keep it friendly and conversational.\n\n")
	fmt.Fprintf(&b, "Financial Data for %s:\n", month)
	fmt.Fprintf(&b, "- Total Income: $%s\n", core.FormatAmount(stats.TotalIncome))
	fmt.Fprintf(&b, "- Total Expenses: $%s\n", core.FormatAmount(stats.TotalExpenses))
	fmt.Fprintf(&b, "- Net Income: $%s\n", core.FormatAmount(stats.Net()))
	fmt.Fprintf(&b, "- Expense Categories: %s\n\n", strings.Join(parts, ", "))
	b.WriteString("Format the response as a JSON array of strings, like this:\n")
	b.WriteString(`["insight 1", "insight 2", "insight 3"]`)
	return b.String()
}
