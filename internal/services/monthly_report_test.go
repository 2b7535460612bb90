package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"fintrack/internal/core"
	"fintrack/internal/insights"
)

type stubGenerator struct {
	text    string
	err     error
	prompts []string
}

func (g *stubGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	g.prompts = append(g.prompts, prompt)
	return g.text, g.err
}

func TestComputeMonthlyStats(t *testing.T) {
	txs := []core.Transaction{
		{Type: core.Income, Amount: decimal.RequireFromString("3000"), Category: "salary"},
		{Type: core.Expense, Amount: decimal.RequireFromString("900.10"), Category: "housing"},
		{Type: core.Expense, Amount: decimal.RequireFromString("0.20"), Category: "food"},
		{Type: core.Expense, Amount: decimal.RequireFromString("0.10"), Category: "food"},
	}
	stats := ComputeMonthlyStats(txs)

	if !stats.TotalIncome.Equal(decimal.NewFromInt(3000)) {
		t.Errorf("income = %s", stats.TotalIncome)
	}
	if !stats.TotalExpenses.Equal(decimal.RequireFromString("900.40")) {
		t.Errorf("expenses = %s", stats.TotalExpenses)
	}
	if !stats.ExpensesByCategory["food"].Equal(decimal.RequireFromString("0.30")) {
		t.Errorf("food = %s", stats.ExpensesByCategory["food"])
	}
	if !stats.Net().Equal(decimal.RequireFromString("2099.60")) {
		t.Errorf("net = %s", stats.Net())
	}
	if stats.Count != 4 {
		t.Errorf("count = %d", stats.Count)
	}

	cats := sortedCategories(stats.ExpensesByCategory)
	if len(cats) != 2 || cats[0].Category != "housing" || cats[1].Amount != "0.30" {
		t.Errorf("sorted categories = %+v", cats)
	}
}

func seedReportData(t *testing.T) (*MonthlyReporter, *recordingMailer, *stubGenerator) {
	t.Helper()
	repo := newTestStore(t)
	seedAccount(t, repo, "u1", "a1", "0")
	// February 2025 activity, reported on March 1st.
	feb := time.Date(2025, 2, 10, 12, 0, 0, 0, time.UTC)
	seedTx(t, repo, core.Transaction{ID: "i1", UserID: "u1", AccountID: "a1", Type: core.Income, Amount: decimal.NewFromInt(2000), Date: feb, Category: "salary"})
	seedExpense(t, repo, "e1", "u1", "a1", "120.50", feb)
	seedExpense(t, repo, "e-march", "u1", "a1", "999", day0.Add(time.Hour))

	mailer := &recordingMailer{}
	gen := &stubGenerator{}
	return NewMonthlyReporter(repo, mailer, gen), mailer, gen
}

func TestMonthlyReporter_UsesGeneratedInsights(t *testing.T) {
	r, mailer, gen := seedReportData(t)
	gen.text = "```json\n[\"Cook at home more.\", \"Nice savings rate.\"]\n```"

	sent, err := r.SendReports(context.Background(), day0)
	if err != nil {
		t.Fatalf("SendReports() error = %v", err)
	}
	if sent != 1 || mailer.count() != 1 {
		t.Fatalf("sent = %d, messages = %d", sent, mailer.count())
	}

	msg := mailer.sent[0]
	if msg.Subject != "Your monthly report for February 2025" {
		t.Errorf("Subject = %q", msg.Subject)
	}
	for _, want := range []string{"Total income:   2000.00", "Total expenses: 120.50", "Net:            1879.50", "Transactions:   2", "* Cook at home more."} {
		if !strings.Contains(msg.Body, want) {
			t.Errorf("body missing %q:\n%s", want, msg.Body)
		}
	}
	if len(gen.prompts) != 1 || !strings.Contains(gen.prompts[0], "Financial Data for February 2025") ||
		!strings.Contains(gen.prompts[0], "food: $120.50") {
		t.Errorf("prompt = %v", gen.prompts)
	}
}

func TestMonthlyReporter_Fallback(t *testing.T) {
	tests := []struct {
		name string
		text string
		err  error
	}{
		{"generator error", "", errors.New("quota exceeded")},
		{"prose answer", "You are doing great!", nil},
		{"empty list", "[]", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, mailer, gen := seedReportData(t)
			gen.text, gen.err = tt.text, tt.err

			if _, err := r.SendReports(context.Background(), day0); err != nil {
				t.Fatal(err)
			}
			if mailer.count() != 1 {
				t.Fatalf("messages = %d, want 1", mailer.count())
			}
			for _, tip := range insights.Fallback {
				if !strings.Contains(mailer.sent[0].Body, tip) {
					t.Errorf("body missing fallback %q", tip)
				}
			}
		})
	}
}

func TestMonthlyReporter_NilGenerator(t *testing.T) {
	repo := newTestStore(t)
	seedAccount(t, repo, "u1", "a1", "0")
	mailer := &recordingMailer{}

	sent, err := NewMonthlyReporter(repo, mailer, nil).SendReports(context.Background(), day0)
	if err != nil || sent != 1 {
		t.Fatalf("sent = %d, err = %v", sent, err)
	}
	if !strings.Contains(mailer.sent[0].Body, insights.Fallback[0]) {
		t.Errorf("body = %s", mailer.sent[0].Body)
	}
}
