package notify

import (
	"bytes"
	"embed"
	"fmt"
	"strings"
	"text/template"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

// Template names accepted by Render.
const (
	TemplateBudgetAlert   = "budget-alert"
	TemplateMonthlyReport = "monthly-report"
)

var templates = map[string]*template.Template{
	TemplateBudgetAlert:   template.Must(template.ParseFS(templateFS, "templates/budget-alert.tmpl")),
	TemplateMonthlyReport: template.Must(template.ParseFS(templateFS, "templates/monthly-report.tmpl")),
}

type BudgetAlertData struct {
	Name        string
	AccountName string
	Month       string
	Spent       string
	Budget      string
	Remaining   string
	Percentage  string
}

type CategoryTotal struct {
	Category string
	Amount   string
}

type MonthlyReportData struct {
	Name          string
	Month         string
	TotalIncome   string
	TotalExpenses string
	Net           string
	Count         int
	Categories    []CategoryTotal
	Insights      []string
}

// Render executes the named template and returns a message addressed to to.
func Render(name, to string, data any) (Message, error) {
	tmpl, ok := templates[name]
	if !ok {
		return Message{}, fmt.Errorf("unknown template %q", name)
	}

	var subject, body bytes.Buffer
	if err := tmpl.ExecuteTemplate(&subject, "subject", data); err != nil {
		return Message{}, fmt.Errorf("render %s subject: %w", name, err)
	}
	if err := tmpl.ExecuteTemplate(&body, "body", data); err != nil {
		return Message{}, fmt.Errorf("render %s body: %w", name, err)
	}

	return Message{
		To:      to,
		Subject: strings.TrimSpace(subject.String()),
		Body:    body.String(),
	}, nil
}
