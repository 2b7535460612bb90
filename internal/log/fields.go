package log

import (
	"time"

	"github.com/shopspring/decimal"
)

// Common field names for structured logging
const (
	FieldComponent     = "component"
	FieldError         = "error"
	FieldOperation     = "operation"
	FieldDuration      = "duration_ms"
	FieldUserID        = "user_id"
	FieldAccountID     = "account_id"
	FieldTransactionID = "transaction_id"
	FieldOccurrenceID  = "occurrence_id"
	FieldType          = "type"
	FieldAmount        = "amount"
	FieldNextDate      = "next_recurring_date"
	FieldEventID       = "event_id"
	FieldEventName     = "event_name"
	FieldAttempt       = "attempt"
	FieldJob           = "job"
	FieldSuccess       = "success"
)

// Components defines standard component names
const (
	ComponentApp          = "app"
	ComponentScheduler    = "scheduler"
	ComponentMaterializer = "materializer"
	ComponentDispatch     = "dispatch"
	ComponentBudget       = "budget"
	ComponentReport       = "report"
	ComponentMail         = "mail"
	ComponentStorage      = "storage"
	ComponentWorker       = "worker"
	ComponentAMQP         = "amqp"
	ComponentCache        = "cache"
)

// Operations defines standard operation names
const (
	OpMaterialize = "materialize"
	OpSelectDue   = "select_due"
	OpDeliver     = "deliver"
	OpAlert       = "alert"
	OpReport      = "report"
	OpMigrate     = "migrate"
	OpShutdown    = "shutdown"
	OpStartup     = "startup"
)

// LogFields provides a builder pattern for structured log fields
type LogFields map[string]any

func NewFields() LogFields {
	return make(LogFields)
}

func (f LogFields) WithComponent(component string) LogFields {
	f[FieldComponent] = component
	return f
}

// WithError adds the error message; nil is ignored.
func (f LogFields) WithError(err error) LogFields {
	if err != nil {
		f[FieldError] = err.Error()
	}
	return f
}

func (f LogFields) WithOperation(op string) LogFields {
	f[FieldOperation] = op
	return f
}

func (f LogFields) WithDuration(d time.Duration) LogFields {
	f[FieldDuration] = d.Milliseconds()
	return f
}

// WithTransaction adds the identifying fields of a transaction.
func (f LogFields) WithTransaction(id, userID, accountID string) LogFields {
	f[FieldTransactionID] = id
	f[FieldUserID] = userID
	if accountID != "" {
		f[FieldAccountID] = accountID
	}
	return f
}

// WithOccurrence adds the fields describing a generated occurrence.
func (f LogFields) WithOccurrence(id, txType string, amount decimal.Decimal, next time.Time) LogFields {
	f[FieldOccurrenceID] = id
	f[FieldType] = txType
	f[FieldAmount] = amount.StringFixed(2)
	f[FieldNextDate] = next.UTC().Format(time.RFC3339)
	return f
}

func (f LogFields) WithEvent(id, name string, attempt int) LogFields {
	f[FieldEventID] = id
	f[FieldEventName] = name
	f[FieldAttempt] = attempt
	return f
}

// ToSlice converts LogFields to a slice for slog
func (f LogFields) ToSlice() []any {
	slice := make([]any, 0, len(f)*2)
	for k, v := range f {
		slice = append(slice, k, v)
	}
	return slice
}
