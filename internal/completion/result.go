package completion

// StepStatus records how one side effect of a completion event ended. The
// base invoice is the only step whose failure aborts the whole event; every
// other step settles best-effort and reports here instead of failing the
// webhook.
type StepStatus string

const (
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

type StepResult struct {
	Status StepStatus `json:"status"`
	Error  string     `json:"error,omitempty"`
}

func succeeded() StepResult       { return StepResult{Status: StepSucceeded} }
func failed(err error) StepResult { return StepResult{Status: StepFailed, Error: err.Error()} }
func skipped() StepResult         { return StepResult{Status: StepSkipped} }

type Steps struct {
	Invoice             StepResult `json:"invoice"`
	StatusUpdate        StepResult `json:"status_update"`
	Subscription        StepResult `json:"subscription"`
	Termination         StepResult `json:"termination"`
	CancelSubscriptions StepResult `json:"cancel_subscriptions"`
	CloseUsage          StepResult `json:"close_usage"`
}

// Result aggregates everything one webhook completion did. Best-effort
// failures are visible here for reconciliation; they never surface as errors.
type Result struct {
	AppointmentID    string   `json:"appointment_id"`
	AlreadyProcessed bool     `json:"already_processed,omitempty"`
	Status           string   `json:"status,omitempty"`
	ServiceMinutes   float64  `json:"service_minutes,omitempty"`
	InvoiceID        string   `json:"invoice_id,omitempty"`
	HostedInvoiceURL string   `json:"hosted_invoice_url,omitempty"`
	TotalMinor       int64    `json:"total_minor,omitempty"`
	SubscriptionID   string   `json:"subscription_id,omitempty"`
	FeeInvoiceID     string   `json:"fee_invoice_id,omitempty"`
	CanceledSubs     []string `json:"canceled_subscriptions,omitempty"`
	ClosedUnits      []string `json:"closed_units,omitempty"`
	Steps            Steps    `json:"steps"`
}

// NeedsReconciliation reports whether any best-effort step failed after the
// invoice was collected, meaning an operator (or the reconciler) has work to
// do.
func (r Result) NeedsReconciliation() bool {
	for _, s := range []StepResult{r.Steps.StatusUpdate, r.Steps.Subscription, r.Steps.Termination, r.Steps.CancelSubscriptions, r.Steps.CloseUsage} {
		if s.Status == StepFailed {
			return true
		}
	}
	return false
}

func newResult(appointmentID string) Result {
	return Result{
		AppointmentID: appointmentID,
		Steps: Steps{
			Invoice:             skipped(),
			StatusUpdate:        skipped(),
			Subscription:        skipped(),
			Termination:         skipped(),
			CancelSubscriptions: skipped(),
			CloseUsage:          skipped(),
		},
	}
}
