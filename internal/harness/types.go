package harness

// TraceEvent records one executed step and the sync status right after it.
type TraceEvent struct {
	Step   int    `json:"step"`
	Kind   string `json:"kind"`
	Detail string `json:"detail,omitempty"`
	Status string `json:"status"`
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass is true when every assertion held.
	Pass bool `json:"pass"`

	// Trace contains one event per step, in order.
	Trace []TraceEvent `json:"trace"`

	// Calls lists every request the fake server received, formatted
	// "op entity/key".
	Calls []string `json:"calls"`

	// FinalStatus is the sync status after the last step.
	FinalStatus string `json:"final_status"`

	// Errors contains assertion failures. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Calls:  []string{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddTrace appends a step to the trace.
func (r *Result) AddTrace(step int, kind, detail, status string) {
	r.Trace = append(r.Trace, TraceEvent{
		Step:   step,
		Kind:   kind,
		Detail: detail,
		Status: status,
	})
}
