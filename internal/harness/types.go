package harness

// Step outcomes recorded in the trace.
const (
	OutcomeOK             = "ok"
	OutcomeFound          = "found"
	OutcomeAbsent         = "absent"
	OutcomeUniqueConflict = "unique_conflict"
	OutcomeNotFound       = "not_found"
	OutcomeSchemaMismatch = "schema_mismatch"
	OutcomeError          = "error"
)

// TraceEvent records one executed step.
type TraceEvent struct {
	Seq      int64  `json:"seq"`
	Op       string `json:"op"`
	Variant  string `json:"variant"`
	ID       string `json:"id,omitempty"`
	Property string `json:"property,omitempty"`
	Value    any    `json:"value,omitempty"`

	// Outcome is one of the Outcome constants.
	Outcome string `json:"outcome"`

	// Result holds the fields of the saga a read step found, including "id".
	Result map[string]any `json:"result,omitempty"`

	// Writes lists the changes the step's unit of work flushed (or tried
	// to), as "<kind> <key>".
	Writes []string `json:"writes,omitempty"`

	// Error is the message of an unexpected failure.
	Error string `json:"error,omitempty"`
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass is true if every expectation and assertion held.
	Pass bool `json:"pass"`

	// Trace contains all executed steps in order. Setup steps are included.
	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddTrace appends a step to the trace.
func (r *Result) AddTrace(ev TraceEvent) {
	r.Trace = append(r.Trace, ev)
}
