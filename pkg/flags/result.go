package flags

// Result is the outcome of evaluating a single flag for a context. It
// always carries a resolved value and a reason; Variant is set only
// when a weighted variant decided the result, and the error fields only
// when Reason is ReasonError.
type Result struct {
	FlagKey      string         `json:"flag_key"`
	Value        any            `json:"value"`
	Reason       Reason         `json:"reason"`
	Variant      string         `json:"variant,omitempty"`
	ErrorCode    string         `json:"error_code,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Bool returns the result value as a boolean. Non-boolean values yield
// false; a nil value yields false.
func (r Result) Bool() bool {
	b, _ := r.Value.(bool)
	return b
}

// IsError reports whether evaluation fell back to the default value
// because of an internal fault.
func (r Result) IsError() bool {
	return r.Reason == ReasonError
}
