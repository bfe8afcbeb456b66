package inspect

import "time"

// FailureReason is the closed set of terminal failure classifications. Every
// failed outcome carries exactly one of these; nothing else ever escapes the
// pipeline boundary.
type FailureReason string

const (
	ReasonConfigNotFound      FailureReason = "ConfigNotFound"
	ReasonTypeNotConfigured   FailureReason = "TypeNotConfigured"
	ReasonKernelNotConnected  FailureReason = "KernelNotConnected"
	ReasonServerUnavailable   FailureReason = "ServerUnavailable"
	ReasonObjectNotFound      FailureReason = "ObjectNotFound"
	ReasonSizeExceeded        FailureReason = "SizeExceeded"
	ReasonSerializationFailed FailureReason = "SerializationFailed"
	ReasonInspectionTimeout   FailureReason = "InspectionTimeout"
	ReasonInspectionError     FailureReason = "InspectionError"
)

// NoteTypeMismatch is the advisory recorded when the runtime type differs
// from the statically inferred type. Advisory only, never a failure.
const NoteTypeMismatch = "TypeMismatch"

// StageTiming is one stage's wall-clock duration, recorded whether or not
// later stages ran.
type StageTiming struct {
	Stage    string        `json:"stage"`
	Duration time.Duration `json:"duration"`
}

// Outcome is the terminal, always-populated result of one inspection call.
// Failed outcomes are safe to discard; the caller falls back to whatever
// static information it already had.
type Outcome struct {
	Expression string        `json:"expression"`
	StaticType string        `json:"staticType"`
	Success    bool          `json:"success"`
	Result     string        `json:"result,omitempty"`
	Reason     FailureReason `json:"reason,omitempty"`
	Detail     string        `json:"detail,omitempty"`
	Notes      []string      `json:"notes,omitempty"`
	Timings    []StageTiming `json:"timings,omitempty"`
	Elapsed    time.Duration `json:"elapsed"`
}
