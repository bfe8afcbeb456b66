// Package serialize plans how a live value is copied, serialized, and
// text-encoded before leaving the interpreter. Whatever strategy is chosen,
// the original live value must remain unaffected by anything the inspection
// stage later does to the copy; shallow copies uphold that only when the
// registered inspection capability performs no in-place mutation of nested
// members, which is a documented property of each capability.
package serialize

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Copy strategy modes, applied before byte-level serialization.
const (
	ModeReference = "reference"
	ModeShallow   = "shallow"
	ModeDeep      = "deep"
)

// Encoding kinds the remote snippet can produce.
const (
	FormatPickle = "pickle"
	FormatJSON   = "json"
)

var (
	ErrUnknownMode  = errors.New("serialize: unknown copy strategy mode")
	ErrInvalidDepth = errors.New("serialize: max depth must be positive")
	ErrEmptyOutput  = errors.New("serialize: empty remote output")
)

// Strategy selects the copy mode and, for deep copies, an optional depth
// bound: containers are duplicated down to the bound, anything deeper stays
// shared with the live object.
type Strategy struct {
	Mode     string
	MaxDepth int
}

func (s Strategy) Validate() error {
	switch s.Mode {
	case ModeReference, ModeShallow, ModeDeep:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMode, s.Mode)
	}
	if s.MaxDepth < 0 {
		return ErrInvalidDepth
	}
	return nil
}

// Envelope is the mutually exclusive serialization result: a populated
// payload with success, or an error with success=false, never both.
type Envelope struct {
	Format  string `json:"format"`
	Payload string `json:"payload"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Failure builds the error half of the envelope contract.
func Failure(reason string) Envelope {
	return Envelope{Success: false, Error: reason}
}

// BuildCode generates the remote snippet that copies the expression per the
// strategy, pickles the copy, and radix-64 encodes the bytes. Values that
// refuse to pickle fall back to a JSON encoding. All temporary bindings are
// removed before the snippet returns.
func BuildCode(expression string, strategy Strategy) (string, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return "", errors.New("serialize: expression required")
	}
	if err := strategy.Validate(); err != nil {
		return "", err
	}

	bounded := strategy.Mode == ModeDeep && strategy.MaxDepth > 0
	var copyExpr string
	switch {
	case strategy.Mode == ModeReference:
		copyExpr = "_kp_obj"
	case strategy.Mode == ModeShallow:
		copyExpr = "_kp_copy.copy(_kp_obj)"
	case bounded:
		copyExpr = fmt.Sprintf("_kp_copy_bounded(_kp_obj, %d)", strategy.MaxDepth)
	default:
		copyExpr = "_kp_copy.deepcopy(_kp_obj)"
	}

	var b strings.Builder
	b.WriteString("import base64 as _kp_b64\n")
	b.WriteString("import copy as _kp_copy\n")
	b.WriteString("import json as _kp_json\n")
	b.WriteString("import pickle as _kp_pickle\n")
	if bounded {
		// Depth-limited deep copy: containers are duplicated down to the
		// bound, anything deeper stays shared with the live object.
		b.WriteString("def _kp_copy_bounded(_kp_v, _kp_d):\n")
		b.WriteString("    if _kp_d <= 0:\n")
		b.WriteString("        return _kp_v\n")
		b.WriteString("    if isinstance(_kp_v, dict):\n")
		b.WriteString("        return {_kp_copy_bounded(_kp_k, _kp_d - 1): _kp_copy_bounded(_kp_i, _kp_d - 1) for _kp_k, _kp_i in _kp_v.items()}\n")
		b.WriteString("    if isinstance(_kp_v, (list, tuple, set, frozenset)):\n")
		b.WriteString("        return type(_kp_v)(_kp_copy_bounded(_kp_i, _kp_d - 1) for _kp_i in _kp_v)\n")
		b.WriteString("    return _kp_copy.copy(_kp_v)\n")
	}
	b.WriteString("try:\n")
	fmt.Fprintf(&b, "    _kp_obj = (%s)\n", expression)
	fmt.Fprintf(&b, "    _kp_dup = %s\n", copyExpr)
	b.WriteString("    try:\n")
	b.WriteString("        _kp_bytes = _kp_pickle.dumps(_kp_dup)\n")
	b.WriteString("        _kp_fmt = 'pickle'\n")
	b.WriteString("    except Exception:\n")
	b.WriteString("        _kp_bytes = _kp_json.dumps(_kp_dup).encode('utf-8')\n")
	b.WriteString("        _kp_fmt = 'json'\n")
	b.WriteString("    _kp_result = {'format': _kp_fmt, 'payload': _kp_b64.b64encode(_kp_bytes).decode('ascii'), 'success': True}\n")
	b.WriteString("except Exception as _kp_err:\n")
	b.WriteString("    _kp_result = {'format': '', 'payload': '', 'success': False, 'error': str(_kp_err)}\n")
	b.WriteString("print(_kp_json.dumps(_kp_result))\n")
	b.WriteString(cleanupBlock(
		"_kp_b64", "_kp_copy", "_kp_pickle", "_kp_copy_bounded",
		"_kp_obj", "_kp_dup", "_kp_bytes", "_kp_fmt", "_kp_err", "_kp_result", "_kp_json",
	))
	return b.String(), nil
}

// ParseEnvelope reads the final non-empty line of remote output as the
// serialization envelope and enforces payload/error exclusivity.
func ParseEnvelope(output string) (Envelope, error) {
	line := finalLine(output)
	if line == "" {
		return Envelope{}, ErrEmptyOutput
	}
	var env Envelope
	if err := json.Unmarshal([]byte(line), &env); err != nil {
		return Envelope{}, fmt.Errorf("serialize: parse envelope: %w", err)
	}
	if env.Success && env.Payload == "" {
		return Envelope{}, errors.New("serialize: success envelope without payload")
	}
	if !env.Success {
		env.Format = ""
		env.Payload = ""
		if env.Error == "" {
			env.Error = "serialization failed"
		}
	}
	return env, nil
}

// cleanupBlock deletes snippet-scoped temporary bindings from the live
// namespace so repeated inspections leave no residue.
func cleanupBlock(names ...string) string {
	var b strings.Builder
	b.WriteString("for _kp_name in [")
	for i, name := range names {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%q", name)
	}
	b.WriteString("]:\n")
	b.WriteString("    if _kp_name in globals():\n")
	b.WriteString("        del globals()[_kp_name]\n")
	b.WriteString("del _kp_name\n")
	return b.String()
}

// CleanupBlock is shared with the other generated remote snippets.
func CleanupBlock(names ...string) string {
	return cleanupBlock(names...)
}

func finalLine(output string) string {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}

// FinalLine exposes the last-non-empty-line contract used by every remote
// operation that prints a single JSON result object.
func FinalLine(output string) string {
	return finalLine(output)
}
