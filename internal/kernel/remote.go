package kernel

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"kernelpeek/internal/serialize"
)

// ValidateResult reports whether an expression resolves in the live
// namespace and, when it does, the runtime type name.
type ValidateResult struct {
	Exists   bool   `json:"exists"`
	TypeName string `json:"typeName,omitempty"`
	Error    string `json:"error,omitempty"`
}

// SizeResult is the approximate in-memory footprint of an expression.
// Callers must treat SizeMB as a heuristic, never an exact measurement.
type SizeResult struct {
	SizeMB  float64 `json:"sizeMb"`
	Success bool    `json:"success"`
	Error   string  `json:"error,omitempty"`
}

// ValidateBinding checks whether the expression resolves on the interpreter.
// The generated snippet emits the result schema whether or not the expression
// resolves and removes its temporary bindings before returning. Transport
// failures populate the error field instead of escaping this layer.
func (s *Session) ValidateBinding(ctx context.Context, expression string, timeout time.Duration) ValidateResult {
	code := buildValidateSnippet(expression)
	output, err := s.ExecuteCode(ctx, code, timeout)
	if err != nil {
		return ValidateResult{Exists: false, Error: err.Error()}
	}
	var res ValidateResult
	if err := parseFinalLine(output, &res); err != nil {
		return ValidateResult{Exists: false, Error: err.Error()}
	}
	return res
}

// EstimateSize probes the approximate size of the expression. The probe is
// type-heuristic: known container kinds get a specialized measurement,
// anything else falls back to a generic shallow estimate.
func (s *Session) EstimateSize(ctx context.Context, expression, runtimeTypeName string, timeout time.Duration) SizeResult {
	code := buildSizeSnippet(expression, runtimeTypeName)
	output, err := s.ExecuteCode(ctx, code, timeout)
	if err != nil {
		return SizeResult{Success: false, Error: err.Error()}
	}
	var res SizeResult
	if err := parseFinalLine(output, &res); err != nil {
		return SizeResult{Success: false, Error: err.Error()}
	}
	return res
}

// SerializeObject copies the expression per the strategy, serializes and
// text-encodes it on the interpreter, and returns the result envelope.
func (s *Session) SerializeObject(ctx context.Context, expression string, strategy serialize.Strategy, timeout time.Duration) serialize.Envelope {
	code, err := serialize.BuildCode(expression, strategy)
	if err != nil {
		return serialize.Failure(err.Error())
	}
	output, err := s.ExecuteCode(ctx, code, timeout)
	if err != nil {
		return serialize.Failure(err.Error())
	}
	env, err := serialize.ParseEnvelope(output)
	if err != nil {
		return serialize.Failure(err.Error())
	}
	return env
}

func buildValidateSnippet(expression string) string {
	var b strings.Builder
	b.WriteString("import json as _kp_json\n")
	b.WriteString("try:\n")
	fmt.Fprintf(&b, "    _kp_obj = (%s)\n", strings.TrimSpace(expression))
	b.WriteString("    _kp_type = type(_kp_obj)\n")
	b.WriteString("    _kp_result = {'exists': True, 'typeName': _kp_type.__module__ + '.' + _kp_type.__qualname__}\n")
	b.WriteString("except Exception as _kp_err:\n")
	b.WriteString("    _kp_result = {'exists': False, 'error': str(_kp_err)}\n")
	b.WriteString("print(_kp_json.dumps(_kp_result))\n")
	b.WriteString(serialize.CleanupBlock("_kp_obj", "_kp_type", "_kp_err", "_kp_result", "_kp_json"))
	return b.String()
}

// sizeProbe maps known container-type name fragments to a specialized size
// expression over _kp_obj; unmatched types get the generic estimate.
func sizeProbe(runtimeTypeName string) string {
	name := strings.ToLower(runtimeTypeName)
	switch {
	case strings.Contains(name, "dataframe"):
		return "float(_kp_obj.memory_usage(deep=True).sum())"
	case strings.Contains(name, "series"):
		return "float(_kp_obj.memory_usage(deep=True))"
	case strings.Contains(name, "ndarray"):
		return "float(_kp_obj.nbytes)"
	default:
		return "float(_kp_sys.getsizeof(_kp_obj))"
	}
}

func buildSizeSnippet(expression, runtimeTypeName string) string {
	var b strings.Builder
	b.WriteString("import json as _kp_json\n")
	b.WriteString("import sys as _kp_sys\n")
	b.WriteString("try:\n")
	fmt.Fprintf(&b, "    _kp_obj = (%s)\n", strings.TrimSpace(expression))
	fmt.Fprintf(&b, "    _kp_bytes = %s\n", sizeProbe(runtimeTypeName))
	b.WriteString("    _kp_result = {'sizeMb': _kp_bytes / (1024.0 * 1024.0), 'success': True}\n")
	b.WriteString("except Exception as _kp_err:\n")
	b.WriteString("    _kp_result = {'sizeMb': 0.0, 'success': False, 'error': str(_kp_err)}\n")
	b.WriteString("print(_kp_json.dumps(_kp_result))\n")
	b.WriteString(serialize.CleanupBlock("_kp_obj", "_kp_bytes", "_kp_err", "_kp_result", "_kp_json", "_kp_sys"))
	return b.String()
}

// parseFinalLine reads the final non-empty output line as one JSON result
// object, the contract every generated snippet honors.
func parseFinalLine(output string, out any) error {
	line := serialize.FinalLine(output)
	if line == "" {
		return fmt.Errorf("kernel: remote operation produced no output")
	}
	if err := json.Unmarshal([]byte(line), out); err != nil {
		return fmt.Errorf("kernel: parse remote result: %w", err)
	}
	return nil
}
