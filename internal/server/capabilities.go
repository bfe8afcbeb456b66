package server

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Builtin capability names. Uploaded bindings reference one of these.
const (
	CapabilityTabular = "tabular"
	CapabilityNDArray = "ndarray"
	CapabilitySeries  = "series"
	CapabilityGeneric = "generic"
)

// describeTabular summarizes a column-oriented or record-oriented table:
// shape first, then column names, then per-column null counts when any
// column has them.
func describeTabular(value any) (string, error) {
	switch v := value.(type) {
	case map[string]any:
		cols := make([]string, 0, len(v))
		rows := 0
		for name, col := range v {
			cols = append(cols, name)
			if arr, ok := col.([]any); ok && len(arr) > rows {
				rows = len(arr)
			}
		}
		sort.Strings(cols)
		out := fmt.Sprintf("Shape: %dx%d\nColumns: %s", rows, len(cols), strings.Join(cols, ", "))
		var nulls []string
		for _, name := range cols {
			arr, ok := v[name].([]any)
			if !ok {
				continue
			}
			n := 0
			for _, cell := range arr {
				if cell == nil {
					n++
				}
			}
			if n > 0 {
				nulls = append(nulls, fmt.Sprintf("%s=%d", name, n))
			}
		}
		if len(nulls) > 0 {
			out += "\nNulls: " + strings.Join(nulls, ", ")
		}
		return out, nil
	case []any:
		if len(v) == 0 {
			return "Shape: 0x0", nil
		}
		first, ok := v[0].(map[string]any)
		if !ok {
			return "", errors.New("tabular value is neither columns nor records")
		}
		cols := make([]string, 0, len(first))
		for name := range first {
			cols = append(cols, name)
		}
		sort.Strings(cols)
		return fmt.Sprintf("Shape: %dx%d\nColumns: %s", len(v), len(cols), strings.Join(cols, ", ")), nil
	default:
		return "", fmt.Errorf("tabular value has unexpected kind %T", value)
	}
}

// describeNDArray reports the nested-array shape, the scalar kind, and the
// value range for numeric data, assuming rectangular input.
func describeNDArray(value any) (string, error) {
	dims, err := arrayShape(value)
	if err != nil {
		return "", err
	}
	parts := make([]string, len(dims))
	for i, d := range dims {
		parts[i] = fmt.Sprintf("%d", d)
	}
	out := "Shape: (" + strings.Join(parts, ", ") + ")"

	kind, min, max, count := scalarStats(value)
	if kind != "" {
		out += "\nDtype: " + kind
	}
	if kind == "number" && count > 0 {
		out += fmt.Sprintf("\nRange: [%v, %v]", min, max)
	}
	return out, nil
}

// scalarStats flattens the nested array and reports the scalar kind plus the
// numeric range. Mixed kinds report "mixed".
func scalarStats(value any) (kind string, min, max float64, count int) {
	var walk func(v any)
	walk = func(v any) {
		arr, ok := v.([]any)
		if !ok {
			k := scalarKind(v)
			if kind == "" {
				kind = k
			} else if kind != k {
				kind = "mixed"
			}
			if n, ok := v.(float64); ok {
				if count == 0 || n < min {
					min = n
				}
				if count == 0 || n > max {
					max = n
				}
				count++
			}
			return
		}
		for _, item := range arr {
			walk(item)
		}
	}
	walk(value)
	return kind, min, max, count
}

func scalarKind(v any) string {
	switch v.(type) {
	case float64:
		return "number"
	case string:
		return "string"
	case bool:
		return "bool"
	case nil:
		return "null"
	default:
		return "object"
	}
}

func arrayShape(value any) ([]int, error) {
	arr, ok := value.([]any)
	if !ok {
		return nil, fmt.Errorf("array value has unexpected kind %T", value)
	}
	dims := []int{len(arr)}
	if len(arr) > 0 {
		if _, nested := arr[0].([]any); nested {
			inner, err := arrayShape(arr[0])
			if err != nil {
				return nil, err
			}
			dims = append(dims, inner...)
		}
	}
	return dims, nil
}

// describeSeries reports length and a short head preview.
func describeSeries(value any) (string, error) {
	arr, ok := value.([]any)
	if !ok {
		return "", fmt.Errorf("series value has unexpected kind %T", value)
	}
	head := arr
	if len(head) > 5 {
		head = head[:5]
	}
	parts := make([]string, len(head))
	for i, v := range head {
		parts[i] = fmt.Sprintf("%v", v)
	}
	return fmt.Sprintf("Length: %d\nHead: %s", len(arr), strings.Join(parts, ", ")), nil
}

// describeGeneric is the fallback for types bound without a specialized
// formatter.
func describeGeneric(value any) (string, error) {
	switch v := value.(type) {
	case map[string]any:
		return fmt.Sprintf("Mapping with %d entries", len(v)), nil
	case []any:
		return fmt.Sprintf("Sequence with %d items", len(v)), nil
	case string:
		return fmt.Sprintf("String of length %d", len(v)), nil
	default:
		return fmt.Sprintf("Value: %v", v), nil
	}
}
