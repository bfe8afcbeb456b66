package server

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"kernelpeek/internal/policy"
)

var (
	ErrNoCapability      = errors.New("server: no inspection capability for type")
	ErrUnknownCapability = errors.New("server: unknown capability name")
)

// DescribeFunc turns one decoded value into a short human-readable
// description. Implementations must not mutate the value.
type DescribeFunc func(value any) (string, error)

// Registry maps type names to named inspection capabilities. Type lookup is
// exact first, then the collapsed first-and-last dotted form.
type Registry struct {
	mu           sync.RWMutex
	capabilities map[string]DescribeFunc
	bindings     map[string]string
}

// NewRegistry starts with the builtin capabilities and their default type
// bindings preloaded.
func NewRegistry() *Registry {
	r := &Registry{
		capabilities: map[string]DescribeFunc{
			CapabilityTabular: describeTabular,
			CapabilityNDArray: describeNDArray,
			CapabilitySeries:  describeSeries,
			CapabilityGeneric: describeGeneric,
		},
		bindings: map[string]string{
			"pandas.DataFrame":            CapabilityTabular,
			"pandas.core.frame.DataFrame": CapabilityTabular,
			"numpy.ndarray":               CapabilityNDArray,
			"pandas.Series":               CapabilitySeries,
			"pandas.core.series.Series":   CapabilitySeries,
		},
	}
	return r
}

// Bind maps a type name to a registered capability.
func (r *Registry) Bind(typeName, capability string) error {
	typeName = strings.TrimSpace(typeName)
	capability = strings.TrimSpace(capability)
	if typeName == "" {
		return errors.New("server: type name required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.capabilities[capability]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownCapability, capability)
	}
	r.bindings[typeName] = capability
	return nil
}

// Resolve finds the capability for one type name.
func (r *Registry) Resolve(typeName string) (DescribeFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name, ok := r.bindings[typeName]; ok {
		return r.capabilities[name], nil
	}
	if collapsed := policy.Collapse(typeName); collapsed != typeName {
		if name, ok := r.bindings[collapsed]; ok {
			return r.capabilities[name], nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrNoCapability, typeName)
}

// Types lists the bound type names, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.bindings))
	for name := range r.bindings {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
