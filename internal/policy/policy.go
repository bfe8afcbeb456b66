// Package policy holds the per-type inspection budgets: size and time bounds,
// copy strategy, optional resource limits, and the remote capability each
// type is inspected with. Policies are loaded as one atomic snapshot; an
// in-flight inspection keeps the snapshot it started with.
package policy

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"github.com/pelletier/go-toml/v2"

	"kernelpeek/internal/serialize"
)

var (
	ErrNoPolicy      = errors.New("policy: type not configured")
	ErrEmptySnapshot = errors.New("policy: snapshot has no types")
)

// CopyStrategy selects how the live value is duplicated before serialization.
type CopyStrategy struct {
	Mode     string `toml:"mode" json:"mode"`
	MaxDepth int    `toml:"max_depth" json:"maxDepth,omitempty"`
}

// ResourceLimits bounds the server-side execution of one inspection.
type ResourceLimits struct {
	RAMMB      int `toml:"ram_mb" json:"ramMb,omitempty"`
	CPUPercent int `toml:"cpu_percent" json:"cpuPercent,omitempty"`
}

// TypePolicy is one type's inspection budget.
type TypePolicy struct {
	MaxSizeMB            float64         `toml:"max_size_mb" json:"maxSizeMb"`
	TimeoutMS            int             `toml:"timeout_ms" json:"timeoutMs"`
	Copy                 CopyStrategy    `toml:"copy" json:"copyStrategy"`
	Limits               *ResourceLimits `toml:"limits" json:"resourceLimits,omitempty"`
	InspectionCapability string          `toml:"inspection_capability" json:"inspectionCapability"`
}

func (p TypePolicy) Validate() error {
	if p.MaxSizeMB <= 0 {
		return fmt.Errorf("policy: max_size_mb must be positive, have %v", p.MaxSizeMB)
	}
	if p.TimeoutMS <= 0 {
		return fmt.Errorf("policy: timeout_ms must be positive, have %d", p.TimeoutMS)
	}
	if err := (serialize.Strategy{Mode: p.Copy.Mode, MaxDepth: p.Copy.MaxDepth}).Validate(); err != nil {
		return err
	}
	if p.Limits != nil {
		if p.Limits.RAMMB <= 0 {
			return fmt.Errorf("policy: limits.ram_mb must be positive, have %d", p.Limits.RAMMB)
		}
		if p.Limits.CPUPercent <= 0 || p.Limits.CPUPercent > 100 {
			return fmt.Errorf("policy: limits.cpu_percent must be in (0,100], have %d", p.Limits.CPUPercent)
		}
	}
	if strings.TrimSpace(p.InspectionCapability) == "" {
		return errors.New("policy: inspection_capability required")
	}
	return nil
}

// Strategy converts the policy's copy block into a serialization strategy.
func (p TypePolicy) Strategy() serialize.Strategy {
	return serialize.Strategy{Mode: p.Copy.Mode, MaxDepth: p.Copy.MaxDepth}
}

// Snapshot is one immutable generation of the policy table. Lookups try the
// exact fully-qualified name first, then the collapsed first-and-last dotted
// form, which tolerates deep internal module paths aliasing a public name.
type Snapshot struct {
	types map[string]TypePolicy
}

// NewSnapshot validates every policy and freezes the table.
func NewSnapshot(types map[string]TypePolicy) (*Snapshot, error) {
	if len(types) == 0 {
		return nil, ErrEmptySnapshot
	}
	frozen := make(map[string]TypePolicy, len(types))
	for name, p := range types {
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, errors.New("policy: empty type name")
		}
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("%w (type %q)", err, name)
		}
		frozen[name] = p
	}
	return &Snapshot{types: frozen}, nil
}

// Lookup resolves the policy for one fully-qualified type name.
func (s *Snapshot) Lookup(typeName string) (TypePolicy, bool) {
	typeName = strings.TrimSpace(typeName)
	if p, ok := s.types[typeName]; ok {
		return p, true
	}
	if collapsed := Collapse(typeName); collapsed != typeName {
		if p, ok := s.types[collapsed]; ok {
			return p, true
		}
	}
	return TypePolicy{}, false
}

// Types lists the configured type names; order is unspecified.
func (s *Snapshot) Types() []string {
	names := make([]string, 0, len(s.types))
	for name := range s.types {
		names = append(names, name)
	}
	return names
}

func (s *Snapshot) Len() int { return len(s.types) }

// Collapse reduces a dotted type name to its first and last segments:
// "pandas.core.frame.DataFrame" collapses to "pandas.DataFrame". Names with
// fewer than three segments collapse to themselves.
func Collapse(typeName string) string {
	parts := strings.Split(typeName, ".")
	if len(parts) < 3 {
		return typeName
	}
	return parts[0] + "." + parts[len(parts)-1]
}

// Store publishes policy snapshots to concurrent readers. Reloads replace the
// snapshot wholesale; readers never observe a partial table.
type Store struct {
	current atomic.Pointer[Snapshot]
}

func NewStore(snap *Snapshot) *Store {
	s := &Store{}
	if snap != nil {
		s.current.Store(snap)
	}
	return s
}

// Current returns the live snapshot, or nil before the first load.
func (s *Store) Current() *Snapshot {
	return s.current.Load()
}

// Replace publishes a new snapshot generation.
func (s *Store) Replace(snap *Snapshot) {
	if snap == nil {
		return
	}
	s.current.Store(snap)
}

// Lookup resolves against the live snapshot.
func (s *Store) Lookup(typeName string) (TypePolicy, bool) {
	snap := s.Current()
	if snap == nil {
		return TypePolicy{}, false
	}
	return snap.Lookup(typeName)
}

// policyFile is the on-disk shape: one [types."<name>"] table per policy.
type policyFile struct {
	Types map[string]TypePolicy `toml:"types"`
}

// Load parses a policy document into a snapshot.
func Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy: load %s: %w", path, err)
	}
	return Parse(data)
}

// Parse builds a snapshot from policy document bytes.
func Parse(data []byte) (*Snapshot, error) {
	var file policyFile
	if err := toml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("policy: parse: %w", err)
	}
	return NewSnapshot(file.Types)
}
