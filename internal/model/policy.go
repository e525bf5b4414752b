package model

import (
	"fmt"
	"regexp"
	"strings"
)

// ConcurrencyClass is a named worker-pool tier.
type ConcurrencyClass string

const (
	ConcurrencySequential ConcurrencyClass = "sequential"
	ConcurrencyLow        ConcurrencyClass = "low"
	ConcurrencyMedium     ConcurrencyClass = "medium"
	ConcurrencyHigh       ConcurrencyClass = "high"
)

// Workers returns the worker-pool size hint for the class.
// Unknown classes map to 1.
func (c ConcurrencyClass) Workers() int {
	switch c {
	case ConcurrencyLow:
		return 2
	case ConcurrencyMedium:
		return 4
	case ConcurrencyHigh:
		return 8
	default:
		return 1
	}
}

// Valid reports whether c is a known class.
func (c ConcurrencyClass) Valid() bool {
	switch c {
	case ConcurrencySequential, ConcurrencyLow, ConcurrencyMedium, ConcurrencyHigh:
		return true
	}
	return false
}

// ParseConcurrencyClass parses a class name case-insensitively.
func ParseConcurrencyClass(s string) (ConcurrencyClass, error) {
	c := ConcurrencyClass(strings.ToLower(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", fmt.Errorf("unknown concurrency class %q", s)
	}
	return c, nil
}

// Registry column defaults.
const (
	DefaultModel            = "gemini-2.5-pro"
	DefaultTemperature      = 0.7
	DefaultTokenBudget      = 32000
	DefaultTimeoutSec       = 120
	DefaultMaxRetries       = 3
	DefaultConcurrencyClass = ConcurrencyMedium

	// MaxToolTemperature is the highest temperature allowed for units with tools enabled.
	MaxToolTemperature = 1.0
)

var unitIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidUnitID reports whether id is non-empty and uses only letters, digits, '_' and '-'.
func ValidUnitID(id string) bool {
	return unitIDPattern.MatchString(id)
}

// UnitPolicy is one declared unit of work and its execution policy.
// Values are immutable once the registry has loaded them.
type UnitPolicy struct {
	ID               string           `json:"prompt_id" yaml:"prompt_id"`
	Title            string           `json:"title" yaml:"title"`
	Wave             Wave             `json:"wave" yaml:"wave"`
	Category         string           `json:"category" yaml:"category"`
	Model            string           `json:"model" yaml:"model"`
	Tools            string           `json:"tools,omitempty" yaml:"tools,omitempty"`
	Temperature      float64          `json:"temperature" yaml:"temperature"`
	TokenBudget      int              `json:"token_budget" yaml:"token_budget"`
	TimeoutSec       int              `json:"timeout_sec" yaml:"timeout_sec"`
	MaxRetries       int              `json:"max_retries" yaml:"max_retries"`
	ConcurrencyClass ConcurrencyClass `json:"concurrency_class" yaml:"concurrency_class"`
	ExpectedOutputs  string           `json:"expected_outputs" yaml:"expected_outputs"`
	Prompt           string           `json:"prompt" yaml:"prompt"`
	ContextFile      string           `json:"context_file,omitempty" yaml:"context_file,omitempty"`
	Notes            string           `json:"notes,omitempty" yaml:"notes,omitempty"`
}

// ToolsEnabled reports whether the unit requests tool use.
func (p UnitPolicy) ToolsEnabled() bool {
	return strings.TrimSpace(p.Tools) != ""
}

// WithDefaults fills zero-valued optional fields with registry defaults.
// Numeric fields that may legitimately be zero (MaxRetries, Temperature) are
// left alone; the registry loaders apply those defaults only when the column
// is absent.
func (p UnitPolicy) WithDefaults() UnitPolicy {
	if p.Model == "" {
		p.Model = DefaultModel
	}
	if p.TokenBudget == 0 {
		p.TokenBudget = DefaultTokenBudget
	}
	if p.TimeoutSec == 0 {
		p.TimeoutSec = DefaultTimeoutSec
	}
	if p.ConcurrencyClass == "" {
		p.ConcurrencyClass = DefaultConcurrencyClass
	}
	if p.Prompt == "" {
		p.Prompt = p.Title
	}
	return p
}
