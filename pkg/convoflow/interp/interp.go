// Package interp substitutes {{dotted.path}} variables into prompt
// templates with injection and resource-limit defenses.
//
// Substitution is recursive up to a bounded depth so variable values
// may themselves contain placeholders. Output is sanitized for script
// content unconditionally; detection only feeds telemetry.
package interp

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	cferrors "github.com/randalmurphal/convoflow/pkg/convoflow/errors"
)

// varPattern matches {{ path }} with any interior content; the path is
// validated separately so illegal names are rejected rather than
// silently skipped.
var varPattern = regexp.MustCompile(`\{\{\s*([^{}]*?)\s*\}\}`)

// legalPath is the only accepted variable path shape.
var legalPath = regexp.MustCompile(`^[a-zA-Z0-9_]+(\.[a-zA-Z0-9_]+)*$`)

// Limits bounds template processing. Zero values fall back to the
// corresponding default.
type Limits struct {
	MaxTemplateSize int // bytes, default 100000
	MaxValueSize    int // bytes per substituted value, default 10000
	MaxResultSize   int // bytes, default 500000
	MaxPathDepth    int // dotted segments, default 5
	MaxVariables    int // placeholders per template, default 100
	MaxRecursion    int // substitution passes, default 3
}

// DefaultLimits are the production defaults.
var DefaultLimits = Limits{
	MaxTemplateSize: 100_000,
	MaxValueSize:    10_000,
	MaxResultSize:   500_000,
	MaxPathDepth:    5,
	MaxVariables:    100,
	MaxRecursion:    3,
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits
	if l.MaxTemplateSize > 0 {
		d.MaxTemplateSize = l.MaxTemplateSize
	}
	if l.MaxValueSize > 0 {
		d.MaxValueSize = l.MaxValueSize
	}
	if l.MaxResultSize > 0 {
		d.MaxResultSize = l.MaxResultSize
	}
	if l.MaxPathDepth > 0 {
		d.MaxPathDepth = l.MaxPathDepth
	}
	if l.MaxVariables > 0 {
		d.MaxVariables = l.MaxVariables
	}
	if l.MaxRecursion > 0 {
		d.MaxRecursion = l.MaxRecursion
	}
	return d
}

// ValidationError reports a template that failed validation. It is
// fatal for the build step that produced it.
type ValidationError struct {
	Reason string
	Path   string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("template validation failed: %s: %q", e.Reason, e.Path)
	}
	return fmt.Sprintf("template validation failed: %s", e.Reason)
}

// ErrorCategory implements errors.Classifier.
func (e *ValidationError) ErrorCategory() cferrors.Category {
	return cferrors.CategoryValidation
}

// Result is the outcome of one interpolation.
type Result struct {
	// Text is the substituted, sanitized output.
	Text string
	// InjectionDetected reports whether sanitization removed anything.
	// Sanitization itself runs unconditionally.
	InjectionDetected bool
	// Unresolved lists variable paths that had no value and were
	// replaced with empty strings.
	Unresolved []string
}

// Option configures an Interpolator.
type Option func(*Interpolator)

// WithLimits overrides the processing limits.
func WithLimits(l Limits) Option {
	return func(i *Interpolator) { i.limits = l.withDefaults() }
}

// WithClock sets the time source for the timestamp aliases.
func WithClock(now func() time.Time) Option {
	return func(i *Interpolator) { i.now = now }
}

// WithModelName sets the value of the model display-name alias.
func WithModelName(name string) Option {
	return func(i *Interpolator) { i.modelName = name }
}

// Interpolator substitutes template variables. Safe for concurrent
// use after construction.
type Interpolator struct {
	limits    Limits
	now       func() time.Time
	modelName string
}

// New creates an Interpolator with the given options.
func New(opts ...Option) *Interpolator {
	i := &Interpolator{
		limits: DefaultLimits,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Interpolate substitutes variables from vars into the template.
// Unresolved variables become empty strings. Values containing
// placeholders are expanded on subsequent passes up to the recursion
// limit; placeholders still present after the final pass are left
// as-is.
func (i *Interpolator) Interpolate(template string, vars map[string]any) (*Result, error) {
	if len(template) > i.limits.MaxTemplateSize {
		return nil, &ValidationError{
			Reason: fmt.Sprintf("template exceeds %d bytes", i.limits.MaxTemplateSize),
		}
	}

	if err := i.validate(template); err != nil {
		return nil, err
	}

	result := &Result{}
	current := template
	for pass := 0; pass < i.limits.MaxRecursion; pass++ {
		expanded, substituted, err := i.substitute(current, vars, result)
		if err != nil {
			return nil, err
		}
		current = expanded
		if !substituted || !strings.Contains(current, "{{") {
			break
		}
		// Values may have exposed new placeholders; validate them
		// before the next pass.
		if err := i.validate(current); err != nil {
			return nil, err
		}
	}

	sanitized, detected := Sanitize(current)
	result.Text = sanitized
	result.InjectionDetected = detected
	return result, nil
}

// validate checks every placeholder path and the variable count.
func (i *Interpolator) validate(template string) error {
	matches := varPattern.FindAllStringSubmatch(template, -1)
	if len(matches) > i.limits.MaxVariables {
		return &ValidationError{
			Reason: fmt.Sprintf("template has %d variables, limit is %d", len(matches), i.limits.MaxVariables),
		}
	}
	for _, m := range matches {
		path := m[1]
		if !legalPath.MatchString(path) {
			return &ValidationError{Reason: "illegal variable path", Path: path}
		}
		if depth := strings.Count(path, ".") + 1; depth > i.limits.MaxPathDepth {
			return &ValidationError{
				Reason: fmt.Sprintf("path depth %d exceeds limit %d", depth, i.limits.MaxPathDepth),
				Path:   path,
			}
		}
	}
	return nil
}

// substitute performs one substitution pass.
func (i *Interpolator) substitute(template string, vars map[string]any, result *Result) (string, bool, error) {
	substituted := false
	var limitErr error

	out := varPattern.ReplaceAllStringFunc(template, func(match string) string {
		if limitErr != nil {
			return match
		}
		path := strings.TrimSpace(match[2 : len(match)-2])

		value, ok := i.resolve(path, vars)
		if !ok {
			result.Unresolved = append(result.Unresolved, path)
			substituted = true
			return ""
		}
		if len(value) > i.limits.MaxValueSize {
			limitErr = &ValidationError{
				Reason: fmt.Sprintf("variable value exceeds %d bytes", i.limits.MaxValueSize),
				Path:   path,
			}
			return match
		}
		substituted = true
		return value
	})

	if limitErr != nil {
		return "", false, limitErr
	}
	if len(out) > i.limits.MaxResultSize {
		return "", false, &ValidationError{
			Reason: fmt.Sprintf("interpolated result exceeds %d bytes", i.limits.MaxResultSize),
		}
	}
	return out, substituted, nil
}

// resolve looks up a variable: aliases first, then dotted-path
// traversal of nested maps.
func (i *Interpolator) resolve(path string, vars map[string]any) (string, bool) {
	switch path {
	case "timestamp", "current_timestamp":
		return i.now().UTC().Format(time.RFC3339), true
	case "current_date":
		return i.now().UTC().Format("2006-01-02"), true
	case "model_name":
		if i.modelName != "" {
			return i.modelName, true
		}
	}

	value := any(vars)
	for _, segment := range strings.Split(path, ".") {
		m, ok := value.(map[string]any)
		if !ok {
			return "", false
		}
		value, ok = m[segment]
		if !ok {
			return "", false
		}
	}

	switch v := value.(type) {
	case string:
		return v, true
	case nil:
		return "", false
	case map[string]any:
		return "", false
	default:
		return fmt.Sprintf("%v", v), true
	}
}
