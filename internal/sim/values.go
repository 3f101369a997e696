// Package sim holds the simulation-side collaborators the protocol layer talks
// to: a named value namespace, observable named events, controllable agent
// groups and a small 2D arena engine that steps them.
package sim

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
)

var (
	// ErrValueExists indicates a value with the same name is already registered.
	ErrValueExists = errors.New("value already exists")
	// ErrInvalidValue indicates a string could not be parsed for the value's kind.
	ErrInvalidValue = errors.New("invalid value")
	// ErrInvalidPattern indicates a lookup pattern failed to compile.
	ErrInvalidPattern = errors.New("invalid pattern")
)

// Kind is the scalar type stored by a Value.
type Kind int

const (
	KindDouble Kind = iota
	KindInt
	KindBool
	KindString
)

// Value is a named, concurrency-safe scalar. Interface values are doubles with
// a [min, max] range that can also be read and written in normalized [-1, 1]
// form.
type Value struct {
	mu sync.RWMutex

	name    string
	kind    Kind
	num     float64
	str     string
	bounded bool
	min     float64
	max     float64
}

// NewDouble creates a double value.
func NewDouble(name string, v float64) *Value {
	return &Value{name: name, kind: KindDouble, num: v}
}

// NewInt creates an integer value.
func NewInt(name string, v int64) *Value {
	return &Value{name: name, kind: KindInt, num: float64(v)}
}

// NewBool creates a boolean value.
func NewBool(name string, v bool) *Value {
	val := &Value{name: name, kind: KindBool}
	if v {
		val.num = 1
	}
	return val
}

// NewString creates a string value.
func NewString(name, v string) *Value {
	return &Value{name: name, kind: KindString, str: v}
}

// NewInterfaceValue creates a bounded double used as an agent input, output or
// info channel. The initial value is clamped to [min, max].
func NewInterfaceValue(name string, lo, hi, v float64) *Value {
	if hi < lo {
		lo, hi = hi, lo
	}
	val := &Value{name: name, kind: KindDouble, bounded: true, min: lo, max: hi}
	val.num = val.clamp(v)
	return val
}

// Name returns the fully qualified value name.
func (v *Value) Name() string { return v.name }

// Kind returns the scalar type.
func (v *Value) Kind() Kind { return v.kind }

// TypeName returns the type name sent to remote clients.
func (v *Value) TypeName() string {
	switch {
	case v.bounded:
		return "InterfaceValue"
	case v.kind == KindInt:
		return "Int"
	case v.kind == KindBool:
		return "Bool"
	case v.kind == KindString:
		return "String"
	default:
		return "Double"
	}
}

// Min returns the lower bound; zero for unbounded values.
func (v *Value) Min() float64 { return v.min }

// Max returns the upper bound; zero for unbounded values.
func (v *Value) Max() float64 { return v.max }

// String formats the value for the wire.
func (v *Value) String() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	switch v.kind {
	case KindInt:
		return strconv.FormatInt(int64(v.num), 10)
	case KindBool:
		return strconv.FormatBool(v.num != 0)
	case KindString:
		return v.str
	default:
		return strconv.FormatFloat(v.num, 'g', -1, 64)
	}
}

// Set parses s according to the value's kind.
func (v *Value) Set(s string) error {
	s = strings.TrimSpace(s)
	switch v.kind {
	case KindString:
		v.mu.Lock()
		v.str = s
		v.mu.Unlock()
		return nil
	case KindBool:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return fmt.Errorf("%w: %q for %s: %v", ErrInvalidValue, s, v.name, err)
		}
		v.SetFloat(boolToFloat(b))
		return nil
	case KindInt:
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: %q for %s: %v", ErrInvalidValue, s, v.name, err)
		}
		v.SetFloat(float64(n))
		return nil
	default:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || math.IsNaN(f) {
			return fmt.Errorf("%w: %q for %s", ErrInvalidValue, s, v.name)
		}
		v.SetFloat(f)
		return nil
	}
}

// Float returns the numeric content. Strings read as 0.
func (v *Value) Float() float64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.num
}

// SetFloat stores a numeric value, clamping bounded values to their range.
func (v *Value) SetFloat(f float64) {
	if v.kind == KindString {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	switch v.kind {
	case KindInt:
		f = math.Trunc(f)
	case KindBool:
		f = boolToFloat(f != 0)
	}
	v.num = v.clamp(f)
}

// Normalized maps a bounded value into [-1, 1]. Unbounded values are returned
// unchanged.
func (v *Value) Normalized() float64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if !v.bounded || v.max == v.min {
		return v.num
	}
	return 2*(v.num-v.min)/(v.max-v.min) - 1
}

// SetNormalized stores n, interpreted in [-1, 1], mapped onto [min, max].
// Out of range inputs are clamped.
func (v *Value) SetNormalized(n float64) {
	if !v.bounded {
		v.SetFloat(n)
		return
	}
	if math.IsNaN(n) {
		n = 0
	}
	n = math.Max(-1, math.Min(1, n))
	v.SetFloat(v.min + (n+1)/2*(v.max-v.min))
}

func (v *Value) clamp(f float64) float64 {
	if !v.bounded {
		return f
	}
	return math.Max(v.min, math.Min(v.max, f))
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Values is the process-wide named value namespace.
type Values struct {
	mu     sync.RWMutex
	byName map[string]*Value
}

// NewValues constructs an empty namespace.
func NewValues() *Values {
	return &Values{byName: make(map[string]*Value)}
}

// Add registers v under its name.
func (vs *Values) Add(v *Value) error {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if _, exists := vs.byName[v.Name()]; exists {
		return fmt.Errorf("%w: %q", ErrValueExists, v.Name())
	}
	vs.byName[v.Name()] = v
	return nil
}

// Get returns the value with the given name, or nil.
func (vs *Values) Get(name string) *Value {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	return vs.byName[name]
}

// Find returns all values whose full name matches pattern, sorted by name.
// Patterns are regular expressions matched against the entire name.
func (vs *Values) Find(pattern string) ([]*Value, error) {
	re, err := compileFullMatch(pattern)
	if err != nil {
		return nil, err
	}
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	res := make([]*Value, 0)
	for name, v := range vs.byName {
		if re.MatchString(name) {
			res = append(res, v)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Name() < res[j].Name() })
	return res, nil
}

// Len returns the number of registered values.
func (vs *Values) Len() int {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	return len(vs.byName)
}

func compileFullMatch(pattern string) (*regexp.Regexp, error) {
	re, err := regexp.Compile("^(?:" + pattern + ")$")
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidPattern, pattern, err)
	}
	return re, nil
}
