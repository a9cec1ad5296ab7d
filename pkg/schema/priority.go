package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Priority class tokens. On POSIX they map onto niceness values, on Windows
// onto process priority classes.
const (
	PriorityIdle        = "idle"
	PriorityBelowNormal = "below_normal"
	PriorityNormal      = "normal"
	PriorityAboveNormal = "above_normal"
	PriorityHigh        = "high"
	PriorityRealtime    = "realtime"
)

var classNice = map[string]int{
	PriorityIdle:        19,
	PriorityBelowNormal: 10,
	PriorityNormal:      0,
	PriorityAboveNormal: -5,
	PriorityHigh:        -10,
	PriorityRealtime:    -20,
}

// Priority is a scheduling hint: either a POSIX niceness or a priority class token.
// Serialized as a JSON number or string respectively.
type Priority struct {
	Nice  int
	Class string
}

// NicePriority returns a niceness priority.
func NicePriority(n int) Priority {
	return Priority{Nice: n}
}

// ClassPriority returns a class-token priority. Tokens are normalized, so
// "HIGH_PRIORITY_CLASS" and "high" are the same class.
func ClassPriority(class string) Priority {
	return Priority{Class: NormalizeClass(class)}
}

// IsClass reports whether p carries a class token rather than a niceness.
func (p Priority) IsClass() bool {
	return p.Class != ""
}

// AsNice resolves p to a niceness value. Unknown class tokens are an error.
func (p Priority) AsNice() (int, error) {
	if !p.IsClass() {
		return p.Nice, nil
	}
	n, ok := classNice[p.Class]
	if !ok {
		return 0, NewErrorf(ErrCodeValidation, "unknown priority class %q", p.Class)
	}
	return n, nil
}

// AsClass resolves p to a class token. Niceness values are bucketed onto the
// nearest class.
func (p Priority) AsClass() string {
	if p.IsClass() {
		return p.Class
	}
	switch n := p.Nice; {
	case n <= -20:
		return PriorityRealtime
	case n <= -10:
		return PriorityHigh
	case n < 0:
		return PriorityAboveNormal
	case n == 0:
		return PriorityNormal
	case n < 19:
		return PriorityBelowNormal
	default:
		return PriorityIdle
	}
}

func (p Priority) String() string {
	if p.IsClass() {
		return p.Class
	}
	return strconv.Itoa(p.Nice)
}

func (p Priority) MarshalJSON() ([]byte, error) {
	if p.IsClass() {
		return json.Marshal(p.Class)
	}
	return json.Marshal(p.Nice)
}

func (p *Priority) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		return p.parseToken(s)
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("priority must be an integer or a class name: %w", err)
	}
	*p = NicePriority(n)
	return nil
}

// MarshalYAML mirrors MarshalJSON.
func (p Priority) MarshalYAML() (any, error) {
	if p.IsClass() {
		return p.Class, nil
	}
	return p.Nice, nil
}

// UnmarshalYAML accepts the same int|string forms as JSON.
func (p *Priority) UnmarshalYAML(unmarshal func(any) error) error {
	var raw any
	if err := unmarshal(&raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case int:
		*p = NicePriority(v)
		return nil
	case string:
		return p.parseToken(v)
	default:
		return fmt.Errorf("priority must be an integer or a class name, got %T", raw)
	}
}

func (p *Priority) parseToken(s string) error {
	if n, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
		*p = NicePriority(n)
		return nil
	}
	class := NormalizeClass(s)
	if _, ok := classNice[class]; !ok {
		return NewErrorf(ErrCodeValidation, "unknown priority class %q", s)
	}
	*p = Priority{Class: class}
	return nil
}

// NormalizeClass lowercases a class token and strips the Windows
// "_PRIORITY_CLASS" suffix.
func NormalizeClass(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimSuffix(s, "_priority_class")
	return strings.ReplaceAll(s, " ", "_")
}
