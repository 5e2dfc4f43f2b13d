// Package metric builds flat metric maps keyed by composite names.
package metric

import (
	"fmt"
	"strings"
)

const (
	// KeySeparator joins the parts of a metric key.
	KeySeparator = "_"
	// ValueSeparator joins repeated values recorded under one key.
	ValueSeparator = ","
)

// ConstructKey joins non-empty parts with KeySeparator, e.g.
// ConstructKey("cuj", "SHADE_EXPAND_COLLAPSE", "total_frames").
func ConstructKey(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}

	return strings.Join(kept, KeySeparator)
}

// Value accumulates every value recorded under one key.
type Value struct {
	parts []string
}

// Add appends v in its default text form.
func (v *Value) Add(val any) {
	v.parts = append(v.parts, fmt.Sprint(val))
}

// Len returns the number of values recorded.
func (v *Value) Len() int {
	return len(v.parts)
}

func (v *Value) String() string {
	return strings.Join(v.parts, ValueSeparator)
}

// Record maps metric keys to accumulated values.
type Record map[string]*Value

// Add records val under key, appending when the key already has values.
func (r Record) Add(key string, val any) {
	v, ok := r[key]
	if !ok {
		v = &Value{}
		r[key] = v
	}
	v.Add(val)
}

// Strings flattens the record into plain strings.
func (r Record) Strings() map[string]string {
	out := make(map[string]string, len(r))
	for k, v := range r {
		out[k] = v.String()
	}

	return out
}
