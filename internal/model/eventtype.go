package model

import "strings"

// EventType is the dot... actually slash-separated hierarchical tag carried by
// IS-07 sources and grains: "boolean", "number", "number/temperature",
// "number/temperature/C". A trailing "*" component is a wildcard used only on the
// subscriber side of IsMatchingEventType.
type EventType string

const Wildcard = "*"

// components splits an EventType on "/".
func (t EventType) components() []string {
	if t == "" {
		return nil
	}
	return strings.Split(string(t), "/")
}

// IsMatchingEventType reports whether a grain/source of concrete type actual
// satisfies a subscriber's requested type pattern. Mirrors the reference
// event_type_test.cpp cases exactly:
//
//	boolean matches boolean only
//	number/temperature/* matches number/temperature/C and .../F, nothing shorter
//	number/temperature matches number/temperature only (no implicit prefix match)
//	number does not match number/temperature
//
// Only a trailing "*" component is special; a "*" anywhere else is a literal
// string component that matches nothing but itself (spec's wildcard-position
// question is left undefined outside the trailing-component case).
func IsMatchingEventType(pattern, actual EventType) bool {
	p := pattern.components()
	a := actual.components()
	if len(p) == 0 || len(a) == 0 {
		return pattern == actual
	}
	if p[len(p)-1] == Wildcard {
		prefix := p[:len(p)-1]
		if len(a) != len(prefix)+1 {
			return false
		}
		for i, c := range prefix {
			if a[i] != c {
				return false
			}
		}
		return true
	}
	if len(p) != len(a) {
		return false
	}
	for i, c := range p {
		if a[i] != c {
			return false
		}
	}
	return true
}
