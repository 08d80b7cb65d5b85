package csp

import "strings"

// Value is a directive value: Bool, String, or List.
type Value interface {
	Kind() Kind
	isValue()
}

// Bool is the value of a flag directive such as upgrade-insecure-requests.
type Bool bool

// String is the value of a single-token directive such as webrtc.
type String string

// List is an ordered list of tokens, e.g. the sources of script-src.
type List []string

func (Bool) Kind() Kind   { return KindBoolean }
func (String) Kind() Kind { return KindString }
func (List) Kind() Kind   { return KindList }

func (Bool) isValue()   {}
func (String) isValue() {}
func (List) isValue()   {}

// Sources is shorthand for building a List.
func Sources(tokens ...string) List {
	return append(List{}, tokens...)
}

// Clone returns a copy that does not share the backing array.
func (l List) Clone() List {
	return append(List{}, l...)
}

// Contains reports whether token is in the list.
func (l List) Contains(token string) bool {
	for _, t := range l {
		if t == token {
			return true
		}
	}
	return false
}

// zeroValue returns the value an absent directive of kind k reads as.
func zeroValue(k Kind) Value {
	switch k {
	case KindBoolean:
		return Bool(false)
	case KindString:
		return String("")
	default:
		return List{}
	}
}

// cloneValue deep-copies lists; the other kinds are immutable.
func cloneValue(v Value) Value {
	if l, ok := v.(List); ok {
		return l.Clone()
	}
	return v
}

// splitTokens splits s on any run of whitespace.
func splitTokens(s string) List {
	return append(List{}, strings.Fields(s)...)
}

// normalizeList trims each token and drops empty ones.
func normalizeList(l List) List {
	out := make(List, 0, len(l))
	for _, t := range l {
		out = append(out, strings.Fields(t)...)
	}
	return out
}
