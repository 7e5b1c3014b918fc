// Package handle compares opaque handler tokens supplied by clients.
//
// A token never leaves the client context it was created in, so tokens are
// only compared against other tokens of the same context. Registries use an
// Equality instead of == because the same callback can reach the daemon
// through different runtime references.
package handle

import (
	"fmt"
	"reflect"
	"unsafe"
)

// Token is an opaque, context-scoped reference to a client callback.
type Token any

// Equality decides whether two tokens refer to the same underlying callback.
type Equality interface {
	Equal(a, b Token) bool
}

// Equaler can be implemented by tokens that know how to compare themselves.
type Equaler interface {
	EqualToken(other Token) bool
}

// EqualityFunc is a function adapter for Equality.
type EqualityFunc func(a, b Token) bool

// Equal implements Equality.
func (f EqualityFunc) Equal(a, b Token) bool {
	return f(a, b)
}

// StrictEquality is the default Equality.
//
//   - tokens implementing Equaler decide for themselves
//   - funcs are equal when they are the same func value: a top-level func
//     or a closure object. Two closures of one literal over different
//     variables differ, and so do two evaluations of a method value.
//   - comparable values are compared with ==
//   - anything else is never equal
type StrictEquality struct{}

var _ Equality = StrictEquality{}

// Equal implements Equality.
func (StrictEquality) Equal(a, b Token) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	if e, ok := a.(Equaler); ok {
		return e.EqualToken(b)
	}
	if e, ok := b.(Equaler); ok {
		return e.EqualToken(a)
	}

	va := reflect.ValueOf(a)
	vb := reflect.ValueOf(b)
	if va.Type() != vb.Type() {
		return false
	}

	if va.Kind() == reflect.Func {
		if va.IsNil() || vb.IsNil() {
			return va.IsNil() && vb.IsNil()
		}
		return funcData(a) == funcData(b)
	}

	// checks interface fields too, which == would panic on
	if !va.Comparable() || !vb.Comparable() {
		return false
	}

	return a == b
}

// Key returns a printable, stable identifier for a token. Funcs are keyed by
// their func value, so Key agrees with StrictEquality for funcs.
func Key(t Token) string {
	if t == nil {
		return "<nil>"
	}
	if s, ok := t.(string); ok {
		return s
	}
	v := reflect.ValueOf(t)
	if v.Kind() == reflect.Func {
		return fmt.Sprintf("func-%x", funcData(t))
	}
	return fmt.Sprintf("%v", t)
}

// funcData returns the func value held by t, which points at the closure
// object. reflect only exposes the code pointer, shared by every closure of
// one literal.
func funcData(t Token) uintptr {
	return uintptr((*[2]unsafe.Pointer)(unsafe.Pointer(&t))[1])
}
