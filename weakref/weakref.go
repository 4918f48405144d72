// Package weakref converts between strong and weak object references.
//
// The two representations share the same bits. Conversions perform no checks
// and never touch reference counts.
package weakref

import "github.com/hupe1980/seqheap/object"

// ToWeak returns the weak form of r.
func ToWeak(r object.Ref) object.WeakRef {
	return object.WeakRef(r)
}

// ToStrong returns the strong form of w.
func ToStrong(w object.WeakRef) object.Ref {
	return object.Ref(w)
}
