// Package nullmap provides a concurrent map that distinguishes a stored nil value from a missing key.
package nullmap

// Optional holds either a value (possibly nil) or nothing.
type Optional[V any] struct {
	value   V
	present bool
}

// Some wraps v as a present value. A nil v is still present.
func Some[V any](v V) Optional[V] {
	return Optional[V]{value: v, present: true}
}

// None returns an absent Optional.
func None[V any]() Optional[V] {
	return Optional[V]{}
}

// Get returns the wrapped value and whether it is present.
func (o Optional[V]) Get() (V, bool) {
	return o.value, o.present
}

// IsPresent reports whether a value is held.
func (o Optional[V]) IsPresent() bool {
	return o.present
}

// OrElse returns the held value, or fallback when absent.
func (o Optional[V]) OrElse(fallback V) V {
	if o.present {
		return o.value
	}
	return fallback
}
