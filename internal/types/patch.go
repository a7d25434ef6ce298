package types

// Patch is a single optional field in a partial update. The zero value leaves
// the stored column untouched; Set writes a value and Clear writes NULL.
type Patch[T any] struct {
	set   bool
	value *T
}

// Set returns a patch that writes v.
func Set[T any](v T) Patch[T] {
	return Patch[T]{set: true, value: &v}
}

// SetPtr returns a patch that writes *v, or NULL when v is nil.
func SetPtr[T any](v *T) Patch[T] {
	if v == nil {
		return Clear[T]()
	}
	return Set(*v)
}

// Clear returns a patch that writes NULL.
func Clear[T any]() Patch[T] {
	return Patch[T]{set: true}
}

// IsSet reports whether the patch touches the field at all.
func (p Patch[T]) IsSet() bool { return p.set }

// Ptr returns the value to write, nil meaning NULL. Only meaningful when IsSet.
func (p Patch[T]) Ptr() *T { return p.value }

// Value returns the written value and false when the patch clears the field
// or is not set.
func (p Patch[T]) Value() (T, bool) {
	if !p.set || p.value == nil {
		var zero T
		return zero, false
	}
	return *p.value, true
}

// Or returns other when it is set, otherwise p.
func (p Patch[T]) Or(other Patch[T]) Patch[T] {
	if other.set {
		return other
	}
	return p
}

func applyPtr[T any](p Patch[T], dst **T) {
	if !p.set {
		return
	}
	if p.value == nil {
		*dst = nil
		return
	}
	v := *p.value
	*dst = &v
}

func applyVal[T any](p Patch[T], dst *T) {
	if !p.set {
		return
	}
	if p.value == nil {
		var zero T
		*dst = zero
		return
	}
	*dst = *p.value
}
