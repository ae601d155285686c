package core

// Outcome is the return shape of best-effort operations. A degraded outcome
// still carries a usable Value (possibly zero); Err explains what degraded it.
// Best-effort operations never return a bare error.
type Outcome[T any] struct {
	Value    T
	Degraded bool
	Err      error
}

// Ok wraps a fully successful value.
func Ok[T any](v T) Outcome[T] {
	return Outcome[T]{Value: v}
}

// Degrade wraps a partial value together with the reason it is partial.
func Degrade[T any](v T, err error) Outcome[T] {
	return Outcome[T]{Value: v, Degraded: true, Err: err}
}

// OK reports whether the outcome is not degraded.
func (o Outcome[T]) OK() bool {
	return !o.Degraded
}
