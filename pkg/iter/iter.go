package iter

type Iterator[A any] interface {
	// Next advances the iterator and returns true if another value was found.
	Next() bool

	// At returns the value at the current iterator position.
	At() A

	// Err returns the last error of the iterator.
	Err() error

	Close() error
}

type errIterator[A any] struct {
	err error
}

func NewErrIterator[A any](err error) Iterator[A] {
	return &errIterator[A]{
		err: err,
	}
}

func (i *errIterator[A]) Err() error {
	return i.err
}
func (*errIterator[A]) At() (a A) {
	return a
}
func (*errIterator[A]) Next() bool {
	return false
}

func (*errIterator[A]) Close() error {
	return nil
}

type limitIterator[A any] struct {
	Iterator[A]
	left int
}

// NewLimitIterator stops after n values. n <= 0 means no limit.
func NewLimitIterator[A any](it Iterator[A], n int) Iterator[A] {
	if n <= 0 {
		return it
	}
	return &limitIterator[A]{Iterator: it, left: n}
}

func (i *limitIterator[A]) Next() bool {
	if i.left == 0 {
		return false
	}
	if !i.Iterator.Next() {
		return false
	}
	i.left--
	return true
}

// Slice drains it into a slice and closes it.
func Slice[A any](it Iterator[A]) ([]A, error) {
	var out []A
	for it.Next() {
		out = append(out, it.At())
	}
	if err := it.Err(); err != nil {
		_ = it.Close()
		return out, err
	}
	return out, it.Close()
}
