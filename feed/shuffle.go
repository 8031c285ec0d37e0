package feed

import "math/rand/v2"

// ShuffleBuffer is a fixed-capacity reservoir that releases items in an
// approximately random order.
//
// Until the buffer is full every insert is absorbed. After that each insert
// evicts a uniformly chosen occupant and takes its slot, so one item
// leaves for every item that arrives. The buffer never grows.
type ShuffleBuffer[T any] struct {
	items []T
	cap   int
	rng   *rand.Rand
}

// NewShuffleBuffer creates a buffer holding 1<<bits items.
func NewShuffleBuffer[T any](bits int, rng *rand.Rand) *ShuffleBuffer[T] {
	if rng == nil {
		rng = NewRand(0)
	}
	c := 1 << bits
	return &ShuffleBuffer[T]{
		items: make([]T, 0, c),
		cap:   c,
		rng:   rng,
	}
}

// Insert adds item. Once the buffer is full it returns a randomly evicted
// occupant and true; before that it returns the zero value and false.
func (b *ShuffleBuffer[T]) Insert(item T) (T, bool) {
	if len(b.items) < b.cap {
		b.items = append(b.items, item)
		var zero T
		return zero, false
	}
	i := b.rng.IntN(b.cap)
	out := b.items[i]
	b.items[i] = item
	return out, true
}

// Drain removes and returns every item in random order, leaving the
// buffer empty.
func (b *ShuffleBuffer[T]) Drain() []T {
	out := make([]T, 0, len(b.items))
	var zero T
	for n := len(b.items); n > 0; n-- {
		i := b.rng.IntN(n)
		out = append(out, b.items[i])
		b.items[i] = b.items[n-1]
		b.items[n-1] = zero
		b.items = b.items[:n-1]
	}
	return out
}

// Len returns the number of buffered items.
func (b *ShuffleBuffer[T]) Len() int {
	return len(b.items)
}

// Cap returns the fixed capacity.
func (b *ShuffleBuffer[T]) Cap() int {
	return b.cap
}
