package core

import "sync"

// Segment buffers come from size-classed pools to keep the encode path off
// the allocator. A Buffer reserves header room up front; Prepend walks the
// cursor backward instead of shifting payload bytes.

const (
	bufSmall = 2048
	bufMed   = 4096
	bufLarge = 8192

	// DefaultHeadroom is reserved at the front of every pooled buffer for
	// headers prepended later.
	DefaultHeadroom = 64
)

var (
	poolSmall = sync.Pool{New: func() any { b := make([]byte, bufSmall); return &b }}
	poolMed   = sync.Pool{New: func() any { b := make([]byte, bufMed); return &b }}
	poolLarge = sync.Pool{New: func() any { b := make([]byte, bufLarge); return &b }}
)

// Buffer is a fixed-capacity byte range with a header cursor. The payload
// occupies [head, len(data)); Prepend moves head backward into the reserved
// headroom. Buffers must be returned with Release and not used afterwards.
type Buffer struct {
	data []byte
	head int
}

// GetBuffer returns a buffer with room for n payload bytes plus
// DefaultHeadroom of prependable header space.
func GetBuffer(n int) *Buffer {
	total := n + DefaultHeadroom
	var data []byte
	switch {
	case total <= bufSmall:
		data = (*poolSmall.Get().(*[]byte))[:total]
	case total <= bufMed:
		data = (*poolMed.Get().(*[]byte))[:total]
	case total <= bufLarge:
		data = (*poolLarge.Get().(*[]byte))[:total]
	default:
		data = make([]byte, total)
	}
	return &Buffer{data: data, head: DefaultHeadroom}
}

// Payload returns the current payload range.
func (b *Buffer) Payload() []byte {
	return b.data[b.head:]
}

// Prepend reserves n bytes immediately before the current payload and
// returns that range. It reports false when the headroom is exhausted.
func (b *Buffer) Prepend(n int) ([]byte, bool) {
	if n > b.head {
		return nil, false
	}
	b.head -= n
	return b.data[b.head : b.head+n], true
}

// Trim shortens the payload to n bytes.
func (b *Buffer) Trim(n int) {
	if b.head+n <= len(b.data) {
		b.data = b.data[:b.head+n]
	}
}

// Release returns the buffer to its pool. Only buffers whose capacity
// matches a pool class go back; oversized ones are left to the GC.
func (b *Buffer) Release() {
	data := b.data[:cap(b.data)]
	b.data = nil
	switch cap(data) {
	case bufSmall:
		poolSmall.Put(&data)
	case bufMed:
		poolMed.Put(&data)
	case bufLarge:
		poolLarge.Put(&data)
	}
}
