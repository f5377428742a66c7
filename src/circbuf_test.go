package vah

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func Test_circbuf_refuses_overflow(t *testing.T) {
	var cb = new_circbuf(8)

	assert.True(t, cb.insert([]byte("abcde")))
	assert.False(t, cb.insert([]byte("fghi")), "insert beyond capacity must be refused outright")
	assert.Equal(t, 5, cb.size(), "a refused insert must not store anything")
	assert.True(t, cb.insert([]byte("fgh")))
	assert.Equal(t, 0, cb.reserve())
}

func Test_circbuf_fifo(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		var capacity = rapid.IntRange(1, 64).Draw(t, "capacity")
		var cb = new_circbuf(capacity)
		var reference []byte

		var steps = rapid.IntRange(1, 200).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			if rapid.Bool().Draw(t, "write") {
				var chunk = rapid.SliceOfN(rapid.Byte(), 0, capacity).Draw(t, "chunk")
				if cb.insert(chunk) {
					reference = append(reference, chunk...)
				} else {
					assert.Greater(t, len(chunk), cb.reserve())
				}
			} else {
				var n = rapid.IntRange(0, capacity).Draw(t, "drain")
				var slice = cb.first_slice()
				if n > len(slice) {
					n = len(slice)
				}
				assert.Equal(t, reference[:n], append([]byte(nil), slice[:n]...), "head run must be oldest bytes")
				cb.erase_begin(n)
				reference = reference[n:]
			}
			assert.Equal(t, len(reference), cb.size())
		}

		// full drain must reproduce the reference exactly
		var drained []byte
		for cb.size() > 0 {
			var slice = cb.first_slice()
			drained = append(drained, slice...)
			cb.erase_begin(len(slice))
		}
		assert.Equal(t, reference, drained)
	})
}

func Test_circbuf_first_slice_contiguity(t *testing.T) {
	var cb = new_circbuf(8)

	cb.insert([]byte("abcdef"))
	cb.erase_begin(4)
	cb.insert([]byte("ghij")) // wraps

	// head run stops at the physical end of storage
	assert.Equal(t, []byte("efgh"), append([]byte(nil), cb.first_slice()...))
	cb.erase_begin(4)
	assert.Equal(t, []byte("ij"), append([]byte(nil), cb.first_slice()...))
}
