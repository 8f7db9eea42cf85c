package binio

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadWrite(t *testing.T) {
	for _, order := range []binary.ByteOrder{binary.LittleEndian, binary.BigEndian} {
		t.Run(order.String(), func(t *testing.T) {
			w := NewWriter(order, 64)
			w.U8(7)
			w.Align(4)
			w.U16(0xBEEF)
			w.I32(-5)
			w.U64(1 << 40)
			w.F32(1.5)
			w.F64(-2.25)
			w.CString("2019.4.40f1")
			w.Bool(true)

			r := NewReader(w.Bytes(), order)
			assert.Equal(t, uint8(7), r.U8())
			r.Align(4)
			assert.Equal(t, 4, r.Pos())
			assert.Equal(t, uint16(0xBEEF), r.U16())
			assert.Equal(t, int32(-5), r.I32())
			assert.Equal(t, uint64(1<<40), r.U64())
			assert.Equal(t, float32(1.5), r.F32())
			assert.Equal(t, -2.25, r.F64())
			assert.Equal(t, "2019.4.40f1", r.CString(255))
			assert.True(t, r.Bool())
			require.NoError(t, r.Err())
			assert.Zero(t, r.Remaining())
		})
	}
}

func TestReaderTruncation(t *testing.T) {
	t.Run("ShortRead", func(t *testing.T) {
		r := NewReader([]byte{1, 2, 3}, binary.LittleEndian)
		_ = r.U32()
		require.ErrorIs(t, r.Err(), ErrTruncated)
	})

	t.Run("StickyError", func(t *testing.T) {
		r := NewReader([]byte{1}, binary.LittleEndian)
		_ = r.U16()
		assert.Zero(t, r.U8(), "reads after an error return zero values")
		require.ErrorIs(t, r.Err(), ErrTruncated)
	})

	t.Run("UnterminatedString", func(t *testing.T) {
		r := NewReader([]byte("abcdef"), binary.LittleEndian)
		assert.Empty(t, r.CString(255))
		require.ErrorIs(t, r.Err(), ErrTruncated)
	})

	t.Run("StringLongerThanMax", func(t *testing.T) {
		r := NewReader([]byte("abcdef\x00"), binary.LittleEndian)
		_ = r.CString(3)
		require.ErrorIs(t, r.Err(), ErrTruncated)
	})
}
