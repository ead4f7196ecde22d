package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCompress_SmallSizesAreExact(t *testing.T) {
	for _, size := range []uint64{0, 1, 1023, 1 << 20, uint64(compressedMaxBytes)} {
		c := Compress(size)
		assert.Equal(t, size, c.Bytes())
	}
}

func TestCompress_SwitchesToMegabytesAboveThreshold(t *testing.T) {
	size := uint64(compressedMaxBytes) + 1
	c := Compress(size)
	assert.True(t, uint32(c)&compressedFlagBit != 0)
	assert.InDelta(t, float64(size), float64(c.Bytes()), float64(bytesPerMegabyte/2))
}

func TestCompress_ErrorBoundedByHalfAMebibyte(t *testing.T) {
	size := uint64(compressedMaxBytes) + 1 + 3*bytesPerMegabyte + 777
	c := Compress(size)
	diff := int64(c.Bytes()) - int64(size)
	if diff < 0 {
		diff = -diff
	}
	assert.LessOrEqual(t, diff, int64(bytesPerMegabyte/2))
}

func TestCompress_RoundTripExactMegabyte(t *testing.T) {
	size := uint64(compressedMaxBytes) + 1 + 10*bytesPerMegabyte
	c := Compress(size)
	assert.Equal(t, size, c.Bytes())
}
