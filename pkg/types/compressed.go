package types

const (
	compressedFlagBit  = uint32(1) << 31
	compressedMaxBytes = uint64(compressedFlagBit) - 1
	bytesPerMegabyte   = uint64(1024 * 1024)
)

// CompressedSize is an 8-byte-friendly encoding of an allocation size: byte
// counts below 2^31 are stored exactly; at or above that threshold, the
// value switches to whole-megabyte counts (with the high bit set as a tag),
// trading up to half a mebibyte of rounding error for a 32-bit field.
type CompressedSize uint32

// Compress encodes size, rounding to the nearest megabyte once size exceeds
// the byte-count range.
func Compress(size uint64) CompressedSize {
	if size <= compressedMaxBytes {
		return CompressedSize(size)
	}
	megabytes := (size + bytesPerMegabyte/2) / bytesPerMegabyte
	if megabytes > uint64(^compressedFlagBit) {
		megabytes = uint64(^compressedFlagBit)
	}
	return CompressedSize(compressedFlagBit | uint32(megabytes))
}

// Bytes decodes back to a byte count. For values stored as megabytes this
// is only accurate to within half a mebibyte of the original size.
func (c CompressedSize) Bytes() uint64 {
	if uint32(c)&compressedFlagBit == 0 {
		return uint64(c)
	}
	megabytes := uint64(uint32(c) &^ compressedFlagBit)
	return megabytes * bytesPerMegabyte
}
