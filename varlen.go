package blinkdb

// The varlen layer encodes record lengths for callers that serialize
// rows above the engine. A length that fits in 6 bits is stored in a
// single byte. Longer lengths set the extension bit, which marks three
// additional length bytes, giving a 30-bit big-endian length. The null
// bit records SQL null without any payload bytes.

const (
	varlenExtension = 0x80 // three more length bytes follow
	varlenNull      = 0x40 // value is null, no payload
	varlenShortMax  = 0x3f // largest single-byte length

	// VarlenMax is the largest encodable payload length.
	VarlenMax = 1<<30 - 1
)

// PutVarlen appends the length header for a payload of n bytes to dst
// and returns the extended slice. A negative n encodes null.
func PutVarlen(dst []byte, n int) []byte {
	if n < 0 {
		return append(dst, varlenNull)
	}
	if n <= varlenShortMax {
		return append(dst, byte(n))
	}
	return append(dst,
		varlenExtension|byte(n>>24),
		byte(n>>16),
		byte(n>>8),
		byte(n),
	)
}

// GetVarlen decodes a length header from src. It returns the payload
// length (-1 for null) and the number of header bytes consumed; a zero
// consumed count reports a truncated header.
func GetVarlen(src []byte) (n int, consumed int) {
	if len(src) == 0 {
		return 0, 0
	}
	b := src[0]
	if b&varlenNull != 0 {
		return -1, 1
	}
	if b&varlenExtension == 0 {
		return int(b), 1
	}
	if len(src) < 4 {
		return 0, 0
	}
	n = int(b&varlenShortMax)<<24 | int(src[1])<<16 | int(src[2])<<8 | int(src[3])
	return n, 4
}
