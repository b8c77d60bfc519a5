package dso

import "encoding/binary"

// lengthPrefixSize is the width of the big-endian length prefix every
// DSO message carries on the wire, per §4.5.
const lengthPrefixSize = 2

// maxMessageSize is the largest value lengthPrefixSize can represent.
const maxMessageSize = 1<<16 - 1

// frame prepends msg with its big-endian uint16 length.
func frame(msg []byte) []byte {
	out := make([]byte, lengthPrefixSize+len(msg))
	binary.BigEndian.PutUint16(out, uint16(len(msg)))
	copy(out[lengthPrefixSize:], msg)
	return out
}
