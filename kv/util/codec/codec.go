package codec

import (
	"encoding/binary"

	"github.com/pingcap/errors"
)

const (
	encGroupSize = 8
	encMarker    = byte(0xFF)
	encPad       = byte(0x0)
)

var pads = make([]byte, encGroupSize)

// EncodeKey appends an inverted timestamp to the memcomparable encoding of key.
// The resulting keys sort first by user key (ascending), then by timestamp
// (descending), so the newest version of a key is encountered first.
// The encoding is based on
// https://github.com/facebook/mysql-5.6/wiki/MyRocks-record-format#memcomparable-format.
func EncodeKey(key []byte, ts uint64) []byte {
	return AppendTs(EncodeBytes(key), ts)
}

// EncodeBytes guarantees the encoded value is in ascending order for comparison.
// The data is split into groups of 8 bytes, each group padded with zeros and
// followed by a marker byte of `0xFF - padding count`:
//  [] -> [0, 0, 0, 0, 0, 0, 0, 0, 247]
//  [1, 2, 3] -> [1, 2, 3, 0, 0, 0, 0, 0, 250]
//  [1, 2, 3, 4, 5, 6, 7, 8] -> [1, 2, 3, 4, 5, 6, 7, 8, 255, 0, 0, 0, 0, 0, 0, 0, 0, 247]
func EncodeBytes(data []byte) []byte {
	// Reserve 8 extra bytes so AppendTs does not reallocate.
	dLen := len(data)
	result := make([]byte, 0, (dLen/encGroupSize+1)*(encGroupSize+1)+8)
	for idx := 0; idx <= dLen; idx += encGroupSize {
		remain := dLen - idx
		padCount := 0
		if remain >= encGroupSize {
			result = append(result, data[idx:idx+encGroupSize]...)
		} else {
			padCount = encGroupSize - remain
			result = append(result, data[idx:]...)
			result = append(result, pads[:padCount]...)
		}
		result = append(result, encMarker-byte(padCount))
	}
	return result
}

// AppendTs appends the bitwise-inverted timestamp to an encoded key so that
// larger timestamps sort earlier.
func AppendTs(encodedKey []byte, ts uint64) []byte {
	newKey := append(encodedKey, make([]byte, 8)...)
	binary.BigEndian.PutUint64(newKey[len(newKey)-8:], ^ts)
	return newKey
}

// DecodeUserKey takes an encoded key + timestamp and returns the user key part.
func DecodeUserKey(key []byte) []byte {
	_, userKey, err := DecodeBytes(key)
	if err != nil {
		panic(err)
	}
	return userKey
}

// DecodeTs takes an encoded key + timestamp and returns the timestamp part.
func DecodeTs(key []byte) uint64 {
	left, _, err := DecodeBytes(key)
	if err != nil {
		panic(err)
	}
	return ^binary.BigEndian.Uint64(left)
}

// DecodeBytes decodes a value encoded by EncodeBytes, returning the leftover
// bytes and the decoded value.
func DecodeBytes(b []byte) ([]byte, []byte, error) {
	data := make([]byte, 0, len(b))
	for {
		if len(b) < encGroupSize+1 {
			return nil, nil, errors.New("insufficient bytes to decode value")
		}

		group := b[:encGroupSize]
		marker := b[encGroupSize]

		padCount := encMarker - marker
		if padCount > encGroupSize {
			return nil, nil, errors.Errorf("invalid marker byte, group bytes %q", b[:encGroupSize+1])
		}

		realGroupSize := encGroupSize - padCount
		data = append(data, group[:realGroupSize]...)
		b = b[encGroupSize+1:]

		if padCount != 0 {
			// Check validity of the padding bytes.
			for _, v := range group[realGroupSize:] {
				if v != encPad {
					return nil, nil, errors.Errorf("invalid padding byte, group bytes %q", group)
				}
			}
			break
		}
	}
	return b, data, nil
}

// EncodeUvarint appends an unsigned varint to b.
func EncodeUvarint(b []byte, v uint64) []byte {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], v)
	return append(b, buf[:n]...)
}

// DecodeUvarint decodes an unsigned varint from b, returning the leftover
// bytes and the decoded value.
func DecodeUvarint(b []byte) ([]byte, uint64, error) {
	v, n := binary.Uvarint(b)
	if n <= 0 {
		return nil, 0, errors.New("insufficient bytes to decode uvarint")
	}
	return b[n:], v, nil
}

// EncodeCompactBytes appends a length-prefixed byte slice to b.
func EncodeCompactBytes(b, data []byte) []byte {
	b = EncodeUvarint(b, uint64(len(data)))
	return append(b, data...)
}

// DecodeCompactBytes decodes a length-prefixed byte slice, returning the
// leftover bytes and the decoded slice.
func DecodeCompactBytes(b []byte) ([]byte, []byte, error) {
	b, l, err := DecodeUvarint(b)
	if err != nil {
		return nil, nil, err
	}
	if uint64(len(b)) < l {
		return nil, nil, errors.Errorf("insufficient bytes to decode value, expected %d, got %d", l, len(b))
	}
	return b[l:], b[:l], nil
}
