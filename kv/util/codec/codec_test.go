package codec

import (
	"bytes"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeBytes(t *testing.T) {
	assert.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0, 0, 247}, EncodeBytes(nil))
	assert.Equal(t, []byte{1, 2, 3, 0, 0, 0, 0, 0, 250}, EncodeBytes([]byte{1, 2, 3}))
	assert.Equal(t,
		[]byte{1, 2, 3, 4, 5, 6, 7, 8, 255, 0, 0, 0, 0, 0, 0, 0, 0, 247},
		EncodeBytes([]byte{1, 2, 3, 4, 5, 6, 7, 8}))
}

func TestDecodeBytes(t *testing.T) {
	keys := [][]byte{nil, {0}, {1, 2, 3}, {1, 2, 3, 4, 5, 6, 7, 8}, {1, 2, 3, 4, 5, 6, 7, 8, 9}}
	for _, key := range keys {
		left, decoded, err := DecodeBytes(EncodeBytes(key))
		require.NoError(t, err)
		assert.Empty(t, left)
		assert.True(t, bytes.Equal(key, decoded))
	}

	_, _, err := DecodeBytes([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestEncodedKeyOrder(t *testing.T) {
	// Keys order ascending by user key, then descending by timestamp.
	encoded := [][]byte{
		EncodeKey([]byte{1}, 100),
		EncodeKey([]byte{1}, 50),
		EncodeKey([]byte{1, 0}, 200),
		EncodeKey([]byte{2}, 300),
		EncodeKey([]byte{2}, 10),
	}
	assert.True(t, sort.SliceIsSorted(encoded, func(i, j int) bool {
		return bytes.Compare(encoded[i], encoded[j]) < 0
	}))
}

func TestKeyRoundTrip(t *testing.T) {
	key := EncodeKey([]byte{3, 14, 15}, 92)
	assert.Equal(t, []byte{3, 14, 15}, DecodeUserKey(key))
	assert.Equal(t, uint64(92), DecodeTs(key))
}

func TestUvarintRoundTrip(t *testing.T) {
	buf := EncodeUvarint(nil, 0)
	buf = EncodeUvarint(buf, 300)
	buf = EncodeUvarint(buf, ^uint64(0))

	buf, v, err := DecodeUvarint(buf)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), v)
	buf, v, err = DecodeUvarint(buf)
	require.NoError(t, err)
	assert.Equal(t, uint64(300), v)
	buf, v, err = DecodeUvarint(buf)
	require.NoError(t, err)
	assert.Equal(t, ^uint64(0), v)
	assert.Empty(t, buf)

	_, _, err = DecodeUvarint(nil)
	assert.Error(t, err)
}

func TestCompactBytesRoundTrip(t *testing.T) {
	buf := EncodeCompactBytes(nil, []byte("primary"))
	buf = EncodeCompactBytes(buf, nil)

	buf, data, err := DecodeCompactBytes(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("primary"), data)
	buf, data, err = DecodeCompactBytes(buf)
	require.NoError(t, err)
	assert.Empty(t, data)
	assert.Empty(t, buf)

	// A length prefix larger than the remaining data is rejected.
	_, _, err = DecodeCompactBytes(EncodeUvarint(nil, 10))
	assert.Error(t, err)
}
