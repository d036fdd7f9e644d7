package kv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerializeValueRoundTripText(t *testing.T) {
	v := TextValue("hello world")
	buf := SerializeValue(v)
	entry, consumed, err := DeserializeValue(buf)
	require.NoError(t, err)
	assert.Equal(t, len(buf), consumed)
	assert.True(t, entry.Value.IsText())
	assert.Equal(t, "hello world", entry.Value.Text())
}

func TestSerializeValueRoundTripInt(t *testing.T) {
	v := IntValue(-123456789)
	buf := SerializeValue(v)
	entry, consumed, err := DeserializeValue(buf)
	require.NoError(t, err)
	assert.Equal(t, len(buf), consumed)
	assert.False(t, entry.Value.IsText())
	assert.Equal(t, int64(-123456789), entry.Value.Int())
}

func TestDeserializeValueChecksumMismatch(t *testing.T) {
	buf := SerializeValue(TextValue("hello"))
	buf[13] ^= 0xFF // flip first payload byte

	_, _, err := DeserializeValue(buf)
	require.Error(t, err)

	var mismatch *ChecksumMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.NotEqual(t, mismatch.Expected, mismatch.Actual)
}

func TestDeserializeValueBufferTooShort(t *testing.T) {
	_, _, err := DeserializeValue([]byte{1, 2, 3})
	require.Error(t, err)
	var short *BufferTooShortError
	require.ErrorAs(t, err, &short)
}

func TestDeserializeValueUnknownTag(t *testing.T) {
	buf := SerializeValue(IntValue(5))
	buf[12] = 0x99
	_, _, err := DeserializeValue(buf)
	require.Error(t, err)
	var unk *UnknownTagError
	require.ErrorAs(t, err, &unk)
	assert.Equal(t, byte(0x99), unk.Tag)
}

func TestKeyRoundTrip(t *testing.T) {
	for _, k := range []Key{TextKey("flight:flight_001"), IntKey(42), IntKey(-7)} {
		buf := SerializeKey(k)
		got, consumed, err := DeserializeKey(buf)
		require.NoError(t, err)
		assert.Equal(t, len(buf), consumed)
		assert.Equal(t, k, got)
	}
}
