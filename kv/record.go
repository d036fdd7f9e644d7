package kv

import (
	"encoding/binary"
	"hash/crc32"
	"unicode/utf8"
)

// recordHeaderSize is the fixed 13-byte header preceding every payload:
// 8-byte little-endian length, 4-byte little-endian CRC32, 1-byte tag.
const recordHeaderSize = 13

// SerializeValue writes a value's payload into a scratch buffer and prepends
// the 13-byte header (length, CRC32 of the payload, tag).
func SerializeValue(v Value) []byte {
	var payload []byte
	var tag byte
	if v.isText {
		tag = tagText
		payload = encodeTextPayload(v.text)
	} else {
		tag = tagInt64
		payload = make([]byte, 8)
		binary.LittleEndian.PutUint64(payload, uint64(v.intVal))
	}
	return wrapRecord(tag, payload)
}

func encodeTextPayload(s string) []byte {
	buf := make([]byte, 8+len(s))
	binary.LittleEndian.PutUint64(buf[:8], uint64(len(s)))
	copy(buf[8:], s)
	return buf
}

func wrapRecord(tag byte, payload []byte) []byte {
	out := make([]byte, recordHeaderSize+len(payload))
	binary.LittleEndian.PutUint64(out[0:8], uint64(len(payload)))
	binary.LittleEndian.PutUint32(out[8:12], crc32.ChecksumIEEE(payload))
	out[12] = tag
	copy(out[recordHeaderSize:], payload)
	return out
}

// DeserializeValue validates the header, verifies the CRC32, and decodes the
// tagged payload. It returns the entry and the number of bytes consumed from
// buf (header + payload).
func DeserializeValue(buf []byte) (Entry, int, error) {
	if len(buf) < recordHeaderSize {
		return Entry{}, 0, &BufferTooShortError{Expected: recordHeaderSize, Actual: len(buf)}
	}
	length := binary.LittleEndian.Uint64(buf[0:8])
	expectedCRC := binary.LittleEndian.Uint32(buf[8:12])
	tag := buf[12]

	if length > uint64(len(buf)-recordHeaderSize) {
		return Entry{}, 0, &BufferTooShortError{Expected: recordHeaderSize + int(length), Actual: len(buf)}
	}
	payload := buf[recordHeaderSize : recordHeaderSize+int(length)]

	actualCRC := crc32.ChecksumIEEE(payload)
	if actualCRC != expectedCRC {
		return Entry{}, 0, &ChecksumMismatchError{Expected: expectedCRC, Actual: actualCRC}
	}

	consumed := recordHeaderSize + int(length)
	switch tag {
	case tagText:
		text, err := decodeTextPayload(payload)
		if err != nil {
			return Entry{}, 0, err
		}
		return Entry{Value: TextValue(text)}, consumed, nil
	case tagInt64:
		if len(payload) != 8 {
			return Entry{}, 0, ErrByteConversion
		}
		return Entry{Value: IntValue(int64(binary.LittleEndian.Uint64(payload)))}, consumed, nil
	default:
		return Entry{}, 0, &UnknownTagError{Tag: tag}
	}
}

func decodeTextPayload(payload []byte) (string, error) {
	if len(payload) < 8 {
		return "", ErrByteConversion
	}
	strLen := binary.LittleEndian.Uint64(payload[0:8])
	if strLen > uint64(len(payload)-8) {
		return "", ErrByteConversion
	}
	b := payload[8 : 8+int(strLen)]
	if !utf8.Valid(b) {
		return "", ErrInvalidUTF8
	}
	return string(b), nil
}

// SerializeKey writes the tag-prefixed key layout of the record codec,
// without a CRC: keys live in the keys snapshot, which carries its own
// whole-file checksum.
func SerializeKey(k Key) []byte {
	if k.isText {
		return wrapTagged(tagText, encodeTextPayload(k.text))
	}
	payload := make([]byte, 8)
	binary.LittleEndian.PutUint64(payload, uint64(k.intVal))
	return wrapTagged(tagInt64, payload)
}

func wrapTagged(tag byte, payload []byte) []byte {
	out := make([]byte, 1+len(payload))
	out[0] = tag
	copy(out[1:], payload)
	return out
}

// DeserializeKey is the inverse of SerializeKey; it returns the key and the
// number of bytes consumed.
func DeserializeKey(buf []byte) (Key, int, error) {
	if len(buf) < 1 {
		return Key{}, 0, &BufferTooShortError{Expected: 1, Actual: len(buf)}
	}
	tag := buf[0]
	switch tag {
	case tagText:
		text, n, err := decodeTextPayloadConsuming(buf[1:])
		if err != nil {
			return Key{}, 0, err
		}
		return TextKey(text), 1 + n, nil
	case tagInt64:
		if len(buf)-1 < 8 {
			return Key{}, 0, &BufferTooShortError{Expected: 9, Actual: len(buf)}
		}
		v := int64(binary.LittleEndian.Uint64(buf[1:9]))
		return IntKey(v), 9, nil
	default:
		return Key{}, 0, &UnknownTagError{Tag: tag}
	}
}

func decodeTextPayloadConsuming(buf []byte) (string, int, error) {
	if len(buf) < 8 {
		return "", 0, &BufferTooShortError{Expected: 8, Actual: len(buf)}
	}
	strLen := binary.LittleEndian.Uint64(buf[0:8])
	if strLen > uint64(len(buf)-8) {
		return "", 0, &BufferTooShortError{Expected: 8 + int(strLen), Actual: len(buf)}
	}
	b := buf[8 : 8+int(strLen)]
	if !utf8.Valid(b) {
		return "", 0, ErrInvalidUTF8
	}
	return string(b), 8 + int(strLen), nil
}
