package kv

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreGetAfterPut(t *testing.T) {
	s := New()
	s.Put(TextKey("k1"), IntValue(1))
	s.Put(IntKey(2), TextValue("v2"))
	s.Put(TextKey("k3"), TextValue("v3"))

	e, err := s.Get(TextKey("k1"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), e.Value.Int())

	e, err = s.Get(IntKey(2))
	require.NoError(t, err)
	assert.Equal(t, "v2", e.Value.Text())

	_, err = s.Get(IntKey(999))
	require.ErrorIs(t, err, ErrKeyNotFound)
}

func TestStoreDeleteRemoves(t *testing.T) {
	s := New()
	s.Put(TextKey("key1"), IntValue(42))
	s.Put(TextKey("key2"), IntValue(100))

	require.NoError(t, s.Delete(TextKey("key1")))
	_, err := s.Get(TextKey("key1"))
	require.ErrorIs(t, err, ErrKeyNotFound)

	e, err := s.Get(TextKey("key2"))
	require.NoError(t, err)
	assert.Equal(t, int64(100), e.Value.Int())

	err = s.Delete(TextKey("nonexistent"))
	require.ErrorIs(t, err, ErrKeyNotFound)
}

func TestStoreCompactionPreservesLiveMapping(t *testing.T) {
	s := New()
	s.Put(TextKey("k1"), IntValue(1))
	s.Put(TextKey("k2"), IntValue(2))
	s.Put(TextKey("k3"), IntValue(3))

	initialSize := len(s.data)

	s.Put(TextKey("k1"), IntValue(100))
	require.NoError(t, s.Delete(TextKey("k2")))

	sizeBeforeCompact := len(s.data)
	assert.Greater(t, sizeBeforeCompact, initialSize)

	reclaimed, err := s.Compact()
	require.NoError(t, err)
	assert.Greater(t, reclaimed, 0)
	assert.Less(t, len(s.data), sizeBeforeCompact)

	e, err := s.Get(TextKey("k1"))
	require.NoError(t, err)
	assert.Equal(t, int64(100), e.Value.Int())

	e, err = s.Get(TextKey("k3"))
	require.NoError(t, err)
	assert.Equal(t, int64(3), e.Value.Int())

	_, err = s.Get(TextKey("k2"))
	require.ErrorIs(t, err, ErrKeyNotFound)
}

func TestFragmentationRatio(t *testing.T) {
	s := New()
	assert.Equal(t, 0.0, s.FragmentationRatio())

	s.Put(TextKey("k1"), IntValue(1))
	s.Put(TextKey("k2"), IntValue(2))
	frag1 := s.FragmentationRatio()
	assert.Less(t, frag1, 0.01)

	s.Put(TextKey("k1"), IntValue(999))
	frag2 := s.FragmentationRatio()
	assert.Greater(t, frag2, frag1)

	_, err := s.Compact()
	require.NoError(t, err)
	assert.Less(t, s.FragmentationRatio(), frag2)
}

func TestStoreClear(t *testing.T) {
	s := New()
	s.Put(TextKey("key1"), IntValue(100))
	s.Put(TextKey("key2"), TextValue("test"))
	s.Put(IntKey(42), IntValue(999))

	assert.Len(t, s.Keys(), 3)
	s.Clear()
	assert.Len(t, s.Keys(), 0)
	assert.Equal(t, 0.0, s.FragmentationRatio())

	_, err := s.Get(TextKey("key1"))
	require.ErrorIs(t, err, ErrKeyNotFound)

	s.Put(TextKey("new_key"), IntValue(42))
	e, err := s.Get(TextKey("new_key"))
	require.NoError(t, err)
	assert.Equal(t, int64(42), e.Value.Int())
}

func TestSnapshotRoundTrip(t *testing.T) {
	base := filepath.Join(t.TempDir(), "store")

	s, err := WithPath(base)
	require.NoError(t, err)
	s.Put(TextKey("key1"), IntValue(42))
	s.Put(IntKey(100), TextValue("test"))
	require.NoError(t, s.Save())

	loaded, err := Load(base)
	require.NoError(t, err)

	e, err := loaded.Get(TextKey("key1"))
	require.NoError(t, err)
	assert.Equal(t, int64(42), e.Value.Int())

	e, err = loaded.Get(IntKey(100))
	require.NoError(t, err)
	assert.Equal(t, "test", e.Value.Text())
}

func TestWithPathAutoLoads(t *testing.T) {
	base := filepath.Join(t.TempDir(), "store")

	s, err := WithPath(base)
	require.NoError(t, err)
	s.Put(TextKey("auto"), IntValue(123))
	require.NoError(t, s.Save())

	reloaded, err := WithPath(base)
	require.NoError(t, err)
	e, err := reloaded.Get(TextKey("auto"))
	require.NoError(t, err)
	assert.Equal(t, int64(123), e.Value.Int())
}

func TestCloseSavesSnapshot(t *testing.T) {
	base := filepath.Join(t.TempDir(), "store")

	s, err := WithPath(base)
	require.NoError(t, err)
	s.Put(TextKey("drop_test"), IntValue(777))
	require.NoError(t, s.Close())

	reloaded, err := Load(base)
	require.NoError(t, err)
	e, err := reloaded.Get(TextKey("drop_test"))
	require.NoError(t, err)
	assert.Equal(t, int64(777), e.Value.Int())
}

func TestLoadRejectsUnsupportedVersion(t *testing.T) {
	base := filepath.Join(t.TempDir(), "store")
	s, err := WithPath(base)
	require.NoError(t, err)
	s.Put(TextKey("k"), IntValue(1))
	require.NoError(t, s.Save())

	meta, err := os.ReadFile(metaPath(base))
	require.NoError(t, err)
	meta[0] = 2 // bump version field
	require.NoError(t, os.WriteFile(metaPath(base), meta, 0o644))

	_, err = Load(base)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestLoadRejectsCorruptData(t *testing.T) {
	base := filepath.Join(t.TempDir(), "store")
	s, err := WithPath(base)
	require.NoError(t, err)
	s.Put(TextKey("k"), IntValue(1))
	require.NoError(t, s.Save())

	data, err := os.ReadFile(dataPath(base))
	require.NoError(t, err)
	data[0] ^= 0xFF
	require.NoError(t, os.WriteFile(dataPath(base), data, 0o644))

	_, err = Load(base)
	require.ErrorIs(t, err, ErrFileCorrupted)
}

func TestBufferIterYieldsGarbageToo(t *testing.T) {
	s := New()
	s.Put(TextKey("k1"), IntValue(1))
	s.Put(TextKey("k1"), IntValue(2)) // overwrite leaves the first record as garbage in D

	items, err := s.BufferIter()
	require.NoError(t, err)
	assert.Len(t, items, 2)
}
