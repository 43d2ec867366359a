package database

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPebbleRoundTrip(t *testing.T) {
	db, err := OpenPebble(filepath.Join(t.TempDir(), "kv"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Get([]byte("missing"))
	assert.ErrorIs(t, err, ErrKeyNotFound)

	require.NoError(t, db.Set([]byte("msg:1"), []byte("a")))
	require.NoError(t, db.Set([]byte("msg:2"), []byte("b")))
	require.NoError(t, db.Set([]byte("other:1"), []byte("c")))

	v, err := db.Get([]byte("msg:1"))
	require.NoError(t, err)
	assert.Equal(t, "a", string(v))

	var keys []string
	require.NoError(t, db.IteratePrefix([]byte("msg:"), func(k, _ []byte) bool {
		keys = append(keys, string(k))
		return true
	}))
	assert.Equal(t, []string{"msg:1", "msg:2"}, keys)
}

func TestPrefixUpperBound(t *testing.T) {
	assert.Equal(t, []byte("msh"), prefixUpperBound([]byte("msg")))
	assert.Equal(t, []byte{0x02}, prefixUpperBound([]byte{0x01, 0xff}))
	assert.Nil(t, prefixUpperBound([]byte{0xff}))
}
