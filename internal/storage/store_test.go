package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	logx "busping/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openDrivers(t *testing.T) map[string]Store {
	t.Helper()
	out := map[string]Store{"memory": NewMemory()}

	fs, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "blobs")}, logx.Nop())
	require.NoError(t, err)
	out["file"] = fs

	ss, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "busping.db")}, logx.Nop())
	require.NoError(t, err)
	out["sqlite"] = ss

	if url := os.Getenv("BUSPING_TEST_REDIS_URL"); url != "" {
		rs, err := Open(Config{Driver: "redis", DSN: url}, logx.Nop())
		require.NoError(t, err)
		out["redis"] = rs
	}

	t.Cleanup(func() {
		for _, s := range out {
			_ = s.Close()
		}
	})
	return out
}

func TestStoreGetPutDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for name, s := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			_, ok, err := s.Get(ctx, BucketSettings, "alice%40x.sg")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, s.Put(ctx, BucketSettings, "alice%40x.sg", []byte(`{"a":1}`)))
			require.NoError(t, s.Put(ctx, BucketSettings, "alice%40x.sg", []byte(`{"a":2}`)))
			v, ok, err := s.Get(ctx, BucketSettings, "alice%40x.sg")
			require.NoError(t, err)
			require.True(t, ok)
			assert.JSONEq(t, `{"a":2}`, string(v))

			// Buckets are independent namespaces.
			_, ok, err = s.Get(ctx, BucketPasscodes, "alice%40x.sg")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, s.Delete(ctx, BucketSettings, "alice%40x.sg"))
			require.NoError(t, s.Delete(ctx, BucketSettings, "alice%40x.sg"))
			_, ok, err = s.Get(ctx, BucketSettings, "alice%40x.sg")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestStoreUpdateSemantics(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for name, s := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Update(ctx, BucketLocal, "k", func(cur []byte, ok bool) ([]byte, error) {
				assert.False(t, ok)
				return []byte("1"), nil
			}))

			require.NoError(t, s.Update(ctx, BucketLocal, "k", func(cur []byte, ok bool) ([]byte, error) {
				assert.True(t, ok)
				assert.Equal(t, "1", string(cur))
				return nil, ErrNoChange
			}))

			boom := errors.New("boom")
			err := s.Update(ctx, BucketLocal, "k", func([]byte, bool) ([]byte, error) { return []byte("x"), boom })
			require.ErrorIs(t, err, boom)

			v, _, err := s.Get(ctx, BucketLocal, "k")
			require.NoError(t, err)
			assert.Equal(t, "1", string(v))

			require.NoError(t, s.Update(ctx, BucketLocal, "k", func([]byte, bool) ([]byte, error) { return nil, nil }))
			_, ok, err := s.Get(ctx, BucketLocal, "k")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestStoreUpdateIsAtomic(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for name, s := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			const n = 20
			var wg sync.WaitGroup
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					err := s.Update(ctx, BucketLocal, "counter", func(cur []byte, ok bool) ([]byte, error) {
						c := 0
						if ok {
							c, _ = strconv.Atoi(string(cur))
						}
						return []byte(strconv.Itoa(c + 1)), nil
					})
					assert.NoError(t, err)
				}()
			}
			wg.Wait()

			v, ok, err := s.Get(ctx, BucketLocal, "counter")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, strconv.Itoa(n), string(v))
		})
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()

	_, err := Open(Config{Driver: "etcd"}, logx.Logger{})
	require.Error(t, err)

	_, err = Open(Config{Driver: "postgres"}, logx.Logger{})
	require.Error(t, err)
}
