package credentials

import (
	"context"
	"encoding/json"
	"testing"

	"busping/internal/errs"
	"busping/internal/identity"
	"busping/internal/storage"
	logx "busping/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterThenLogin(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	blobs := storage.NewMemory()
	s := New(blobs, logx.Nop())

	require.NoError(t, s.Register(ctx, " Alice@Example.com ", "1234"))

	ok, err := s.Login(ctx, "alice@example.com", "1234")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Login(ctx, "ALICE@example.com", "9999")
	require.NoError(t, err)
	assert.False(t, ok)

	exists, err := s.Exists(ctx, "alice@EXAMPLE.com")
	require.NoError(t, err)
	assert.True(t, exists)

	raw, ok, err := blobs.Get(ctx, storage.BucketPasscodes, "alice%40example.com")
	require.NoError(t, err)
	require.True(t, ok)
	var rec Record
	require.NoError(t, json.Unmarshal(raw, &rec))
	assert.Len(t, rec.Salt, 2*SaltBytes)
	assert.Len(t, rec.Hash, 2*KeyLen)
	assert.Equal(t, Hash("1234", rec.Salt), rec.Hash)
}

func TestLoginUnknownUser(t *testing.T) {
	t.Parallel()
	s := New(storage.NewMemory(), logx.Nop())

	ok, err := s.Login(context.Background(), "nobody@x.sg", "1234")
	require.NoError(t, err)
	assert.False(t, ok)

	exists, err := s.Exists(context.Background(), "nobody@x.sg")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestLegacyRecordStillLogsIn(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	blobs := storage.NewMemory()
	b, _ := json.Marshal(Record{Hash: LegacyHash("4321")})
	require.NoError(t, blobs.Put(ctx, storage.BucketPasscodes, identity.Key("old@x.sg"), b))

	s := New(blobs, logx.Nop())
	ok, err := s.Login(ctx, "old@x.sg", "4321")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Login(ctx, "old@x.sg", "0000")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReRegisterOverwrites(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New(storage.NewMemory(), logx.Nop())

	require.NoError(t, s.Register(ctx, "a@x.sg", "1111"))
	require.NoError(t, s.Register(ctx, "a@x.sg", "2222"))

	ok, _ := s.Login(ctx, "a@x.sg", "1111")
	assert.False(t, ok)
	ok, _ = s.Login(ctx, "a@x.sg", "2222")
	assert.True(t, ok)
}

func TestValidationBeforeStorage(t *testing.T) {
	t.Parallel()
	s := New(storage.NewMemory(), logx.Nop())

	require.ErrorIs(t, s.Register(context.Background(), "", "1234"), errs.ErrValidation)
	require.ErrorIs(t, s.Register(context.Background(), "a@x", ""), errs.ErrValidation)
	_, err := s.Login(context.Background(), "  ", "1")
	require.ErrorIs(t, err, errs.ErrValidation)
	_, err = s.Exists(context.Background(), "")
	require.ErrorIs(t, err, errs.ErrValidation)
}

func TestStorageFailureIsReported(t *testing.T) {
	t.Parallel()
	blobs := storage.NewMemory()
	require.NoError(t, blobs.Close())
	s := New(blobs, logx.Nop())

	require.ErrorIs(t, s.Register(context.Background(), "a@x", "1"), errs.ErrStorage)
	_, err := s.Login(context.Background(), "a@x", "1")
	require.ErrorIs(t, err, errs.ErrStorage)
}
