package push

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"busping/internal/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSubscription(t *testing.T, endpoint string) Subscription {
	t.Helper()
	key, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)
	auth := make([]byte, 16)
	_, err = rand.Read(auth)
	require.NoError(t, err)
	return Subscription{
		Endpoint: endpoint,
		Keys: Keys{
			P256dh: base64.RawURLEncoding.EncodeToString(key.PublicKey().Bytes()),
			Auth:   base64.RawURLEncoding.EncodeToString(auth),
		},
	}
}

func testVAPID(t *testing.T) VAPID {
	t.Helper()
	pub, priv, err := GenerateVAPIDKeys()
	require.NoError(t, err)
	return VAPID{PublicKey: pub, PrivateKey: priv, Contact: "mailto:ops@busping.test"}
}

func TestSendDeliversToRelay(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	relay := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NotEmpty(t, r.Header.Get("Authorization"))
		assert.Equal(t, "aes128gcm", r.Header.Get("Content-Encoding"))
		w.WriteHeader(http.StatusCreated)
	}))
	defer relay.Close()

	w := NewWebPush(testVAPID(t), time.Second, relay.Client())
	require.True(t, w.Configured())

	status, err := w.Send(context.Background(), testSubscription(t, relay.URL+"/push/abc"), []byte(`{"title":"Bus 15 approaching"}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, status)
	assert.Equal(t, int32(1), hits.Load())
}

func TestSendRejectedIsDeliveryError(t *testing.T) {
	t.Parallel()

	relay := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer relay.Close()

	w := NewWebPush(testVAPID(t), time.Second, relay.Client())
	status, err := w.Send(context.Background(), testSubscription(t, relay.URL), []byte(`{}`))
	require.ErrorIs(t, err, errs.ErrDelivery)
	assert.Equal(t, http.StatusGone, status)
}

func TestSendWithoutKeysIsConfigError(t *testing.T) {
	t.Parallel()

	w := NewWebPush(VAPID{}, time.Second, nil)
	assert.False(t, w.Configured())
	_, err := w.Send(context.Background(), Subscription{Endpoint: "https://x"}, nil)
	require.ErrorIs(t, err, errs.ErrConfig)
}

func TestSubscriptionValidate(t *testing.T) {
	t.Parallel()

	require.ErrorIs(t, Subscription{}.Validate(), errs.ErrValidation)
	require.ErrorIs(t, Subscription{Endpoint: "https://x"}.Validate(), errs.ErrValidation)
	require.NoError(t, Subscription{Endpoint: "https://x", Keys: Keys{P256dh: "p", Auth: "a"}}.Validate())
}

func TestFileSubscriber(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	_, ok, err := FileSubscriber{Path: filepath.Join(dir, "missing.json")}.Subscription(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	p := filepath.Join(dir, "sub.json")
	require.NoError(t, os.WriteFile(p, []byte(`{"endpoint":"https://fcm.example/x","expirationTime":null,"keys":{"p256dh":"p","auth":"a"}}`), 0o600))
	sub, ok, err := FileSubscriber{Path: p}.Subscription(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "https://fcm.example/x", sub.Endpoint)
	assert.Nil(t, sub.ExpirationTime)
}
