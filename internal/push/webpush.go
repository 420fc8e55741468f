package push

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"busping/internal/errs"

	webpush "github.com/SherClockHolmes/webpush-go"
)

// VAPID holds the application server identity.
type VAPID struct {
	PublicKey  string
	PrivateKey string
	Contact    string
	TTLSeconds int
}

func (v VAPID) configured() bool {
	return strings.TrimSpace(v.PublicKey) != "" && strings.TrimSpace(v.PrivateKey) != ""
}

// WebPush sends encrypted messages to push relays.
type WebPush struct {
	client *http.Client

	mu      sync.RWMutex
	vapid   VAPID
	timeout time.Duration
}

// NewWebPush builds a sender. client may be nil.
func NewWebPush(v VAPID, timeout time.Duration, client *http.Client) *WebPush {
	if client == nil {
		client = &http.Client{}
	}
	w := &WebPush{client: client}
	w.Update(v, timeout)
	return w
}

// Update swaps keys and timeout (config reload).
func (w *WebPush) Update(v VAPID, timeout time.Duration) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if v.TTLSeconds <= 0 {
		v.TTLSeconds = 60
	}
	w.mu.Lock()
	w.vapid = v
	w.timeout = timeout
	w.mu.Unlock()
}

// Configured reports whether both VAPID keys are present.
func (w *WebPush) Configured() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.vapid.configured()
}

// Send delivers payload once. It returns the relay status code; any transport
// error or non-2xx status is errs.ErrDelivery.
func (w *WebPush) Send(ctx context.Context, sub Subscription, payload []byte) (int, error) {
	w.mu.RLock()
	v, timeout := w.vapid, w.timeout
	w.mu.RUnlock()
	if !v.configured() {
		return 0, fmt.Errorf("%w: VAPID keys not configured", errs.ErrConfig)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys:     webpush.Keys{P256dh: sub.Keys.P256dh, Auth: sub.Keys.Auth},
	}, &webpush.Options{
		HTTPClient:      w.client,
		Subscriber:      v.Contact,
		VAPIDPublicKey:  v.PublicKey,
		VAPIDPrivateKey: v.PrivateKey,
		TTL:             v.TTLSeconds,
		Urgency:         webpush.UrgencyHigh,
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", errs.ErrDelivery, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, fmt.Errorf("%w: push relay answered %d", errs.ErrDelivery, resp.StatusCode)
	}
	return resp.StatusCode, nil
}

// GenerateVAPIDKeys returns a fresh (public, private) key pair.
func GenerateVAPIDKeys() (string, string, error) {
	priv, pub, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		return "", "", err
	}
	return pub, priv, nil
}
