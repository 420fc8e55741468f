// Package push wraps Web Push delivery (VAPID) and the subscription descriptor
// a browser hands out.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"busping/internal/errs"
)

// Keys are the client encryption keys of a subscription.
type Keys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}

// Subscription is the PushSubscription JSON produced by browsers. It is passed
// by value and never persisted by the server.
type Subscription struct {
	Endpoint       string   `json:"endpoint"`
	ExpirationTime *float64 `json:"expirationTime,omitempty"`
	Keys           Keys     `json:"keys"`
}

// Validate checks the fields needed to encrypt and address a message.
func (s Subscription) Validate() error {
	if strings.TrimSpace(s.Endpoint) == "" {
		return fmt.Errorf("%w: subscription endpoint required", errs.ErrValidation)
	}
	if strings.TrimSpace(s.Keys.P256dh) == "" || strings.TrimSpace(s.Keys.Auth) == "" {
		return fmt.Errorf("%w: subscription keys required", errs.ErrValidation)
	}
	return nil
}

// FileSubscriber serves a subscription exported from a browser to a JSON file.
// A missing file means notifications are not enabled on this device.
type FileSubscriber struct {
	Path string
}

func (f FileSubscriber) Subscription(_ context.Context) (Subscription, bool, error) {
	if strings.TrimSpace(f.Path) == "" {
		return Subscription{}, false, nil
	}
	b, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return Subscription{}, false, nil
	}
	if err != nil {
		return Subscription{}, false, err
	}
	var sub Subscription
	if err := json.Unmarshal(b, &sub); err != nil {
		return Subscription{}, false, fmt.Errorf("subscription file: %w", err)
	}
	if err := sub.Validate(); err != nil {
		return Subscription{}, false, err
	}
	return sub, true, nil
}
