// Package settings stores one opaque JSON document per user, gated by a
// verified session token.
package settings

import (
	"context"
	"encoding/json"
	"fmt"

	"busping/internal/errs"
	"busping/internal/identity"
	"busping/internal/storage"
	logx "busping/pkg/logx"
)

// Verifier resolves a session token to the email it was issued for.
type Verifier interface {
	Verify(token string) (string, error)
}

type Store struct {
	blobs    storage.Store
	verifier Verifier
	log      logx.Logger
}

func New(blobs storage.Store, verifier Verifier, log logx.Logger) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{blobs: blobs, verifier: verifier, log: log.With(logx.String("comp", "settings"))}
}

// authorize returns the storage key when tok is valid and was issued to email.
func (s *Store) authorize(tok, email string) (string, error) {
	key := identity.Key(email)
	if key == "" {
		return "", fmt.Errorf("%w: email required", errs.ErrValidation)
	}
	owner, err := s.verifier.Verify(tok)
	if err != nil {
		return "", err
	}
	if identity.Key(owner) != key {
		s.log.Warn("settings access for another identity rejected")
		return "", fmt.Errorf("%w: token does not match email", errs.ErrAuth)
	}
	return key, nil
}

// Get returns the stored blob. ok is false when the user never saved settings.
func (s *Store) Get(ctx context.Context, tok, email string) (json.RawMessage, bool, error) {
	key, err := s.authorize(tok, email)
	if err != nil {
		return nil, false, err
	}
	b, ok, err := s.blobs.Get(ctx, storage.BucketSettings, key)
	if err != nil {
		s.log.Error("settings read failed", logx.Err(err))
		return nil, false, fmt.Errorf("%w: %v", errs.ErrStorage, err)
	}
	if !ok {
		return nil, false, nil
	}
	return json.RawMessage(b), true, nil
}

// Put replaces the whole blob. Concurrent writers: last write wins.
func (s *Store) Put(ctx context.Context, tok, email string, blob json.RawMessage) error {
	key, err := s.authorize(tok, email)
	if err != nil {
		return err
	}
	if len(blob) == 0 || !json.Valid(blob) {
		return fmt.Errorf("%w: settings must be valid JSON", errs.ErrValidation)
	}
	if err := s.blobs.Put(ctx, storage.BucketSettings, key, blob); err != nil {
		s.log.Error("settings write failed", logx.Err(err))
		return fmt.Errorf("%w: %v", errs.ErrStorage, err)
	}
	s.log.Debug("settings saved", logx.Int("bytes", len(blob)))
	return nil
}
