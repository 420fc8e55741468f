// Package credentials stores salted passcode hashes keyed by normalized email.
package credentials

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"busping/internal/errs"
	"busping/internal/identity"
	"busping/internal/storage"
	logx "busping/pkg/logx"

	"golang.org/x/crypto/pbkdf2"
)

const (
	Iterations = 100000
	KeyLen     = 32
	SaltBytes  = 16
)

// Record is the stored form. An empty Salt marks a legacy single-round SHA-256
// record, still accepted at login.
type Record struct {
	Salt string `json:"salt,omitempty"`
	Hash string `json:"hash"`
}

type Store struct {
	blobs storage.Store
	log   logx.Logger
	rand  func([]byte) (int, error)
}

func New(blobs storage.Store, log logx.Logger) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{blobs: blobs, log: log.With(logx.String("comp", "credentials")), rand: rand.Read}
}

// Hash derives the PBKDF2-HMAC-SHA256 hash for pin. The hex salt string itself
// (not its decoded bytes) is the PBKDF2 salt input.
func Hash(pin, saltHex string) string {
	return hex.EncodeToString(pbkdf2.Key([]byte(pin), []byte(saltHex), Iterations, KeyLen, sha256.New))
}

// LegacyHash is the pre-salt scheme: hex(sha256(pin)).
func LegacyHash(pin string) string {
	sum := sha256.Sum256([]byte(pin))
	return hex.EncodeToString(sum[:])
}

func validate(email, pin string) (string, error) {
	key := identity.Key(email)
	if key == "" || pin == "" {
		return "", fmt.Errorf("%w: email and pin required", errs.ErrValidation)
	}
	return key, nil
}

// Register overwrites any existing record for email (last write wins).
func (s *Store) Register(ctx context.Context, email, pin string) error {
	key, err := validate(email, pin)
	if err != nil {
		return err
	}
	salt := make([]byte, SaltBytes)
	if _, err := s.rand(salt); err != nil {
		return fmt.Errorf("salt: %w", err)
	}
	saltHex := hex.EncodeToString(salt)
	b, err := json.Marshal(Record{Salt: saltHex, Hash: Hash(pin, saltHex)})
	if err != nil {
		return err
	}
	if err := s.blobs.Put(ctx, storage.BucketPasscodes, key, b); err != nil {
		s.log.Error("credential write failed", logx.Err(err))
		return fmt.Errorf("%w: %v", errs.ErrStorage, err)
	}
	s.log.Info("credential registered")
	return nil
}

// Login reports whether pin matches the stored record. A missing record or a
// wrong pin is (false, nil).
func (s *Store) Login(ctx context.Context, email, pin string) (bool, error) {
	key, err := validate(email, pin)
	if err != nil {
		return false, err
	}
	rec, ok, err := s.load(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	var want string
	if strings.TrimSpace(rec.Salt) != "" {
		want = Hash(pin, rec.Salt)
	} else {
		want = LegacyHash(pin)
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(strings.ToLower(rec.Hash))) == 1, nil
}

// Exists reports whether a record is stored for email.
func (s *Store) Exists(ctx context.Context, email string) (bool, error) {
	key := identity.Key(email)
	if key == "" {
		return false, fmt.Errorf("%w: email required", errs.ErrValidation)
	}
	_, ok, err := s.load(ctx, key)
	return ok, err
}

func (s *Store) load(ctx context.Context, key string) (Record, bool, error) {
	b, ok, err := s.blobs.Get(ctx, storage.BucketPasscodes, key)
	if err != nil {
		s.log.Error("credential read failed", logx.Err(err))
		return Record{}, false, fmt.Errorf("%w: %v", errs.ErrStorage, err)
	}
	if !ok {
		return Record{}, false, nil
	}
	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil {
		s.log.Warn("credential record corrupt", logx.Err(err))
		return Record{}, false, fmt.Errorf("%w: corrupt credential record", errs.ErrStorage)
	}
	return rec, true, nil
}
