// Package sessionstore persists opaque session state for one account, encrypted
// at rest when a passphrase is configured.
//
// Encrypted files hold a JSON envelope:
//
//	{"salt":"..","iv":"..","data":"..","tag":"..","savedAt":1700000000000,"expiresAt":1700086400000}
//
// Binary fields are standard base64; timestamps are Unix milliseconds. The key is
// derived per save with scrypt (N=16384, r=8, p=1) from a fresh 16-byte salt, and
// the payload is sealed with AES-256-GCM under a fresh 16-byte IV.
package sessionstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/scrypt"
)

const (
	// DefaultTTL is how long an encrypted envelope stays loadable.
	DefaultTTL = 24 * time.Hour

	// DefaultScryptN is the scrypt cost parameter.
	DefaultScryptN = 1 << 14

	scryptR   = 8
	scryptP   = 1
	keyLen    = 32
	saltLen   = 16
	ivLen     = 16
	gcmTagLen = 16
)

var (
	// ErrEmptyState is returned when Save is called with no data.
	ErrEmptyState = errors.New("session state is empty")
	// ErrNoPassphrase is returned by key derivation when the store is in plaintext mode.
	ErrNoPassphrase = errors.New("no passphrase configured")
)

// Envelope is the on-disk form of an encrypted session.
type Envelope struct {
	Salt      string `json:"salt"`
	IV        string `json:"iv"`
	Data      string `json:"data"`
	Tag       string `json:"tag"`
	SavedAt   int64  `json:"savedAt"`
	ExpiresAt int64  `json:"expiresAt"`
}

// Store reads and writes one session file.
type Store struct {
	path    string
	key     *memguard.Enclave
	ttl     time.Duration
	scryptN int
	now     func() time.Time
	logger  *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithClock replaces time.Now, for expiry tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithScryptCost overrides the scrypt N parameter. Must be a power of two
// greater than one. Files written with a non-default cost are not readable by
// stores using the default.
func WithScryptCost(n int) Option {
	return func(s *Store) {
		s.scryptN = n
	}
}

// New creates a store for path. An empty passphrase selects plaintext mode.
// The passphrase is moved into a memguard enclave and the caller's copy is wiped.
func New(path string, passphrase []byte, logger *slog.Logger, opts ...Option) *Store {
	s := &Store{
		path:    path,
		ttl:     DefaultTTL,
		scryptN: DefaultScryptN,
		now:     time.Now,
		logger:  logger,
	}
	if len(passphrase) > 0 {
		s.key = memguard.NewEnclave(passphrase)
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.key == nil {
		logger.Warn("session encryption disabled, session state will be stored in plaintext", "path", path)
	}
	return s
}

// Path returns the session file location.
func (s *Store) Path() string {
	return s.path
}

// Encrypted reports whether the store writes envelopes.
func (s *Store) Encrypted() bool {
	return s.key != nil
}

// Save persists state, replacing any previous file atomically.
func (s *Store) Save(state []byte) error {
	if len(state) == 0 {
		return ErrEmptyState
	}

	payload := state
	if s.key != nil {
		env, err := s.seal(state)
		if err != nil {
			return err
		}
		payload, err = json.Marshal(env)
		if err != nil {
			return fmt.Errorf("failed to encode envelope: %w", err)
		}
	}

	if err := writeFileAtomic(s.path, payload, 0o600); err != nil {
		return fmt.Errorf("failed to write session: %w", err)
	}

	s.logger.Debug("session saved", "path", s.path, "encrypted", s.key != nil, "bytes", len(state))
	return nil
}

// Load returns the persisted state. It reports false when the file is missing,
// expired, unreadable, or fails authentication; it never returns an error.
func (s *Store) Load() ([]byte, bool) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("failed to read session file", "path", s.path, "error", err)
		}
		return nil, false
	}
	if len(raw) == 0 {
		return nil, false
	}

	if s.key == nil {
		return raw, true
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		s.logger.Warn("failed to decode session envelope", "path", s.path, "error", err)
		return nil, false
	}

	if s.now().UnixMilli() > env.ExpiresAt {
		s.logger.Info("saved session expired", "path", s.path, "expired_at", time.UnixMilli(env.ExpiresAt).UTC())
		return nil, false
	}

	state, err := s.open(&env)
	if err != nil {
		s.logger.Warn("failed to decrypt session", "path", s.path, "error", err)
		return nil, false
	}
	return state, true
}

func (s *Store) seal(plaintext []byte) (*Envelope, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	iv := make([]byte, ivLen)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("failed to generate iv: %w", err)
	}

	gcm, err := s.aead(salt)
	if err != nil {
		return nil, err
	}

	sealed := gcm.Seal(nil, iv, plaintext, nil)
	ct, tag := sealed[:len(sealed)-gcmTagLen], sealed[len(sealed)-gcmTagLen:]

	now := s.now()
	return &Envelope{
		Salt:      base64.StdEncoding.EncodeToString(salt),
		IV:        base64.StdEncoding.EncodeToString(iv),
		Data:      base64.StdEncoding.EncodeToString(ct),
		Tag:       base64.StdEncoding.EncodeToString(tag),
		SavedAt:   now.UnixMilli(),
		ExpiresAt: now.Add(s.ttl).UnixMilli(),
	}, nil
}

func (s *Store) open(env *Envelope) ([]byte, error) {
	salt, err := base64.StdEncoding.DecodeString(env.Salt)
	if err != nil {
		return nil, fmt.Errorf("decode salt: %w", err)
	}
	iv, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil {
		return nil, fmt.Errorf("decode iv: %w", err)
	}
	ct, err := base64.StdEncoding.DecodeString(env.Data)
	if err != nil {
		return nil, fmt.Errorf("decode data: %w", err)
	}
	tag, err := base64.StdEncoding.DecodeString(env.Tag)
	if err != nil {
		return nil, fmt.Errorf("decode tag: %w", err)
	}
	if len(iv) != ivLen || len(tag) != gcmTagLen {
		return nil, errors.New("malformed envelope")
	}

	gcm, err := s.aead(salt)
	if err != nil {
		return nil, err
	}

	sealed := make([]byte, 0, len(ct)+len(tag))
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed: %w", err)
	}
	return plaintext, nil
}

// aead derives the key for salt and returns an AES-256-GCM instance that
// accepts the 16-byte IVs used by the envelope format.
func (s *Store) aead(salt []byte) (cipher.AEAD, error) {
	if s.key == nil {
		return nil, ErrNoPassphrase
	}

	buf, err := s.key.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open passphrase enclave: %w", err)
	}
	defer buf.Destroy()

	key, err := scrypt.Key(buf.Bytes(), salt, s.scryptN, scryptR, scryptP, keyLen)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	defer wipe(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCMWithNonceSize(block, ivLen)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// writeFileAtomic writes data to a temp file in the destination directory,
// syncs it and renames it over path.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		// no-op after a successful rename
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
