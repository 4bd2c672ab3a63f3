// Package secretstore implements a keyed byte-blob store with at-rest
// confidentiality. Keys are stable strings of the form "password|<id>",
// "privateKey|<id>", "keyPassphrase|<id>".
//
// Confidentiality is provided by fernet (github.com/fernet/fernet-go), an
// authenticated, timestamped symmetric encryption scheme. The fernet key
// itself is generated once and persisted in the database's Setting table.
package secretstore

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/fernet/fernet-go"
	"github.com/gluk-w/tunneld/internal/database"
)

const fernetKeySetting = "fernet_key"

// Store is a keyed, encrypted blob store backed by the shared sqlite database.
type Store struct {
	mu  sync.Mutex
	key *fernet.Key
}

// New returns a Store. The fernet key is lazily generated on first use.
func New() *Store {
	return &Store{}
}

func (s *Store) getKey() (*fernet.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.key != nil {
		return s.key, nil
	}

	keyStr, err := database.GetSetting(fernetKeySetting)
	if err != nil {
		var k fernet.Key
		k.Generate()
		if err := database.SetSetting(fernetKeySetting, k.Encode()); err != nil {
			return nil, fmt.Errorf("persist fernet key: %w", err)
		}
		s.key = &k
		return s.key, nil
	}

	key, err := fernet.DecodeKey(keyStr)
	if err != nil {
		return nil, fmt.Errorf("decode fernet key: %w", err)
	}
	s.key = key
	return s.key, nil
}

// Put stores bytes under key, encrypted at rest. The write is durable
// (the underlying sqlite write completes) before Put returns.
func (s *Store) Put(key string, value []byte) error {
	k, err := s.getKey()
	if err != nil {
		return fmt.Errorf("secret store key: %w", err)
	}
	tok, err := fernet.EncryptAndSign(value, k)
	if err != nil {
		return fmt.Errorf("encrypt secret %q: %w", key, err)
	}
	return database.SetSetting(secretSettingKey(key), string(tok))
}

// Get retrieves bytes stored under key. If the backend is unavailable or the
// key is absent, Get returns (nil, false) rather than an error, and callers
// proceed with empty credentials. Get logs a warning only when the
// encryption key is unavailable or decryption fails; an absent row or a
// failed database read is not logged.
func (s *Store) Get(key string) ([]byte, bool) {
	tok, err := database.GetSetting(secretSettingKey(key))
	if err != nil || tok == "" {
		return nil, false
	}

	k, err := s.getKey()
	if err != nil {
		log.Printf("secret store: key unavailable, treating %q as absent: %v", key, err)
		return nil, false
	}

	msg := fernet.VerifyAndDecrypt([]byte(tok), 0*time.Second, []*fernet.Key{k})
	if msg == nil {
		log.Printf("secret store: decrypt failed for %q, treating as absent", key)
		return nil, false
	}
	return msg, true
}

// Delete removes the blob stored under key, if any.
func (s *Store) Delete(key string) error {
	return database.DeleteSetting(secretSettingKey(key))
}

func secretSettingKey(key string) string {
	return "secret:" + key
}

// PasswordKey, PrivateKeyKey, and KeyPassphraseKey build the canonical
// secret-store keys for a ServerRecord id.
func PasswordKey(id string) string      { return "password|" + id }
func PrivateKeyKey(id string) string    { return "privateKey|" + id }
func KeyPassphraseKey(id string) string { return "keyPassphrase|" + id }
