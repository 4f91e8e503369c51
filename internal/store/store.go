// Package store persists per-instance bridge state: the locating flag, the
// cached encrypted serial, the per-install key, and the encrypted password.
package store

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"mydolphin-bridge/internal/vendorcrypto"
)

var (
	bucketInstance = []byte("instance")

	keyLocating       = []byte("locating")
	keyEncryptedToken = []byte("aws_token_encrypted_key")
	keyInstallKey     = []byte("key")
	keyPassword       = []byte("password")
	keyClientID       = []byte("client_id")
)

// Store wraps a BoltDB database holding one instance's state.
type Store struct {
	db *bolt.DB
}

// Open opens or creates the database and seeds the per-install key and
// client id on first use.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketInstance)
		if err != nil {
			return err
		}
		if b.Get(keyInstallKey) == nil {
			key, err := vendorcrypto.NewInstallKey()
			if err != nil {
				return err
			}
			if err := b.Put(keyInstallKey, key); err != nil {
				return err
			}
		}
		if b.Get(keyClientID) == nil {
			if err := b.Put(keyClientID, []byte(uuid.NewString())); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init state db: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) get(key []byte) []byte {
	var out []byte
	_ = s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketInstance).Get(key); v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	return out
}

func (s *Store) put(key, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketInstance).Put(key, value)
	})
}

func (s *Store) delete(key []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketInstance).Delete(key)
	})
}

// ClientID returns the stable per-install MQTT client id.
func (s *Store) ClientID() string { return string(s.get(keyClientID)) }

// Locating reports the local find-my-robot flag.
func (s *Store) Locating() bool { return string(s.get(keyLocating)) == "1" }

func (s *Store) SetLocating(on bool) error {
	v := []byte("0")
	if on {
		v = []byte("1")
	}
	return s.put(keyLocating, v)
}

// EncryptedToken returns the cached aws_token_encrypted_key, or "".
func (s *Store) EncryptedToken() string { return string(s.get(keyEncryptedToken)) }

func (s *Store) SetEncryptedToken(token string) error {
	return s.put(keyEncryptedToken, []byte(token))
}

// ClearEncryptedToken drops the cache so the next token exchange regenerates.
func (s *Store) ClearEncryptedToken() error { return s.delete(keyEncryptedToken) }

// SetPassword stores the password encrypted with the per-install key.
func (s *Store) SetPassword(password string) error {
	wrapped, err := vendorcrypto.WrapPassword(s.get(keyInstallKey), password)
	if err != nil {
		return fmt.Errorf("wrap password: %w", err)
	}
	return s.put(keyPassword, wrapped)
}

// Password returns the decrypted password, or "" when none is stored.
func (s *Store) Password() (string, error) {
	wrapped := s.get(keyPassword)
	if wrapped == nil {
		return "", nil
	}
	pw, err := vendorcrypto.UnwrapPassword(s.get(keyInstallKey), wrapped)
	if err != nil {
		return "", fmt.Errorf("unwrap password: %w", err)
	}
	return pw, nil
}
