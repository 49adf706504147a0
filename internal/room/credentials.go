package room

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	credentialBucket = []byte("session")
	credentialKey    = []byte("credential")

	errMissingStatePath = errors.New("room: state path required")
)

// Credential is the persisted reconnect state: presented once on the next
// connection to silently resume a room membership without a password prompt.
type Credential struct {
	ParticipantID  string `json:"participant_id"`
	RecoverySecret string `json:"recovery_secret"`
	RoomName       string `json:"room_name"`
}

// CredentialStore keeps at most one credential in a local bolt database.
type CredentialStore struct {
	db *bolt.DB
}

// OpenCredentialStore opens (creating if needed) the local state database.
func OpenCredentialStore(path string) (*CredentialStore, error) {
	if path == "" {
		return nil, errMissingStatePath
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("room: open state database: %w", err)
	}
	return &CredentialStore{db: db}, nil
}

// Save persists a credential, replacing any previous one.
func (store *CredentialStore) Save(credential Credential) error {
	encoded, err := json.Marshal(credential)
	if err != nil {
		return err
	}
	return store.db.Update(func(transaction *bolt.Tx) error {
		bucket, err := transaction.CreateBucketIfNotExists(credentialBucket)
		if err != nil {
			return err
		}
		return bucket.Put(credentialKey, encoded)
	})
}

// Take returns the stored credential and deletes it in the same transaction:
// a credential is read at most once.
func (store *CredentialStore) Take() (Credential, bool, error) {
	var credential Credential
	found := false
	err := store.db.Update(func(transaction *bolt.Tx) error {
		bucket := transaction.Bucket(credentialBucket)
		if bucket == nil {
			return nil
		}
		encoded := bucket.Get(credentialKey)
		if encoded == nil {
			return nil
		}
		if err := json.Unmarshal(encoded, &credential); err != nil {
			// A corrupt record is cleared rather than wedging recovery.
			return bucket.Delete(credentialKey)
		}
		found = true
		return bucket.Delete(credentialKey)
	})
	if err != nil {
		return Credential{}, false, err
	}
	return credential, found, nil
}

// Clear removes any stored credential.
func (store *CredentialStore) Clear() error {
	return store.db.Update(func(transaction *bolt.Tx) error {
		bucket := transaction.Bucket(credentialBucket)
		if bucket == nil {
			return nil
		}
		return bucket.Delete(credentialKey)
	})
}

// Close releases the underlying database.
func (store *CredentialStore) Close() error {
	return store.db.Close()
}
