package server

import (
	"errors"
	"fmt"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var errMissingDatabase = errors.New("server: database required")

// RecoveryState is one saved reconnect credential. A row is single use: it
// is deleted when consumed, when its owner explicitly leaves, and when its
// room is torn down.
type RecoveryState struct {
	Secret         string `gorm:"column:secret;primaryKey;size:190;not null"`
	ParticipantID  string `gorm:"column:participant_id;size:190;not null;index"`
	RoomName       string `gorm:"column:room_name;size:190;not null;index"`
	SavedAtSeconds int64  `gorm:"column:saved_at_s;not null"`
}

// TableName exposes the table backing recovery state.
func (RecoveryState) TableName() string {
	return "recovery_states"
}

// OpenDatabase establishes the SQLite connection and performs migrations.
// Persisting recovery state lets a saved credential survive a restart of the
// coordination server itself.
func OpenDatabase(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("server: database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&RecoveryState{}); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}
	return db, nil
}

// RecoveryStore persists reconnect credentials.
type RecoveryStore struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewRecoveryStore constructs a RecoveryStore over the given database.
func NewRecoveryStore(db *gorm.DB, clock func() time.Time) (*RecoveryStore, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	if clock == nil {
		clock = time.Now
	}
	return &RecoveryStore{db: db, clock: clock}, nil
}

// Save records a credential, replacing any previous one for the same secret.
func (store *RecoveryStore) Save(secret, participantID, roomName string) error {
	record := RecoveryState{
		Secret:         secret,
		ParticipantID:  participantID,
		RoomName:       roomName,
		SavedAtSeconds: store.clock().UTC().Unix(),
	}
	return store.db.Save(&record).Error
}

// Consume looks a credential up and deletes it in the same transaction,
// enforcing single use server-side.
func (store *RecoveryStore) Consume(secret string) (RecoveryState, bool, error) {
	var record RecoveryState
	found := false
	err := store.db.Transaction(func(transaction *gorm.DB) error {
		if err := transaction.Where("secret = ?", secret).Take(&record).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}
		found = true
		return transaction.Delete(&RecoveryState{}, "secret = ?", secret).Error
	})
	if err != nil {
		return RecoveryState{}, false, err
	}
	return record, found, nil
}

// InvalidateParticipant removes all credentials saved by a participant.
func (store *RecoveryStore) InvalidateParticipant(participantID string) error {
	return store.db.Delete(&RecoveryState{}, "participant_id = ?", participantID).Error
}

// InvalidateRoom removes all credentials scoped to a room.
func (store *RecoveryStore) InvalidateRoom(roomName string) error {
	return store.db.Delete(&RecoveryState{}, "room_name = ?", roomName).Error
}
