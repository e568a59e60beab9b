package docstore

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const maxIdentifierLength = 190

var (
	// ErrMissingDatabase indicates that the store was built without a database handle.
	ErrMissingDatabase = errors.New("docstore: database handle is required")
	// ErrInvalidSessionID indicates that a session identifier is empty or exceeds storage bounds.
	ErrInvalidSessionID = errors.New("docstore: invalid session id")
	// ErrInvalidFileID indicates that a file identifier is empty or exceeds storage bounds.
	ErrInvalidFileID = errors.New("docstore: invalid file id")
	// ErrInvalidState indicates that a snapshot state payload is empty.
	ErrInvalidState = errors.New("docstore: invalid snapshot state")
	// ErrCorruptState indicates that a stored snapshot no longer decodes.
	ErrCorruptState = errors.New("docstore: corrupt snapshot state")
)

// StoreConfig describes the inputs required to build a Store.
type StoreConfig struct {
	Database *gorm.DB
}

// Store reads and writes document snapshots. Writes are keyed upserts, so a
// racing writer can overwrite but never interleave a lost update.
type Store struct {
	db *gorm.DB
}

// NewStore validates the configuration and returns a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, ErrMissingDatabase
	}
	return &Store{db: cfg.Database}, nil
}

// LoadSnapshot returns the stored state for the key, reporting found=false
// when no snapshot exists yet.
func (store *Store) LoadSnapshot(ctx context.Context, sessionID, fileID string) ([]byte, bool, error) {
	session, file, err := validateKey(sessionID, fileID)
	if err != nil {
		return nil, false, err
	}

	var record DocumentSnapshot
	lookupErr := store.db.WithContext(ctx).
		Where("session_id = ? AND file_id = ?", session, file).
		Take(&record).Error
	if errors.Is(lookupErr, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if lookupErr != nil {
		return nil, false, lookupErr
	}

	state, decodeErr := base64.StdEncoding.DecodeString(record.StateB64)
	if decodeErr != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrCorruptState, decodeErr)
	}
	return state, true, nil
}

// SaveSnapshot upserts the merged state for the key.
func (store *Store) SaveSnapshot(ctx context.Context, sessionID, fileID string, state []byte, modifiedAt time.Time) error {
	session, file, err := validateKey(sessionID, fileID)
	if err != nil {
		return err
	}
	if len(state) == 0 {
		return fmt.Errorf("%w: empty", ErrInvalidState)
	}

	record := DocumentSnapshot{
		SessionID:     session,
		FileID:        file,
		StateB64:      base64.StdEncoding.EncodeToString(state),
		UpdatedAtUnix: modifiedAt.UTC().Unix(),
	}
	return store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "session_id"}, {Name: "file_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"state_b64", "updated_at_unix"}),
		}).
		Create(&record).Error
}

// FileRecord summarizes one stored file for session listings.
type FileRecord struct {
	FileID        string
	UpdatedAtUnix int64
}

// ListSessionFiles returns every stored file for a session, ordered by file id.
func (store *Store) ListSessionFiles(ctx context.Context, sessionID string) ([]FileRecord, error) {
	session, err := validateIdentifier(sessionID, ErrInvalidSessionID)
	if err != nil {
		return nil, err
	}

	var records []DocumentSnapshot
	if err := store.db.WithContext(ctx).
		Select("file_id", "updated_at_unix").
		Where("session_id = ?", session).
		Order("file_id ASC").
		Find(&records).Error; err != nil {
		return nil, err
	}

	files := make([]FileRecord, 0, len(records))
	for _, record := range records {
		files = append(files, FileRecord{
			FileID:        record.FileID,
			UpdatedAtUnix: record.UpdatedAtUnix,
		})
	}
	return files, nil
}

func validateKey(sessionID, fileID string) (string, string, error) {
	session, err := validateIdentifier(sessionID, ErrInvalidSessionID)
	if err != nil {
		return "", "", err
	}
	file, err := validateIdentifier(fileID, ErrInvalidFileID)
	if err != nil {
		return "", "", err
	}
	return session, file, nil
}

func validateIdentifier(rawInput string, invalid error) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", invalid)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", invalid, maxIdentifierLength)
	}
	return trimmed, nil
}
