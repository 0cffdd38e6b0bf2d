package history

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/rudransh-shrivastava/peer-drop/internal/transfer"
)

const DefaultListLimit = 100

type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// OpenStore is Open followed by NewStore.
func OpenStore(path string) (*Store, error) {
	db, err := Open(path)
	if err != nil {
		return nil, err
	}
	return NewStore(db), nil
}

// Record saves a session that reached a terminal state.
func (s *Store) Record(ctx context.Context, session transfer.Session) error {
	t := Transfer{
		Sender:       session.Sender,
		Receiver:     session.Receiver,
		FileName:     session.FileName,
		FileSize:     session.FileSize,
		FileType:     session.FileType,
		State:        session.State.String(),
		LastProgress: session.LastProgress,
		StartedAt:    session.CreatedAt,
		EndedAt:      session.UpdatedAt,
	}
	if err := s.db.WithContext(ctx).Create(&t).Error; err != nil {
		return fmt.Errorf("recording transfer %s -> %s: %w", session.Sender, session.Receiver, err)
	}
	return nil
}

// List returns the most recently ended transfers first. A non-positive limit
// means DefaultListLimit.
func (s *Store) List(ctx context.Context, limit int) ([]Transfer, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	transfers := []Transfer{}
	err := s.db.WithContext(ctx).
		Order("ended_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&transfers).Error
	if err != nil {
		return nil, fmt.Errorf("listing transfers: %w", err)
	}
	return transfers, nil
}

// ForPeer lists transfers id took part in, newest first.
func (s *Store) ForPeer(ctx context.Context, id string, limit int) ([]Transfer, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	transfers := []Transfer{}
	err := s.db.WithContext(ctx).
		Where("sender = ? OR receiver = ?", id, id).
		Order("ended_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&transfers).Error
	if err != nil {
		return nil, fmt.Errorf("listing transfers for %s: %w", id, err)
	}
	return transfers, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
