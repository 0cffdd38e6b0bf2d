// Package history keeps metadata of finished transfers. File content is never
// stored, only who sent what to whom and how it ended.
package history

import (
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type Transfer struct {
	ID           uint   `gorm:"primaryKey"`
	Sender       string `gorm:"index"`
	Receiver     string `gorm:"index"`
	FileName     string
	FileSize     int64
	FileType     string
	State        string
	LastProgress int
	StartedAt    time.Time
	EndedAt      time.Time `gorm:"index"`
}

// Open opens (or creates) the SQLite database at path and migrates it.
func Open(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		PrepareStmt: true,
		Logger:      logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening history database: %w", err)
	}

	if err := db.AutoMigrate(&Transfer{}); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return db, nil
}
