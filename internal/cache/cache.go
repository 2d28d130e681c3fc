// Package cache persists the last-seen notification snapshot to an embedded
// sqlite database so a cold start can render history before the first REST
// page lands.
package cache

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/bazaarlab/notisync/internal/notify"
)

// cachedRecord is the sqlite row mirroring one notification.
type cachedRecord struct {
	ID            string `gorm:"primaryKey"`
	UserID        string `gorm:"index"`
	RecipientType string
	Category      string
	Title         string
	Message       string
	Read          bool
	ReadAt        *time.Time
	CreatedAt     time.Time `gorm:"index"`
	Channel       string
	Metadata      datatypes.JSON
	CachedAt      time.Time
}

func (cachedRecord) TableName() string { return "notification_cache" }

// Cache wraps the embedded database holding the offline snapshot.
type Cache struct {
	db *gorm.DB
}

// Open initialises the cache database at the supplied path, creating the
// schema when missing.
func Open(path string) (*Cache, error) {
	if path == "" {
		return nil, fmt.Errorf("cache: database path is required")
	}
	// The pool would otherwise hand each connection its own empty database.
	if path == ":memory:" {
		path = "file::memory:?cache=shared"
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("cache: open database: %w", err)
	}

	if err := db.AutoMigrate(&cachedRecord{}); err != nil {
		return nil, fmt.Errorf("cache: migrate schema: %w", err)
	}

	return &Cache{db: db}, nil
}

// Save replaces the cached snapshot for the user wholesale, mirroring the
// store's seed semantics.
func (c *Cache) Save(userID string, records []notify.Record) error {
	if userID == "" {
		return fmt.Errorf("cache: user id is required")
	}

	now := time.Now().UTC()
	rows := make([]cachedRecord, 0, len(records))
	for _, rec := range records {
		row := cachedRecord{
			ID:            rec.ID,
			UserID:        userID,
			RecipientType: string(rec.RecipientType),
			Category:      string(rec.Category),
			Title:         rec.Title,
			Message:       rec.Message,
			Read:          rec.Read,
			ReadAt:        rec.ReadAt,
			CreatedAt:     rec.CreatedAt,
			Channel:       string(rec.Channel),
			CachedAt:      now,
		}
		if rec.Metadata != nil {
			if data, err := json.Marshal(rec.Metadata); err == nil {
				row.Metadata = datatypes.JSON(data)
			}
		}
		rows = append(rows, row)
	}

	return c.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ?", userID).Delete(&cachedRecord{}).Error; err != nil {
			return fmt.Errorf("cache: clear snapshot: %w", err)
		}
		if len(rows) == 0 {
			return nil
		}
		if err := tx.Create(&rows).Error; err != nil {
			return fmt.Errorf("cache: write snapshot: %w", err)
		}
		return nil
	})
}

// Load returns the cached snapshot for the user, newest first.
func (c *Cache) Load(userID string) ([]notify.Record, error) {
	if userID == "" {
		return nil, fmt.Errorf("cache: user id is required")
	}

	var rows []cachedRecord
	if err := c.db.
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("cache: load snapshot: %w", err)
	}

	records := make([]notify.Record, 0, len(rows))
	for _, row := range rows {
		rec := notify.Record{
			ID:            row.ID,
			RecipientType: notify.RecipientType(row.RecipientType),
			Category:      notify.Category(row.Category),
			Title:         row.Title,
			Message:       row.Message,
			Read:          row.Read,
			ReadAt:        row.ReadAt,
			CreatedAt:     row.CreatedAt,
			Channel:       notify.Channel(row.Channel),
		}
		if len(row.Metadata) > 0 {
			var meta map[string]any
			if err := json.Unmarshal(row.Metadata, &meta); err == nil {
				rec.Metadata = meta
			}
		}
		records = append(records, rec.Normalize())
	}
	return records, nil
}

// Prune drops read records older than the retention window. Unread records
// are kept regardless of age.
func (c *Cache) Prune(retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}

	cutoff := time.Now().UTC().Add(-retention)
	result := c.db.
		Where("read = ? AND created_at < ?", true, cutoff).
		Delete(&cachedRecord{})
	if result.Error != nil {
		return 0, fmt.Errorf("cache: prune: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// Close releases the underlying database handle.
func (c *Cache) Close() error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
