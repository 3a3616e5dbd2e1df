package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"marketfeed/internal/domain"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Ticker sources recorded in the catalog.
const (
	SourceConfig    = "config"
	SourceDiscovery = "discovery"
)

// Catalog indexes tracked tickers and archive segments in SQLite.
// It is bookkeeping only; the event log and snapshot stay authoritative.
type Catalog struct {
	db *gorm.DB
}

// OpenCatalog opens (or creates) the SQLite catalog at path.
func OpenCatalog(path string) (*Catalog, error) {
	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create catalog directory: %w", err)
	}

	// Connect to SQLite (Pure Go)
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to catalog: %w", err)
	}

	// Auto Migration
	if err := db.AutoMigrate(&domain.TrackedTicker{}, &domain.ArchiveSegment{}); err != nil {
		return nil, fmt.Errorf("failed to migrate catalog: %w", err)
	}

	return &Catalog{db: db}, nil
}

// Close releases the underlying connection pool.
func (c *Catalog) Close() error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ======================================================================================
// Ticker Operations
// ======================================================================================

// UpsertTickers makes tickers the active tracked set, in priority order.
// Tickers not in the list stay in the catalog but are marked inactive.
func (c *Catalog) UpsertTickers(tickers []string, sources map[string]string) error {
	return c.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&domain.TrackedTicker{}).
			Where("active = ?", true).
			Update("active", false).Error; err != nil {
			return err
		}
		if len(tickers) == 0 {
			return nil
		}

		now := time.Now()
		rows := make([]domain.TrackedTicker, len(tickers))
		for i, t := range tickers {
			src := sources[t]
			if src == "" {
				src = SourceConfig
			}
			rows[i] = domain.TrackedTicker{
				Ticker:    t,
				Priority:  i,
				Active:    true,
				Source:    src,
				CreatedAt: now,
				UpdatedAt: now,
			}
		}

		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "ticker"}},
			DoUpdates: clause.AssignmentColumns([]string{"priority", "active", "source", "updated_at"}),
		}).Create(&rows).Error
	})
}

// ActiveTickers returns the active tracked tickers by priority.
func (c *Catalog) ActiveTickers() ([]domain.TrackedTicker, error) {
	var out []domain.TrackedTicker
	err := c.db.Where("active = ?", true).Order("priority asc").Find(&out).Error
	return out, err
}

// GetTicker retrieves one tracked ticker.
func (c *Catalog) GetTicker(ticker string) (*domain.TrackedTicker, error) {
	var t domain.TrackedTicker
	err := c.db.First(&t, "ticker = ?", ticker).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil // Not found is not an error
	}
	return &t, err
}

// ======================================================================================
// Archive Operations
// ======================================================================================

// RecordArchive indexes a freshly rotated segment.
func (c *Catalog) RecordArchive(a ArchiveInfo) error {
	seg := domain.ArchiveSegment{
		Name:      a.Name,
		Bytes:     a.Bytes,
		Records:   a.Records,
		RotatedAt: a.RotatedAt,
	}
	return c.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&seg).Error
}

// Archives lists indexed segments, oldest first.
func (c *Catalog) Archives() ([]domain.ArchiveSegment, error) {
	var out []domain.ArchiveSegment
	err := c.db.Order("rotated_at asc").Find(&out).Error
	return out, err
}

// DeleteArchive removes a pruned segment from the index.
func (c *Catalog) DeleteArchive(name string) error {
	return c.db.Where("name = ?", name).Delete(&domain.ArchiveSegment{}).Error
}

// ReconcileArchives indexes archives found on disk that the catalog does not
// know yet (e.g. rotated before a crash) and drops rows whose file is gone.
func (c *Catalog) ReconcileArchives(onDisk []ArchiveInfo) error {
	known, err := c.Archives()
	if err != nil {
		return err
	}

	present := make(map[string]bool, len(onDisk))
	for _, a := range onDisk {
		present[a.Name] = true
	}
	indexed := make(map[string]bool, len(known))
	for _, k := range known {
		indexed[k.Name] = true
		if !present[k.Name] {
			if err := c.DeleteArchive(k.Name); err != nil {
				return err
			}
		}
	}
	for _, a := range onDisk {
		if indexed[a.Name] {
			continue
		}
		if a.Records == 0 {
			if n, err := countLines(a.Path); err == nil {
				a.Records = n
			}
		}
		if err := c.RecordArchive(a); err != nil {
			return err
		}
	}
	return nil
}
