package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// tokenRow is the single-row table backing the sqlite driver.
type tokenRow struct {
	ID           int `gorm:"primaryKey"`
	AccessToken  string
	RefreshToken string
	IssuedAt     time.Time
	ExpiresAt    time.Time
}

func (tokenRow) TableName() string { return "tokens" }

type sqliteStore struct {
	db *gorm.DB
}

// NewSQLite constructs a token store on top of an existing GORM handle.
// The tokens table is migrated on construction.
func NewSQLite(db *gorm.DB) (Store, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlite driver requires database handle")
	}
	if err := db.AutoMigrate(&tokenRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate tokens table: %w", err)
	}
	return &sqliteStore{db: db}, nil
}

func (s *sqliteStore) Get(ctx context.Context) (*Record, error) {
	var row tokenRow
	err := s.db.WithContext(ctx).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read token record: %w", err)
	}
	return &Record{
		AccessToken:  row.AccessToken,
		RefreshToken: row.RefreshToken,
		IssuedAt:     row.IssuedAt,
		ExpiresAt:    row.ExpiresAt,
	}, nil
}

func (s *sqliteStore) Put(ctx context.Context, rec *Record) error {
	row := tokenRow{
		ID:           1,
		AccessToken:  rec.AccessToken,
		RefreshToken: rec.RefreshToken,
		IssuedAt:     rec.IssuedAt,
		ExpiresAt:    rec.ExpiresAt,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"access_token", "refresh_token", "issued_at", "expires_at"}),
	}).Create(&row).Error
}

func (s *sqliteStore) Delete(ctx context.Context) error {
	return s.db.WithContext(ctx).Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&tokenRow{}).Error
}

func (s *sqliteStore) Close(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
