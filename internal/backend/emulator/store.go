package emulator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	ErrCardNotFound      = errors.New("emulator: card not found")
	ErrChallengeNotFound = errors.New("emulator: challenge unknown or already used")
)

// CardRecord is one card known to the emulator. Key and Secret are empty
// until the first write_key is issued.
type CardRecord struct {
	ID          string `gorm:"type:varchar(128);primaryKey"`
	Key         string `gorm:"type:char(32)"`
	Secret      string
	Account     string `gorm:"type:text"`
	Product     string `gorm:"type:text"`
	Provisioned bool   `gorm:"not null;default:false"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (CardRecord) TableName() string {
	return "cards"
}

// ChallengeRecord is a one-time challenge issued to a card.
type ChallengeRecord struct {
	ID        string `gorm:"type:char(36);primaryKey"`
	CardID    string `gorm:"type:varchar(128);not null;index"`
	Challenge string `gorm:"not null;uniqueIndex"`
	Used      bool   `gorm:"not null;default:false"`
	CreatedAt time.Time
}

func (ChallengeRecord) TableName() string {
	return "challenges"
}

func (c *ChallengeRecord) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	return nil
}

type Store struct {
	db *gorm.DB
}

// Open opens (creating if needed) the sqlite database at path and migrates
// the schema. ":memory:" gives a throwaway store.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if path == ":memory:" {
		// every pooled connection would get its own empty database
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	if err := db.AutoMigrate(&CardRecord{}, &ChallengeRecord{}); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) FindCard(ctx context.Context, id string) (*CardRecord, error) {
	var rec CardRecord
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrCardNotFound
	}
	if err != nil {
		slog.ErrorContext(ctx, "failed to find card",
			"operation", "find_card",
			"card_id", id,
			"error", err,
		)
		return nil, err
	}
	return &rec, nil
}

// SaveCard inserts or fully updates rec.
func (s *Store) SaveCard(ctx context.Context, rec *CardRecord) error {
	return s.db.WithContext(ctx).Save(rec).Error
}

// SeedCard creates the card if missing and otherwise only refreshes its
// account/product, keeping keys and provisioning state.
func (s *Store) SeedCard(ctx context.Context, id, account, product string) error {
	rec, err := s.FindCard(ctx, id)
	if errors.Is(err, ErrCardNotFound) {
		return s.db.WithContext(ctx).Create(&CardRecord{ID: id, Account: account, Product: product}).Error
	}
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Model(rec).
		Select("account", "product").
		Updates(CardRecord{Account: account, Product: product}).Error
}

func (s *Store) CreateChallenge(ctx context.Context, cardID, challenge string) (*ChallengeRecord, error) {
	rec := &ChallengeRecord{CardID: cardID, Challenge: challenge}
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return nil, err
	}
	return rec, nil
}

// ConsumeChallenge marks an unused challenge of cardID as used. A second
// call for the same challenge returns ErrChallengeNotFound.
func (s *Store) ConsumeChallenge(ctx context.Context, cardID, challenge string) error {
	res := s.db.WithContext(ctx).
		Model(&ChallengeRecord{}).
		Where("card_id = ? AND challenge = ? AND used = ?", cardID, challenge, false).
		Update("used", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrChallengeNotFound
	}
	return nil
}
