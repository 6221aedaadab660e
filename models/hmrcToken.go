package models

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// HmrcToken is the stored OAuth grant for one user's HMRC connection.
// ExpiresAt is always an absolute instant so refresh decisions are a plain
// comparison; exactly one row per user (upsert on refresh).
type HmrcToken struct {
	ID           int       `gorm:"primary_key" json:"id"`
	UserId       int       `gorm:"not null;uniqueIndex" json:"user_id"`
	AccessToken  string    `gorm:"type:text;not null" json:"-"`
	RefreshToken string    `gorm:"type:text;not null" json:"-"`
	TokenType    string    `gorm:"size:20;not null;default:bearer" json:"token_type"`
	Scope        string    `gorm:"size:255" json:"scope"`
	ExpiresAt    time.Time `gorm:"not null" json:"expires_at"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TokenStore is the persistence boundary for HMRC grants. Keyed uniquely by user.
type TokenStore interface {
	Get(ctx context.Context, userId int) (*HmrcToken, error)
	Upsert(ctx context.Context, token *HmrcToken) error
	Delete(ctx context.Context, userId int) error
}

type GormTokenStore struct {
	db *gorm.DB
}

func NewGormTokenStore(db *gorm.DB) *GormTokenStore {
	return &GormTokenStore{db: db}
}

// Get returns (nil, nil) when the user has no stored grant.
func (s *GormTokenStore) Get(ctx context.Context, userId int) (*HmrcToken, error) {
	var token HmrcToken
	err := s.db.WithContext(ctx).Where("user_id = ?", userId).First(&token).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &token, nil
}

func (s *GormTokenStore) Upsert(ctx context.Context, token *HmrcToken) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"access_token", "refresh_token", "token_type", "scope", "expires_at", "updated_at",
		}),
	}).Create(token).Error
}

func (s *GormTokenStore) Delete(ctx context.Context, userId int) error {
	return s.db.WithContext(ctx).Where("user_id = ?", userId).Delete(&HmrcToken{}).Error
}
