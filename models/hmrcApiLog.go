package models

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// HmrcApiLog is one audit record per outbound HMRC call. Bodies are sanitized
// before they reach this table; rows are append-only and only DeleteOlderThan
// removes them.
type HmrcApiLog struct {
	ID             int       `gorm:"primary_key" json:"id"`
	UserId         int       `gorm:"not null;index" json:"user_id"`
	Method         string    `gorm:"size:10;not null" json:"method"`
	Endpoint       string    `gorm:"size:500;not null;index" json:"endpoint"`
	RequestBody    string    `gorm:"type:text" json:"request_body"`
	ResponseStatus int       `gorm:"not null" json:"response_status"`
	ResponseBody   string    `gorm:"type:text" json:"response_body"`
	ErrorCode      *string   `gorm:"size:100" json:"error_code"`
	ErrorMessage   *string   `gorm:"type:text" json:"error_message"`
	DurationMs     int64     `gorm:"not null" json:"duration_ms"`
	CorrelationId  *string   `gorm:"size:100" json:"correlation_id"`
	CreatedAt      time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

type LogStatusFilter string

const (
	LogStatusAll     LogStatusFilter = "all"
	LogStatusSuccess LogStatusFilter = "success"
	LogStatusError   LogStatusFilter = "error"
)

const DefaultLogQueryLimit = 100

type LogFilter struct {
	UserId    *int
	Endpoint  string
	Status    LogStatusFilter
	StartDate *time.Time
	EndDate   *time.Time
	Limit     int
}

// LogStore is the persistence boundary for the API audit trail.
type LogStore interface {
	Insert(ctx context.Context, entry *HmrcApiLog) error
	Query(ctx context.Context, filter LogFilter) ([]HmrcApiLog, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

type GormLogStore struct {
	db *gorm.DB
}

func NewGormLogStore(db *gorm.DB) *GormLogStore {
	return &GormLogStore{db: db}
}

func (s *GormLogStore) Insert(ctx context.Context, entry *HmrcApiLog) error {
	return s.db.WithContext(ctx).Create(entry).Error
}

// Query returns entries newest-first, capped at filter.Limit (default 100).
func (s *GormLogStore) Query(ctx context.Context, filter LogFilter) ([]HmrcApiLog, error) {
	q := s.db.WithContext(ctx).Model(&HmrcApiLog{})

	if filter.UserId != nil {
		q = q.Where("user_id = ?", *filter.UserId)
	}
	if filter.Endpoint != "" {
		q = q.Where("endpoint LIKE ?", "%"+filter.Endpoint+"%")
	}
	switch filter.Status {
	case LogStatusSuccess:
		q = q.Where("response_status >= 200 AND response_status < 300 AND error_code IS NULL")
	case LogStatusError:
		q = q.Where("response_status >= 400 OR error_code IS NOT NULL")
	}
	if filter.StartDate != nil {
		q = q.Where("created_at >= ?", *filter.StartDate)
	}
	if filter.EndDate != nil {
		q = q.Where("created_at <= ?", *filter.EndDate)
	}

	limit := filter.Limit
	if limit <= 0 || limit > DefaultLogQueryLimit {
		limit = DefaultLogQueryLimit
	}

	var entries []HmrcApiLog
	err := q.Order("created_at DESC").Limit(limit).Find(&entries).Error
	return entries, err
}

// DeleteOlderThan removes rows strictly older than cutoff. A row created
// exactly at the cutoff is retained.
func (s *GormLogStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&HmrcApiLog{})
	return res.RowsAffected, res.Error
}
