package models

import (
	"context"
	"errors"
	"time"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// HmrcPeriodSubmission records the latest accepted cumulative update for one
// quarterly period. The natural key (business_id, tax_year, period_from,
// period_to) identifies the logical period: HMRC treats a resubmission for the
// same key as a cumulative replace, and so do we: the row is updated in place
// with the new figures and the new upstream correlation id.
type HmrcPeriodSubmission struct {
	ID            int             `gorm:"primary_key" json:"id"`
	UserId        int             `gorm:"not null;index" json:"user_id"`
	BusinessId    string          `gorm:"size:64;not null;index:uniq_period,unique" json:"business_id"`
	TaxYear       string          `gorm:"size:10;not null;index:uniq_period,unique" json:"tax_year"`
	PeriodFrom    time.Time       `gorm:"type:date;not null;index:uniq_period,unique" json:"period_from"`
	PeriodTo      time.Time       `gorm:"type:date;not null;index:uniq_period,unique" json:"period_to"`
	TotalIncome   decimal.Decimal `gorm:"type:decimal(16,2);not null" json:"total_income"`
	TotalExpenses decimal.Decimal `gorm:"type:decimal(16,2);not null" json:"total_expenses"`
	PayloadJSON   []byte          `gorm:"type:json" json:"payload"`
	CorrelationId string          `gorm:"size:100;not null" json:"correlation_id"`
	SubmittedAt   time.Time       `gorm:"not null" json:"submitted_at"`
	CreatedAt     time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}

// SubmissionStore is the persistence boundary for accepted period submissions.
type SubmissionStore interface {
	Upsert(ctx context.Context, sub *HmrcPeriodSubmission) error
}

type GormSubmissionStore struct {
	db *gorm.DB
}

func NewGormSubmissionStore(db *gorm.DB) *GormSubmissionStore {
	return &GormSubmissionStore{db: db}
}

func (s *GormSubmissionStore) Upsert(ctx context.Context, sub *HmrcPeriodSubmission) error {
	return UpsertPeriodSubmission(ctx, s.db, sub)
}

// UpsertPeriodSubmission inserts the period row, or updates the existing row
// for the same natural key when HMRC has accepted a cumulative resubmission.
func UpsertPeriodSubmission(ctx context.Context, db *gorm.DB, sub *HmrcPeriodSubmission) error {
	err := db.WithContext(ctx).Create(sub).Error
	if err == nil {
		return nil
	}
	if !isDuplicateKeyErr(err) {
		return err
	}
	return db.WithContext(ctx).Model(&HmrcPeriodSubmission{}).
		Where("business_id = ? AND tax_year = ? AND period_from = ? AND period_to = ?",
			sub.BusinessId, sub.TaxYear, sub.PeriodFrom, sub.PeriodTo).
		Updates(map[string]interface{}{
			"user_id":        sub.UserId,
			"total_income":   sub.TotalIncome,
			"total_expenses": sub.TotalExpenses,
			"payload_json":   sub.PayloadJSON,
			"correlation_id": sub.CorrelationId,
			"submitted_at":   sub.SubmittedAt,
		}).Error
}
