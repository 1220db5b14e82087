// Package postgres implements the privacy ports against the opt_out table.
package postgres

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type optOutModel struct {
	AppUUID    string `gorm:"column:app_uuid;primaryKey"`
	AnonUserID string `gorm:"column:anon_user_id;primaryKey"`
}

func (optOutModel) TableName() string { return "opt_out" }

// Gate is the GORM-backed PrivacyGate implementation.
type Gate struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Gate {
	return &Gate{db: db}
}

// IsOptedOut runs a single-row existence query. Callers may pass a
// transaction-scoped *gorm.DB (via WithContext on a tx) when this needs to
// participate in the caller's transaction.
func (g *Gate) IsOptedOut(ctx context.Context, appUUID, anonUserID string) (bool, error) {
	var count int64
	err := g.db.WithContext(ctx).
		Model(&optOutModel{}).
		Where("app_uuid = ? AND anon_user_id = ?", appUUID, anonUserID).
		Limit(1).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("privacy: is opted out: %w", err)
	}
	return count > 0, nil
}

// RecordOptOut inserts the opt-out row, ignoring a conflict on the primary
// key (idempotent re-submission).
func (g *Gate) RecordOptOut(ctx context.Context, appUUID, anonUserID string) error {
	row := optOutModel{AppUUID: appUUID, AnonUserID: anonUserID}
	err := g.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "app_uuid"}, {Name: "anon_user_id"}}, DoNothing: true}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("privacy: record opt out: %w", err)
	}
	return nil
}

// WithTx returns a Gate bound to an in-flight transaction, so IsOptedOut
// sees uncommitted writes from the same transaction (e.g. an opt-out
// recorded earlier in the same batch).
func (g *Gate) WithTx(tx *gorm.DB) *Gate {
	return &Gate{db: tx}
}
