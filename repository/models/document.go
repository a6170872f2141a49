package models

import "time"

// Document mirrors the latest ledger-confirmed state of one GDTI chain. The
// mirror serves audit queries only; transition decisions always read the
// ledger directly.
type Document struct {
	GdtiNumber   string    `gorm:"column:gdti_number;primaryKey;type:varchar(50)"`
	DocumentType string    `gorm:"column:document_type;type:varchar(100);not null"`
	ContentHash  string    `gorm:"column:content_hash;type:varchar(64)"`
	Version      uint64    `gorm:"column:version;not null"`
	IsDeleted    bool      `gorm:"column:is_deleted;default:false"`
	LatestTxHash string    `gorm:"column:latest_tx_hash;type:varchar(64)"`
	UpdatedAt    time.Time `gorm:"column:updated_at;not null"`
}
