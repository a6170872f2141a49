package models

import "time"

// Transition is one accepted ledger transition in a GDTI chain's audit log.
type Transition struct {
	TxHash       string    `gorm:"column:tx_hash;primaryKey;type:varchar(64)"`
	GdtiNumber   string    `gorm:"column:gdti_number;type:varchar(50);index;not null"`
	Operation    string    `gorm:"column:operation;type:varchar(10);not null"`
	Version      uint64    `gorm:"column:version;not null"`
	BlockHeight  int64     `gorm:"column:block_height;not null"`
	Actor        string    `gorm:"column:actor;type:varchar(100)"`
	DocumentType string    `gorm:"column:document_type;type:varchar(100)"`
	ContentHash  string    `gorm:"column:content_hash;type:varchar(64)"`
	Reason       string    `gorm:"column:reason;type:text"`
	RecordedAt   time.Time `gorm:"column:recorded_at;not null"`
}
