// Package repository maintains the Postgres audit mirror: the latest known
// state of every document chain plus the full transition log. The mirror is a
// projection of the ledger, never an authority; transition validation reads
// the ledger directly and the mirror is written best-effort after
// confirmation.
package repository

import (
	"fmt"
	"time"

	"github.com/docledger/gdti/ledger"
	"github.com/docledger/gdti/repository/models"

	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PostgreSQL error codes as constants
const (
	// Class 23 — Integrity Constraint Violation
	PgErrForeignKeyViolation = "23503" // foreign_key_violation
	PgErrUniqueViolation     = "23505" // unique_violation
	PgErrCheckViolation      = "23514" // check_violation
	PgErrNotNullViolation    = "23502" // not_null_violation

	// Class 08 — Connection Exception
	PgErrConnectionException = "08000" // connection_exception
	PgErrConnectionFailure   = "08006" // connection_failure
)

// Repository error codes.
const (
	ErrCodeEntityNotFound = "ENTITY_NOT_FOUND"
	ErrCodeDatabase       = "DATABASE_ERROR"
	ErrCodeNotConnected   = "NOT_CONNECTED"
)

// RepositoryError represent an error in the repository layer
type RepositoryError struct {
	Code    string
	Message string
	Detail  string
}

// TransitionEntry is the mirror-facing record of one accepted transition.
type TransitionEntry struct {
	TxHash       string    `json:"txHash"`
	GdtiNumber   string    `json:"gdtiNumber"`
	Operation    string    `json:"operation"`
	Version      uint64    `json:"version"`
	BlockHeight  int64     `json:"blockHeight"`
	Actor        string    `json:"actor"`
	DocumentType string    `json:"documentType,omitempty"`
	ContentHash  string    `json:"contentHash,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	RecordedAt   time.Time `json:"recordedAt"`
}

// Repository wraps the Postgres connection behind mirror-specific operations.
type Repository struct {
	db     *gorm.DB
	logger cmtlog.Logger
}

func NewRepository(logger cmtlog.Logger) *Repository {
	return &Repository{
		logger: logger,
	}
}

// ConnectDB dials Postgres, retrying while the database container comes up.
func (r *Repository) ConnectDB(dsn string) error {
	var lastErr error
	for i := range 10 {
		db, err := gorm.Open(postgres.Open(dsn))
		if err == nil {
			r.db = db
			r.logger.Info("Connected to Postgres")
			return nil
		}
		lastErr = err
		r.logger.Info("Postgres connection attempt failed", "attempt", i+1, "error", err.Error())
		time.Sleep(2 * time.Second)
	}
	return fmt.Errorf("connecting to postgres: %w", lastErr)
}

// Migrate creates or updates the mirror tables.
func (r *Repository) Migrate() error {
	err := r.db.AutoMigrate(
		&models.Document{},
		&models.Transition{},
	)
	if err != nil {
		return fmt.Errorf("migrating mirror tables: %w", err)
	}
	r.logger.Info("Database migration completed successfully")
	return nil
}

// RecordTransition appends one accepted transition to the audit log and
// refreshes the latest-state row for its GDTI, in a single database
// transaction. Replaying an already recorded transaction hash is a no-op.
func (r *Repository) RecordTransition(entry TransitionEntry) *RepositoryError {
	if r.db == nil {
		return &RepositoryError{
			Code:    ErrCodeNotConnected,
			Message: "Mirror database is not connected",
		}
	}

	transition := models.Transition{
		TxHash:       entry.TxHash,
		GdtiNumber:   entry.GdtiNumber,
		Operation:    entry.Operation,
		Version:      entry.Version,
		BlockHeight:  entry.BlockHeight,
		Actor:        entry.Actor,
		DocumentType: entry.DocumentType,
		ContentHash:  entry.ContentHash,
		Reason:       entry.Reason,
		RecordedAt:   entry.RecordedAt,
	}

	dbTx := r.db.Begin()

	err := dbTx.Clauses(clause.OnConflict{DoNothing: true}).Create(&transition).Error
	if err != nil {
		dbTx.Rollback()
		return pgError(err)
	}

	document := models.Document{
		GdtiNumber:   entry.GdtiNumber,
		DocumentType: entry.DocumentType,
		ContentHash:  entry.ContentHash,
		Version:      entry.Version,
		IsDeleted:    entry.Operation == ledger.OpDelete,
		LatestTxHash: entry.TxHash,
		UpdatedAt:    entry.RecordedAt,
	}
	err = dbTx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "gdti_number"}},
		DoUpdates: clause.AssignmentColumns(documentAssignments(entry)),
	}).Create(&document).Error
	if err != nil {
		dbTx.Rollback()
		return pgError(err)
	}

	err = dbTx.Commit().Error
	if err != nil {
		return &RepositoryError{
			Code:    ErrCodeDatabase,
			Message: "Failed to commit transaction",
			Detail:  err.Error(),
		}
	}

	return nil
}

// ListTransitions returns the audit log of one GDTI, oldest first. A GDTI
// with no recorded transitions is an ENTITY_NOT_FOUND.
func (r *Repository) ListTransitions(gdtiNumber string) ([]TransitionEntry, *RepositoryError) {
	if r.db == nil {
		return nil, &RepositoryError{
			Code:    ErrCodeNotConnected,
			Message: "Mirror database is not connected",
		}
	}

	var transitions []models.Transition
	err := r.db.
		Where("gdti_number = ?", gdtiNumber).
		Order("block_height asc, version asc").
		Find(&transitions).Error
	if err != nil {
		return nil, pgError(err)
	}

	if len(transitions) == 0 {
		return nil, &RepositoryError{
			Code:    ErrCodeEntityNotFound,
			Message: "Document does not exist",
			Detail:  fmt.Sprintf("No transitions recorded for GDTI %s", gdtiNumber),
		}
	}

	entries := make([]TransitionEntry, 0, len(transitions))
	for _, t := range transitions {
		entries = append(entries, TransitionEntry{
			TxHash:       t.TxHash,
			GdtiNumber:   t.GdtiNumber,
			Operation:    t.Operation,
			Version:      t.Version,
			BlockHeight:  t.BlockHeight,
			Actor:        t.Actor,
			DocumentType: t.DocumentType,
			ContentHash:  t.ContentHash,
			Reason:       t.Reason,
			RecordedAt:   t.RecordedAt,
		})
	}
	return entries, nil
}

// documentAssignments lists the Document columns a transition refreshes when
// its GDTI row already exists. A delete carries no content attributes, so it
// must not blank the mirrored document_type and content_hash.
func documentAssignments(entry TransitionEntry) []string {
	cols := []string{"version", "is_deleted", "latest_tx_hash", "updated_at"}
	if entry.DocumentType != "" {
		cols = append(cols, "document_type")
	}
	if entry.ContentHash != "" {
		cols = append(cols, "content_hash")
	}
	return cols
}

// pgError keeps the Postgres error code when one is available.
func pgError(err error) *RepositoryError {
	pgErr, isPgError := err.(*pgconn.PgError)
	if isPgError {
		return &RepositoryError{
			Code:    string(pgErr.Code),
			Message: pgErr.Message,
			Detail:  pgErr.Detail,
		}
	}
	return &RepositoryError{
		Code:    ErrCodeDatabase,
		Message: "Database error occured",
		Detail:  err.Error(),
	}
}
