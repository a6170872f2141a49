package repository

import (
	"testing"
	"time"

	"github.com/docledger/gdti/ledger"

	"github.com/stretchr/testify/assert"
)

func TestDocumentAssignmentsRefreshContentColumns(t *testing.T) {
	entry := TransitionEntry{
		TxHash:       "tx-2",
		GdtiNumber:   "GDTI-1",
		Operation:    ledger.OpUpdate,
		Version:      2,
		DocumentType: "certificate",
		ContentHash:  "cccc3333",
		RecordedAt:   time.Now(),
	}

	cols := documentAssignments(entry)
	assert.Contains(t, cols, "version")
	assert.Contains(t, cols, "is_deleted")
	assert.Contains(t, cols, "latest_tx_hash")
	assert.Contains(t, cols, "updated_at")
	assert.Contains(t, cols, "document_type")
	assert.Contains(t, cols, "content_hash")
}

// A delete transition carries no content attributes; the mirrored document
// must keep the document_type and content_hash of the last content-bearing
// transition, the same way the ledger record does.
func TestDocumentAssignmentsPreserveContentOnDelete(t *testing.T) {
	entry := TransitionEntry{
		TxHash:     "tx-3",
		GdtiNumber: "GDTI-1",
		Operation:  ledger.OpDelete,
		Version:    2,
		Actor:      "admin-1",
		Reason:     "superseded",
		RecordedAt: time.Now(),
	}

	cols := documentAssignments(entry)
	assert.NotContains(t, cols, "document_type")
	assert.NotContains(t, cols, "content_hash")
	assert.Contains(t, cols, "version")
	assert.Contains(t, cols, "is_deleted")
	assert.Contains(t, cols, "latest_tx_hash")
	assert.Contains(t, cols, "updated_at")
}
