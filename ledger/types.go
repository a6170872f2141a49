package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Operation names accepted by the DocumentStore application.
const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

// Result codes returned by the DocumentStore application. Code 0 is success,
// everything else identifies the rule the transition violated.
const (
	CodeOK             uint32 = 0
	CodeInvalidFormat  uint32 = 1
	CodeDuplicate      uint32 = 2
	CodeNotFound       uint32 = 3
	CodeTokenMismatch  uint32 = 4
	CodeDeleted        uint32 = 5
	CodeBudgetExceeded uint32 = 6
	CodeStorageError   uint32 = 7
)

// EventTypeTx is the event type emitted for every accepted transition.
const EventTypeTx = "gdti_tx"

// Transition is the transaction payload submitted to the ledger. Field order
// matches the DocumentStore record shape and must stay stable, the transaction
// hash is computed over these serialized bytes.
type Transition struct {
	Operation           string `json:"operation"`
	GdtiNumber          string `json:"gdti_number"`
	DocumentType        string `json:"document_type,omitempty"`
	ContentHash         string `json:"content_hash,omitempty"`
	MemberID            string `json:"member_id,omitempty"`
	Metadata            string `json:"metadata,omitempty"`
	PreviousVersionHash string `json:"previous_version_hash,omitempty"`
	UpdatedBy           string `json:"updated_by,omitempty"`
	DeletedBy           string `json:"deleted_by,omitempty"`
	DeletionReason      string `json:"deletion_reason,omitempty"`
	ActingIdentity      string `json:"acting_identity"`
	CostBudget          uint64 `json:"cost_budget,omitempty"`
	RequestID           string `json:"request_id"`
}

// SerializeToBytes converts the transition to the byte form broadcast to the ledger.
func (t *Transition) SerializeToBytes() ([]byte, error) {
	return json.Marshal(t)
}

// DocumentRecord is the ledger-held state for one GDTI. Timestamps are epoch
// milliseconds assigned from block time, never client-supplied.
type DocumentRecord struct {
	GdtiNumber          string `json:"gdti_number"`
	DocumentType        string `json:"document_type"`
	ContentHash         string `json:"content_hash"`
	MemberID            string `json:"member_id"`
	CreatedAt           int64  `json:"created_at"`
	UpdatedAt           int64  `json:"updated_at"`
	Version             uint64 `json:"version"`
	Metadata            string `json:"metadata"`
	IsDeleted           bool   `json:"is_deleted"`
	PreviousVersionHash string `json:"previous_version_hash"`
	LatestTxHash        string `json:"latest_tx_hash"`
	UpdatedBy           string `json:"updated_by"`
	DeletedBy           string `json:"deleted_by"`
	DeletionReason      string `json:"deletion_reason"`
}

// Confirmation is the decoded result of an accepted transition.
type Confirmation struct {
	TxHash  string
	Height  int64
	Version uint64
	Cost    uint64
}

// ErrNotFound is returned by Read when the ledger holds no record for the identifier.
var ErrNotFound = errors.New("document not found")

// ConflictError reports a transition the ledger rejected because another
// transition got there first: duplicate create, stale version token, or a
// mutation of a deleted record. Conflicts are expected outcomes and are never
// retried by this package.
type ConflictError struct {
	Operation  string
	GdtiNumber string
	Code       uint32
	Reason     string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s %q: %s", e.Operation, e.GdtiNumber, e.Reason)
}

// CostEstimationError reports a pre-flight rejection during cost estimation.
// The ledger runs the same rule checks it would apply at execution, so this is
// the cheap detection path for business-rule violations.
type CostEstimationError struct {
	Operation  string
	GdtiNumber string
	Code       uint32
	Reason     string
}

func (e *CostEstimationError) Error() string {
	return fmt.Sprintf("cost estimation failed for %s %q: %s", e.Operation, e.GdtiNumber, e.Reason)
}

// SubmissionError reports a transition that was accepted for execution and then
// failed. Retrying it is futile, the same transition will fail again.
type SubmissionError struct {
	Operation  string
	GdtiNumber string
	Code       uint32
	Reason     string
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("submission failed for %s %q (code %d): %s", e.Operation, e.GdtiNumber, e.Code, e.Reason)
}

// TransportError reports that the ledger could not be reached at all. This is
// the one category where a caller retry is sound.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return "ledger unreachable: " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsConflictCode reports whether a DocumentStore result code maps to the
// conflict category of the failure taxonomy.
func IsConflictCode(code uint32) bool {
	switch code {
	case CodeDuplicate, CodeTokenMismatch, CodeDeleted:
		return true
	}
	return false
}
