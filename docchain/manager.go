// Package docchain owns the per-GDTI version chain: one create, any number of
// linked updates, one terminal delete. It validates requests locally, computes
// content fingerprints, and drives the ledger client through the
// estimate-then-submit protocol. Correctness under concurrent writers is
// delegated to the ledger's serialized execution, the manager never locks per
// GDTI and never retries a conflicting transition.
package docchain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/docledger/gdti/fingerprint"
	"github.com/docledger/gdti/ledger"

	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/google/uuid"
)

// DefaultCostMargin is the additive headroom over a point-in-time cost
// estimate, the original deployment's buffer. Estimates drift between
// estimation and execution, so submissions budget estimate plus margin.
const DefaultCostMargin uint64 = 50000

// ErrMissingContent is returned when an update carries no new content. Updates
// without content are disallowed, there is no other change the operation is
// defined to carry.
var ErrMissingContent = errors.New("new document content is required")

// ValidationError reports a missing or malformed request field, detected
// before any ledger interaction.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid request: %s %s", e.Field, e.Reason)
}

// Ledger is the transition surface the manager drives. Satisfied by
// ledger.Client.
type Ledger interface {
	EstimateCost(ctx context.Context, t *ledger.Transition) (uint64, error)
	Submit(ctx context.Context, t *ledger.Transition, budget uint64) (*ledger.Confirmation, error)
	Read(ctx context.Context, gdtiNumber string) (*ledger.DocumentRecord, error)
}

// ContentSource describes the uploaded document as the core sees it: a byte
// stream plus the three provenance attributes. Storage semantics stay outside.
type ContentSource struct {
	Reader       io.Reader
	OriginalName string
	Size         int64
	MimeType     string
}

// provenance is the metadata blob generated at creation, immutable afterwards.
type provenance struct {
	OriginalFileName string `json:"original_file_name"`
	FileSize         int64  `json:"file_size"`
	MimeType         string `json:"mime_type"`
	UploadTimestamp  int64  `json:"upload_timestamp"`
}

// CreateRequest carries the parameters of a CREATE transition.
type CreateRequest struct {
	GdtiNumber     string
	DocumentType   string
	MemberID       string
	Content        *ContentSource
	ActingIdentity string
}

// UpdateRequest carries the parameters of an UPDATE transition. The
// PreviousVersionHash is the optimistic-concurrency token: the transaction
// hash of the transition the caller believes is current.
type UpdateRequest struct {
	GdtiNumber          string
	DocumentType        string
	MemberID            string
	UpdatedBy           string
	Content             *ContentSource
	PreviousVersionHash string
	ActingIdentity      string
}

// DeleteRequest carries the parameters of the terminal DELETE transition.
type DeleteRequest struct {
	GdtiNumber          string
	DeletedBy           string
	DeletionReason      string
	PreviousVersionHash string
	ActingIdentity      string
}

// TransitionResult is the caller-facing outcome of an accepted transition.
type TransitionResult struct {
	GdtiNumber  string
	Version     uint64
	ContentHash string
	TxHash      string
	Height      int64
}

// Manager orchestrates create/update/delete transitions for document version
// chains.
type Manager struct {
	ledger     Ledger
	costMargin uint64
	logger     cmtlog.Logger
	now        func() time.Time
}

// NewManager creates a manager. A costMargin of 0 selects DefaultCostMargin.
func NewManager(l Ledger, costMargin uint64, logger cmtlog.Logger) *Manager {
	if costMargin == 0 {
		costMargin = DefaultCostMargin
	}
	return &Manager{
		ledger:     l,
		costMargin: costMargin,
		logger:     logger,
		now:        time.Now,
	}
}

// Create records version 1 of a new document chain. The ledger enforces GDTI
// uniqueness; a pre-existing record (deleted or not) surfaces as a conflict
// during estimation.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*TransitionResult, error) {
	if req.GdtiNumber == "" {
		return nil, &ValidationError{Field: "gdtiNumber", Reason: "is required"}
	}
	if req.DocumentType == "" {
		return nil, &ValidationError{Field: "documentType", Reason: "is required"}
	}
	if req.MemberID == "" {
		return nil, &ValidationError{Field: "memberId", Reason: "is required"}
	}
	if req.Content == nil || req.Content.Reader == nil {
		return nil, &ValidationError{Field: "document", Reason: "file is required"}
	}

	contentHash, err := fingerprint.Compute(req.Content.Reader)
	if err != nil {
		return nil, err
	}

	metadata, err := json.Marshal(provenance{
		OriginalFileName: req.Content.OriginalName,
		FileSize:         req.Content.Size,
		MimeType:         req.Content.MimeType,
		UploadTimestamp:  m.now().UnixMilli(),
	})
	if err != nil {
		return nil, fmt.Errorf("encoding metadata: %w", err)
	}

	transition := &ledger.Transition{
		Operation:      ledger.OpCreate,
		GdtiNumber:     req.GdtiNumber,
		DocumentType:   req.DocumentType,
		ContentHash:    contentHash,
		MemberID:       req.MemberID,
		Metadata:       string(metadata),
		ActingIdentity: req.ActingIdentity,
		RequestID:      uuid.NewString(),
	}

	confirmation, err := m.estimateAndSubmit(ctx, transition)
	if err != nil {
		return nil, err
	}

	return &TransitionResult{
		GdtiNumber:  req.GdtiNumber,
		Version:     confirmation.Version,
		ContentHash: contentHash,
		TxHash:      confirmation.TxHash,
		Height:      confirmation.Height,
	}, nil
}

// Update advances an active chain by one version. The new content is
// mandatory, and the presented token must match the ledger's latest accepted
// transition or the ledger answers with a conflict.
func (m *Manager) Update(ctx context.Context, req UpdateRequest) (*TransitionResult, error) {
	if req.GdtiNumber == "" {
		return nil, &ValidationError{Field: "gdtiNumber", Reason: "is required"}
	}
	if req.DocumentType == "" {
		return nil, &ValidationError{Field: "documentType", Reason: "is required"}
	}
	if req.MemberID == "" {
		return nil, &ValidationError{Field: "memberId", Reason: "is required"}
	}
	if req.PreviousVersionHash == "" {
		return nil, &ValidationError{Field: "previousVersionHash", Reason: "is required"}
	}
	if req.Content == nil || req.Content.Reader == nil {
		return nil, ErrMissingContent
	}

	contentHash, err := fingerprint.Compute(req.Content.Reader)
	if err != nil {
		return nil, err
	}

	transition := &ledger.Transition{
		Operation:           ledger.OpUpdate,
		GdtiNumber:          req.GdtiNumber,
		DocumentType:        req.DocumentType,
		ContentHash:         contentHash,
		MemberID:            req.MemberID,
		PreviousVersionHash: req.PreviousVersionHash,
		UpdatedBy:           req.UpdatedBy,
		ActingIdentity:      req.ActingIdentity,
		RequestID:           uuid.NewString(),
	}

	confirmation, err := m.estimateAndSubmit(ctx, transition)
	if err != nil {
		return nil, err
	}

	return &TransitionResult{
		GdtiNumber:  req.GdtiNumber,
		Version:     confirmation.Version,
		ContentHash: contentHash,
		TxHash:      confirmation.TxHash,
		Height:      confirmation.Height,
	}, nil
}

// Delete terminates a chain. Deletion is one-time: a second delete on the same
// GDTI is a conflict, never a silent success.
func (m *Manager) Delete(ctx context.Context, req DeleteRequest) (*TransitionResult, error) {
	if req.GdtiNumber == "" {
		return nil, &ValidationError{Field: "gdtiNumber", Reason: "is required"}
	}
	if req.DeletedBy == "" {
		return nil, &ValidationError{Field: "deletedBy", Reason: "is required"}
	}
	if req.DeletionReason == "" {
		return nil, &ValidationError{Field: "deletionReason", Reason: "is required"}
	}
	if req.PreviousVersionHash == "" {
		return nil, &ValidationError{Field: "previousVersionHash", Reason: "is required"}
	}

	transition := &ledger.Transition{
		Operation:           ledger.OpDelete,
		GdtiNumber:          req.GdtiNumber,
		DeletedBy:           req.DeletedBy,
		DeletionReason:      req.DeletionReason,
		PreviousVersionHash: req.PreviousVersionHash,
		ActingIdentity:      req.ActingIdentity,
		RequestID:           uuid.NewString(),
	}

	confirmation, err := m.estimateAndSubmit(ctx, transition)
	if err != nil {
		return nil, err
	}

	return &TransitionResult{
		GdtiNumber: req.GdtiNumber,
		Version:    confirmation.Version,
		TxHash:     confirmation.TxHash,
		Height:     confirmation.Height,
	}, nil
}

// estimateAndSubmit runs the two-step ledger protocol: price the transition
// against current state, then submit with the estimate plus the configured
// margin. Whatever outcome the ledger returns is passed through unchanged.
func (m *Manager) estimateAndSubmit(ctx context.Context, t *ledger.Transition) (*ledger.Confirmation, error) {
	estimate, err := m.ledger.EstimateCost(ctx, t)
	if err != nil {
		return nil, m.translateEstimateFailure(t, err)
	}

	confirmation, err := m.ledger.Submit(ctx, t, estimate+m.costMargin)
	if err != nil {
		return nil, err
	}
	return confirmation, nil
}

// translateEstimateFailure surfaces pre-flight rule violations in the conflict
// category, keeping the ledger's reason text. Everything else stays a
// CostEstimationFailure.
func (m *Manager) translateEstimateFailure(t *ledger.Transition, err error) error {
	var estErr *ledger.CostEstimationError
	if errors.As(err, &estErr) {
		m.logger.Info("Cost estimation rejected transition",
			"operation", t.Operation,
			"gdti", t.GdtiNumber,
			"code", estErr.Code,
			"reason", estErr.Reason,
		)
		if ledger.IsConflictCode(estErr.Code) {
			return &ledger.ConflictError{
				Operation:  t.Operation,
				GdtiNumber: t.GdtiNumber,
				Code:       estErr.Code,
				Reason:     estErr.Reason,
			}
		}
		if estErr.Code == ledger.CodeNotFound {
			return fmt.Errorf("%s %q: %s: %w", t.Operation, t.GdtiNumber, estErr.Reason, ledger.ErrNotFound)
		}
	}
	return err
}
