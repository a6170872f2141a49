package docchain

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/docledger/gdti/ledger"

	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sha256 of "hello"
const helloHash = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"

type fakeLedger struct {
	estimate     uint64
	estimateErr  error
	confirmation *ledger.Confirmation
	submitErr    error
	record       *ledger.DocumentRecord
	readErr      error

	submitted       *ledger.Transition
	submittedBudget uint64
}

func (f *fakeLedger) EstimateCost(_ context.Context, t *ledger.Transition) (uint64, error) {
	if f.estimateErr != nil {
		return 0, f.estimateErr
	}
	return f.estimate, nil
}

func (f *fakeLedger) Submit(_ context.Context, t *ledger.Transition, budget uint64) (*ledger.Confirmation, error) {
	f.submitted = t
	f.submittedBudget = budget
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	return f.confirmation, nil
}

func (f *fakeLedger) Read(_ context.Context, gdtiNumber string) (*ledger.DocumentRecord, error) {
	if f.readErr != nil {
		return nil, f.readErr
	}
	return f.record, nil
}

func newTestManager(l Ledger) *Manager {
	m := NewManager(l, 0, cmtlog.NewNopLogger())
	m.now = func() time.Time { return time.UnixMilli(1700000000000) }
	return m
}

func contentOf(s string) *ContentSource {
	return &ContentSource{
		Reader:       strings.NewReader(s),
		OriginalName: "cert.pdf",
		Size:         int64(len(s)),
		MimeType:     "application/pdf",
	}
}

func TestCreateSubmitsFingerprintedTransition(t *testing.T) {
	fake := &fakeLedger{
		estimate:     100,
		confirmation: &ledger.Confirmation{TxHash: "abc123", Height: 7, Version: 1, Cost: 120},
	}
	m := newTestManager(fake)

	result, err := m.Create(context.Background(), CreateRequest{
		GdtiNumber:     "GDTI-1",
		DocumentType:   "certificate",
		MemberID:       "member-001",
		Content:        contentOf("hello"),
		ActingIdentity: "member-001",
	})
	require.NoError(t, err)

	assert.Equal(t, "GDTI-1", result.GdtiNumber)
	assert.Equal(t, uint64(1), result.Version)
	assert.Equal(t, helloHash, result.ContentHash)
	assert.Equal(t, "abc123", result.TxHash)
	assert.Equal(t, int64(7), result.Height)

	require.NotNil(t, fake.submitted)
	assert.Equal(t, ledger.OpCreate, fake.submitted.Operation)
	assert.Equal(t, helloHash, fake.submitted.ContentHash)
	assert.NotEmpty(t, fake.submitted.RequestID)
	assert.Equal(t, uint64(100)+DefaultCostMargin, fake.submittedBudget)

	var meta map[string]any
	require.NoError(t, json.Unmarshal([]byte(fake.submitted.Metadata), &meta))
	assert.Equal(t, "cert.pdf", meta["original_file_name"])
	assert.Equal(t, float64(5), meta["file_size"])
	assert.Equal(t, "application/pdf", meta["mime_type"])
	assert.Equal(t, float64(1700000000000), meta["upload_timestamp"])
}

func TestCreateValidatesRequiredFields(t *testing.T) {
	m := newTestManager(&fakeLedger{})

	cases := []struct {
		name  string
		req   CreateRequest
		field string
	}{
		{"missing gdti", CreateRequest{DocumentType: "t", MemberID: "m", Content: contentOf("x")}, "gdtiNumber"},
		{"missing type", CreateRequest{GdtiNumber: "G", MemberID: "m", Content: contentOf("x")}, "documentType"},
		{"missing member", CreateRequest{GdtiNumber: "G", DocumentType: "t", Content: contentOf("x")}, "memberId"},
		{"missing content", CreateRequest{GdtiNumber: "G", DocumentType: "t", MemberID: "m"}, "document"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := m.Create(context.Background(), tc.req)
			var validationErr *ValidationError
			require.ErrorAs(t, err, &validationErr)
			assert.Equal(t, tc.field, validationErr.Field)
		})
	}
}

func TestUpdateRequiresContent(t *testing.T) {
	m := newTestManager(&fakeLedger{})

	_, err := m.Update(context.Background(), UpdateRequest{
		GdtiNumber:          "GDTI-1",
		DocumentType:        "certificate",
		MemberID:            "member-001",
		PreviousVersionHash: "tok",
	})
	require.ErrorIs(t, err, ErrMissingContent)
}

func TestUpdateRequiresToken(t *testing.T) {
	m := newTestManager(&fakeLedger{})

	_, err := m.Update(context.Background(), UpdateRequest{
		GdtiNumber:   "GDTI-1",
		DocumentType: "certificate",
		MemberID:     "member-001",
		Content:      contentOf("v2"),
	})
	var validationErr *ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, "previousVersionHash", validationErr.Field)
}

func TestUpdateCarriesTokenThrough(t *testing.T) {
	fake := &fakeLedger{
		estimate:     200,
		confirmation: &ledger.Confirmation{TxHash: "def456", Height: 9, Version: 2},
	}
	m := newTestManager(fake)

	result, err := m.Update(context.Background(), UpdateRequest{
		GdtiNumber:          "GDTI-1",
		DocumentType:        "certificate",
		MemberID:            "member-001",
		UpdatedBy:           "auditor-7",
		Content:             contentOf("hello"),
		PreviousVersionHash: "token-1",
	})
	require.NoError(t, err)

	assert.Equal(t, uint64(2), result.Version)
	assert.Equal(t, ledger.OpUpdate, fake.submitted.Operation)
	assert.Equal(t, "token-1", fake.submitted.PreviousVersionHash)
	assert.Equal(t, "auditor-7", fake.submitted.UpdatedBy)
	assert.Empty(t, fake.submitted.Metadata)
}

func TestDeleteValidatesAndSubmits(t *testing.T) {
	fake := &fakeLedger{
		estimate:     50,
		confirmation: &ledger.Confirmation{TxHash: "ghi789", Height: 11, Version: 3},
	}
	m := newTestManager(fake)

	_, err := m.Delete(context.Background(), DeleteRequest{
		GdtiNumber:          "GDTI-1",
		DeletedBy:           "admin-1",
		PreviousVersionHash: "token-2",
	})
	var validationErr *ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, "deletionReason", validationErr.Field)

	result, err := m.Delete(context.Background(), DeleteRequest{
		GdtiNumber:          "GDTI-1",
		DeletedBy:           "admin-1",
		DeletionReason:      "superseded",
		PreviousVersionHash: "token-2",
	})
	require.NoError(t, err)

	assert.Equal(t, "ghi789", result.TxHash)
	assert.Equal(t, ledger.OpDelete, fake.submitted.Operation)
	assert.Equal(t, "superseded", fake.submitted.DeletionReason)
	assert.Equal(t, uint64(50)+DefaultCostMargin, fake.submittedBudget)
}

func TestEstimateConflictSurfacesAsConflict(t *testing.T) {
	fake := &fakeLedger{
		estimateErr: &ledger.CostEstimationError{
			Operation:  ledger.OpCreate,
			GdtiNumber: "GDTI-1",
			Code:       ledger.CodeDuplicate,
			Reason:     "GDTI GDTI-1 already exists",
		},
	}
	m := newTestManager(fake)

	_, err := m.Create(context.Background(), CreateRequest{
		GdtiNumber:   "GDTI-1",
		DocumentType: "certificate",
		MemberID:     "member-001",
		Content:      contentOf("hello"),
	})

	var conflictErr *ledger.ConflictError
	require.ErrorAs(t, err, &conflictErr)
	assert.Equal(t, ledger.CodeDuplicate, conflictErr.Code)
	assert.Contains(t, conflictErr.Reason, "already exists")
	assert.Nil(t, fake.submitted, "a failed estimate must not be submitted")
}

func TestEstimateNotFoundSurfacesAsNotFound(t *testing.T) {
	fake := &fakeLedger{
		estimateErr: &ledger.CostEstimationError{
			Operation:  ledger.OpUpdate,
			GdtiNumber: "GDTI-X",
			Code:       ledger.CodeNotFound,
			Reason:     "No document recorded for GDTI GDTI-X",
		},
	}
	m := newTestManager(fake)

	_, err := m.Update(context.Background(), UpdateRequest{
		GdtiNumber:          "GDTI-X",
		DocumentType:        "certificate",
		MemberID:            "member-001",
		Content:             contentOf("hello"),
		PreviousVersionHash: "tok",
	})
	require.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestOtherEstimateFailuresPassThrough(t *testing.T) {
	fake := &fakeLedger{
		estimateErr: &ledger.CostEstimationError{
			Code:   ledger.CodeInvalidFormat,
			Reason: "bad payload",
		},
	}
	m := newTestManager(fake)

	_, err := m.Create(context.Background(), CreateRequest{
		GdtiNumber:   "GDTI-1",
		DocumentType: "certificate",
		MemberID:     "member-001",
		Content:      contentOf("hello"),
	})

	var estErr *ledger.CostEstimationError
	require.ErrorAs(t, err, &estErr)
	assert.Equal(t, ledger.CodeInvalidFormat, estErr.Code)
}

func TestSubmitFailurePassesThrough(t *testing.T) {
	submitErr := &ledger.ConflictError{Code: ledger.CodeTokenMismatch, Reason: "stale"}
	fake := &fakeLedger{estimate: 10, submitErr: submitErr}
	m := newTestManager(fake)

	_, err := m.Update(context.Background(), UpdateRequest{
		GdtiNumber:          "GDTI-1",
		DocumentType:        "certificate",
		MemberID:            "member-001",
		Content:             contentOf("hello"),
		PreviousVersionHash: "tok",
	})

	var conflictErr *ledger.ConflictError
	require.ErrorAs(t, err, &conflictErr)
	assert.Equal(t, ledger.CodeTokenMismatch, conflictErr.Code)
}

func TestTransportErrorIsNotRetried(t *testing.T) {
	cause := errors.New("connection refused")
	fake := &fakeLedger{estimateErr: &ledger.TransportError{Err: cause}}
	m := newTestManager(fake)

	_, err := m.Create(context.Background(), CreateRequest{
		GdtiNumber:   "GDTI-1",
		DocumentType: "certificate",
		MemberID:     "member-001",
		Content:      contentOf("hello"),
	})

	var transportErr *ledger.TransportError
	require.ErrorAs(t, err, &transportErr)
	require.ErrorIs(t, err, cause)
	assert.Nil(t, fake.submitted)
}

func TestCustomCostMargin(t *testing.T) {
	fake := &fakeLedger{
		estimate:     1000,
		confirmation: &ledger.Confirmation{TxHash: "x", Version: 1},
	}
	m := NewManager(fake, 7, cmtlog.NewNopLogger())

	_, err := m.Create(context.Background(), CreateRequest{
		GdtiNumber:   "GDTI-1",
		DocumentType: "certificate",
		MemberID:     "member-001",
		Content:      contentOf("hello"),
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1007), fake.submittedBudget)
}
