package docchain

import (
	"context"
	"encoding/json"

	"github.com/docledger/gdti/ledger"
)

// DocumentView is the normalized caller-facing projection of a document
// record: numeric fields as numbers, timestamps as epoch milliseconds,
// metadata parsed back into structured form. A deleted record yields a fully
// populated view with IsDeleted set, distinct from NotFound.
type DocumentView struct {
	GdtiNumber          string         `json:"gdtiNumber"`
	DocumentType        string         `json:"documentType"`
	ContentHash         string         `json:"contentHash"`
	MemberID            string         `json:"memberId"`
	CreatedAt           int64          `json:"createdAt"`
	UpdatedAt           int64          `json:"updatedAt"`
	Version             uint64         `json:"version"`
	Metadata            map[string]any `json:"metadata"`
	IsDeleted           bool           `json:"isDeleted"`
	PreviousVersionHash string         `json:"previousVersionHash"`
	LatestTxHash        string         `json:"latestTxHash"`
	UpdatedBy           string         `json:"updatedBy"`
	DeletedBy           string         `json:"deletedBy"`
	DeletionReason      string         `json:"deletionReason"`
}

// Reader is the read-only ledger surface the view builder needs.
type Reader interface {
	Read(ctx context.Context, gdtiNumber string) (*ledger.DocumentRecord, error)
}

// ViewBuilder reconstructs the current authoritative projection of a GDTI
// from ledger state. Reads have no side effects and always reflect the latest
// confirmed transition.
type ViewBuilder struct {
	reader Reader
}

// NewViewBuilder creates a view builder over a ledger reader.
func NewViewBuilder(reader Reader) *ViewBuilder {
	return &ViewBuilder{reader: reader}
}

// Get fetches the record for a GDTI and normalizes it. Propagates
// ledger.ErrNotFound when the identifier has never been written.
func (b *ViewBuilder) Get(ctx context.Context, gdtiNumber string) (*DocumentView, error) {
	record, err := b.reader.Read(ctx, gdtiNumber)
	if err != nil {
		return nil, err
	}
	return BuildView(record), nil
}

// BuildView converts a ledger record into the normalized projection. Metadata
// that is blank or not valid JSON yields a nil map rather than an error, the
// blob is opaque provenance, not load-bearing state.
func BuildView(record *ledger.DocumentRecord) *DocumentView {
	var metadata map[string]any
	if record.Metadata != "" {
		if err := json.Unmarshal([]byte(record.Metadata), &metadata); err != nil {
			metadata = nil
		}
	}

	return &DocumentView{
		GdtiNumber:          record.GdtiNumber,
		DocumentType:        record.DocumentType,
		ContentHash:         record.ContentHash,
		MemberID:            record.MemberID,
		CreatedAt:           record.CreatedAt,
		UpdatedAt:           record.UpdatedAt,
		Version:             record.Version,
		Metadata:            metadata,
		IsDeleted:           record.IsDeleted,
		PreviousVersionHash: record.PreviousVersionHash,
		LatestTxHash:        record.LatestTxHash,
		UpdatedBy:           record.UpdatedBy,
		DeletedBy:           record.DeletedBy,
		DeletionReason:      record.DeletionReason,
	}
}
