package app

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/docledger/gdti/ledger"

	abcitypes "github.com/cometbft/cometbft/abci/types"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/dgraph-io/badger/v4"
)

// Badger key layout.
const (
	docKeyPrefix        = "doc:"
	keyLastBlockHeight  = "last_block_height"
	keyLastBlockAppHash = "last_block_app_hash"
)

// CostSchedule prices transitions. Cost is base(operation) plus PerByte times
// the serialized transaction length, so estimates drift slightly once the
// budget field is added to the payload. Callers absorb that with a margin.
type CostSchedule struct {
	CreateBase uint64
	UpdateBase uint64
	DeleteBase uint64
	PerByte    uint64
}

// DefaultCostSchedule mirrors the gas orders of magnitude the system was tuned
// against: creates are priced highest, deletes lowest.
func DefaultCostSchedule() CostSchedule {
	return CostSchedule{
		CreateBase: 90000,
		UpdateBase: 60000,
		DeleteBase: 40000,
		PerByte:    10,
	}
}

func (cs CostSchedule) price(operation string, txLen int) uint64 {
	base := uint64(0)
	switch operation {
	case ledger.OpCreate:
		base = cs.CreateBase
	case ledger.OpUpdate:
		base = cs.UpdateBase
	case ledger.OpDelete:
		base = cs.DeleteBase
	}
	return base + cs.PerByte*uint64(txLen)
}

// AppConfig contains configuration for the application
type AppConfig struct {
	NodeID    string
	Costs     CostSchedule
	LogAllTxs bool // Whether to log all transitions, even failed ones
}

// Application implements the ABCI interface for the DocumentStore ledger. It
// is the authoritative enforcement point for the version-chain rules: GDTI
// uniqueness, strict version increments, token matching, and terminal deletes.
type Application struct {
	badgerDB     *badger.DB
	onGoingBlock *badger.Txn
	nodeID       string
	mu           sync.Mutex
	config       *AppConfig
	logger       cmtlog.Logger
}

// NewABCIApplication creates a new DocumentStore application
func NewABCIApplication(badgerDB *badger.DB, config *AppConfig, logger cmtlog.Logger) *Application {
	if config.Costs == (CostSchedule{}) {
		config.Costs = DefaultCostSchedule()
	}
	return &Application{
		badgerDB: badgerDB,
		nodeID:   config.NodeID,
		config:   config,
		logger:   logger,
	}
}

func (app *Application) SetNodeID(id string) {
	app.nodeID = id
}

// Info implements the ABCI Info method
func (app *Application) Info(_ context.Context, info *abcitypes.InfoRequest) (*abcitypes.InfoResponse, error) {
	lastBlockHeight := int64(0)
	var lastBlockAppHash []byte

	err := app.badgerDB.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyLastBlockHeight))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}

		err = item.Value(func(val []byte) error {
			lastBlockHeight = bytesToInt64(val)
			return nil
		})
		if err != nil {
			return err
		}

		item, err = txn.Get([]byte(keyLastBlockAppHash))
		if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		if err == nil {
			err = item.Value(func(val []byte) error {
				lastBlockAppHash = append([]byte{}, val...)
				return nil
			})
			if err != nil {
				return err
			}
		}

		return nil
	})

	if err != nil {
		app.logger.Error("Failed to read last block info", "err", err)
	}

	return &abcitypes.InfoResponse{
		LastBlockHeight:  lastBlockHeight,
		LastBlockAppHash: lastBlockAppHash,
	}, nil
}

// Query implements the ABCI Query method. Two query forms are supported:
// "doc:<gdti>" returns the committed record, "estimate:<transition JSON>"
// dry-runs the transition against committed state and prices it.
func (app *Application) Query(_ context.Context, req *abcitypes.QueryRequest) (*abcitypes.QueryResponse, error) {
	if len(req.Data) == 0 {
		return &abcitypes.QueryResponse{
			Code: ledger.CodeInvalidFormat,
			Log:  "Empty query data",
		}, nil
	}

	if bytes.HasPrefix(req.Data, []byte(ledger.QueryPrefixEstimate)) {
		return app.handleEstimate(req.Data[len(ledger.QueryPrefixEstimate):])
	}

	if bytes.HasPrefix(req.Data, []byte(ledger.QueryPrefixDoc)) {
		return app.queryDocument(string(req.Data[len(ledger.QueryPrefixDoc):]))
	}

	return &abcitypes.QueryResponse{
		Code: ledger.CodeInvalidFormat,
		Log:  "Unknown query prefix",
	}, nil
}

// queryDocument looks up the committed record for a GDTI.
func (app *Application) queryDocument(gdtiNumber string) (*abcitypes.QueryResponse, error) {
	var resp abcitypes.QueryResponse
	resp.Key = []byte(gdtiNumber)

	dbErr := app.badgerDB.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(docKeyPrefix + gdtiNumber))
		if err != nil {
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			resp.Code = ledger.CodeNotFound
			resp.Log = fmt.Sprintf("No document recorded for GDTI %s", gdtiNumber)
			return nil
		}

		return item.Value(func(val []byte) error {
			resp.Value = append([]byte{}, val...)
			return nil
		})
	})

	if dbErr != nil {
		return &abcitypes.QueryResponse{
			Code: ledger.CodeStorageError,
			Log:  fmt.Sprintf("Database error: %v", dbErr),
		}, nil
	}

	return &resp, nil
}

// handleEstimate validates a transition against committed state and returns
// its price. This is the pre-flight path: a transition that would be rejected
// at execution is rejected here first, with the same code and reason.
func (app *Application) handleEstimate(txBytes []byte) (*abcitypes.QueryResponse, error) {
	var t ledger.Transition
	if err := json.Unmarshal(txBytes, &t); err != nil {
		return &abcitypes.QueryResponse{
			Code: ledger.CodeInvalidFormat,
			Log:  "Failed to parse transition: " + err.Error(),
		}, nil
	}

	var code uint32
	var reason string
	dbErr := app.badgerDB.View(func(txn *badger.Txn) error {
		code, reason = app.validateTransition(txn, &t)
		return nil
	})
	if dbErr != nil {
		return &abcitypes.QueryResponse{
			Code: ledger.CodeStorageError,
			Log:  fmt.Sprintf("Database error: %v", dbErr),
		}, nil
	}
	if code != ledger.CodeOK {
		return &abcitypes.QueryResponse{
			Code: code,
			Log:  reason,
		}, nil
	}

	cost := app.config.Costs.price(t.Operation, len(txBytes))
	value, err := json.Marshal(map[string]uint64{"cost": cost})
	if err != nil {
		return &abcitypes.QueryResponse{
			Code: ledger.CodeStorageError,
			Log:  "Failed to encode estimate: " + err.Error(),
		}, nil
	}

	return &abcitypes.QueryResponse{
		Code:  ledger.CodeOK,
		Value: value,
	}, nil
}

// CheckTx implements the ABCI CheckTx method. Only structural validation runs
// here, the business rules are re-checked against current state at execution
// so that concurrent conflicting transitions are serialized correctly.
func (app *Application) CheckTx(
	_ context.Context,
	check *abcitypes.CheckTxRequest,
) (*abcitypes.CheckTxResponse, error) {
	var t ledger.Transition
	if err := json.Unmarshal(check.Tx, &t); err != nil {
		return &abcitypes.CheckTxResponse{
			Code: ledger.CodeInvalidFormat,
			Log:  "Failed to parse transition: " + err.Error(),
		}, nil
	}

	if code, reason := validateShape(&t); code != ledger.CodeOK {
		return &abcitypes.CheckTxResponse{
			Code: code,
			Log:  reason,
		}, nil
	}

	return &abcitypes.CheckTxResponse{
		Code: ledger.CodeOK,
	}, nil
}

// InitChain implements the ABCI InitChain method
func (app *Application) InitChain(_ context.Context, chain *abcitypes.InitChainRequest) (*abcitypes.InitChainResponse, error) {
	return &abcitypes.InitChainResponse{}, nil
}

// PrepareProposal implements the ABCI PrepareProposal method
func (app *Application) PrepareProposal(_ context.Context, proposal *abcitypes.PrepareProposalRequest) (*abcitypes.PrepareProposalResponse, error) {
	// Include all transactions
	return &abcitypes.PrepareProposalResponse{Txs: proposal.Txs}, nil
}

// ProcessProposal implements the ABCI ProcessProposal method
func (app *Application) ProcessProposal(
	_ context.Context,
	proposal *abcitypes.ProcessProposalRequest,
) (*abcitypes.ProcessProposalResponse, error) {
	for _, txBytes := range proposal.Txs {
		var t ledger.Transition
		if err := json.Unmarshal(txBytes, &t); err != nil {
			return &abcitypes.ProcessProposalResponse{
				Status: abcitypes.PROCESS_PROPOSAL_STATUS_REJECT,
			}, nil
		}
	}
	return &abcitypes.ProcessProposalResponse{
		Status: abcitypes.PROCESS_PROPOSAL_STATUS_ACCEPT,
	}, nil
}

// FinalizeBlock implements the ABCI FinalizeBlock method. Transitions execute
// serially against one write transaction, so two conflicting mutations of the
// same GDTI in one block resolve deterministically: the first wins, the second
// fails with the matching conflict code.
func (app *Application) FinalizeBlock(
	_ context.Context,
	req *abcitypes.FinalizeBlockRequest,
) (*abcitypes.FinalizeBlockResponse, error) {
	var txResults = make([]*abcitypes.ExecTxResult, len(req.Txs))

	app.mu.Lock()
	defer app.mu.Unlock()

	app.onGoingBlock = app.badgerDB.NewTransaction(true)

	for i, txBytes := range req.Txs {
		txResults[i] = app.executeTransition(txBytes, req.Time)
		if app.config.LogAllTxs || txResults[i].Code == ledger.CodeOK {
			app.logger.Info("Executed transition",
				"height", req.Height,
				"code", txResults[i].Code,
				"log", txResults[i].Log,
			)
		}
	}

	appHash := calculateAppHash(txResults)

	err := app.onGoingBlock.Set([]byte(keyLastBlockHeight), int64ToBytes(req.Height))
	if err != nil {
		app.logger.Error("Failed to store block height", "err", err)
	}

	err = app.onGoingBlock.Set([]byte(keyLastBlockAppHash), appHash)
	if err != nil {
		app.logger.Error("Failed to store app hash", "err", err)
	}

	return &abcitypes.FinalizeBlockResponse{
		TxResults: txResults,
		AppHash:   appHash,
	}, err
}

// Commit implements the ABCI Commit method
func (app *Application) Commit(_ context.Context, commit *abcitypes.CommitRequest) (*abcitypes.CommitResponse, error) {
	err := app.onGoingBlock.Commit()
	if err != nil {
		app.logger.Error("Failed to commit block", "err", err)
	}

	return &abcitypes.CommitResponse{}, nil
}

// ListSnapshots implements the ABCI ListSnapshots method
func (app *Application) ListSnapshots(_ context.Context, snapshots *abcitypes.ListSnapshotsRequest) (*abcitypes.ListSnapshotsResponse, error) {
	return &abcitypes.ListSnapshotsResponse{}, nil
}

// OfferSnapshot implements the ABCI OfferSnapshot method
func (app *Application) OfferSnapshot(_ context.Context, snapshot *abcitypes.OfferSnapshotRequest) (*abcitypes.OfferSnapshotResponse, error) {
	return &abcitypes.OfferSnapshotResponse{}, nil
}

// LoadSnapshotChunk implements the ABCI LoadSnapshotChunk method
func (app *Application) LoadSnapshotChunk(_ context.Context, chunk *abcitypes.LoadSnapshotChunkRequest) (*abcitypes.LoadSnapshotChunkResponse, error) {
	return &abcitypes.LoadSnapshotChunkResponse{}, nil
}

// ApplySnapshotChunk implements the ABCI ApplySnapshotChunk method
func (app *Application) ApplySnapshotChunk(_ context.Context, chunk *abcitypes.ApplySnapshotChunkRequest) (*abcitypes.ApplySnapshotChunkResponse, error) {
	return &abcitypes.ApplySnapshotChunkResponse{
		Result: abcitypes.APPLY_SNAPSHOT_CHUNK_RESULT_ACCEPT,
	}, nil
}

// ExtendVote implements the ABCI ExtendVote method
func (app *Application) ExtendVote(_ context.Context, extend *abcitypes.ExtendVoteRequest) (*abcitypes.ExtendVoteResponse, error) {
	return &abcitypes.ExtendVoteResponse{}, nil
}

// VerifyVoteExtension implements the ABCI VerifyVoteExtension method
func (app *Application) VerifyVoteExtension(_ context.Context, verify *abcitypes.VerifyVoteExtensionRequest) (*abcitypes.VerifyVoteExtensionResponse, error) {
	return &abcitypes.VerifyVoteExtensionResponse{}, nil
}

// Helper Functions

// executeTransition applies one transition to the ongoing block transaction.
func (app *Application) executeTransition(txBytes []byte, blockTime time.Time) *abcitypes.ExecTxResult {
	var t ledger.Transition
	if err := json.Unmarshal(txBytes, &t); err != nil {
		return &abcitypes.ExecTxResult{
			Code: ledger.CodeInvalidFormat,
			Log:  "Invalid transition format",
		}
	}

	if code, reason := app.validateTransition(app.onGoingBlock, &t); code != ledger.CodeOK {
		return &abcitypes.ExecTxResult{
			Code: code,
			Log:  reason,
		}
	}

	cost := app.config.Costs.price(t.Operation, len(txBytes))
	if t.CostBudget < cost {
		return &abcitypes.ExecTxResult{
			Code: ledger.CodeBudgetExceeded,
			Log:  fmt.Sprintf("Cost budget %d below execution cost %d", t.CostBudget, cost),
		}
	}

	txHash := transitionTxHash(txBytes)
	now := blockTime.UnixMilli()

	var record *ledger.DocumentRecord
	switch t.Operation {
	case ledger.OpCreate:
		record = &ledger.DocumentRecord{
			GdtiNumber:   t.GdtiNumber,
			DocumentType: t.DocumentType,
			ContentHash:  t.ContentHash,
			MemberID:     t.MemberID,
			CreatedAt:    now,
			UpdatedAt:    now,
			Version:      1,
			Metadata:     t.Metadata,
		}
	case ledger.OpUpdate:
		existing, err := app.readRecord(app.onGoingBlock, t.GdtiNumber)
		if err != nil {
			return storageFailure(err)
		}
		record = existing
		record.DocumentType = t.DocumentType
		record.ContentHash = t.ContentHash
		record.MemberID = t.MemberID
		record.Version++
		record.UpdatedAt = maxInt64(now, record.UpdatedAt)
		record.UpdatedBy = t.UpdatedBy
		// metadata is set at creation and not refreshed on update
	case ledger.OpDelete:
		existing, err := app.readRecord(app.onGoingBlock, t.GdtiNumber)
		if err != nil {
			return storageFailure(err)
		}
		record = existing
		record.IsDeleted = true
		record.DeletedBy = t.DeletedBy
		record.DeletionReason = t.DeletionReason
		record.UpdatedAt = maxInt64(now, record.UpdatedAt)
	}

	record.PreviousVersionHash = t.PreviousVersionHash
	record.LatestTxHash = txHash

	recordBytes, err := json.Marshal(record)
	if err != nil {
		return &abcitypes.ExecTxResult{
			Code: ledger.CodeStorageError,
			Log:  "Failed to encode record: " + err.Error(),
		}
	}
	if err := app.onGoingBlock.Set([]byte(docKeyPrefix+t.GdtiNumber), recordBytes); err != nil {
		return storageFailure(err)
	}

	events := []abcitypes.Event{
		{
			Type: ledger.EventTypeTx,
			Attributes: []abcitypes.EventAttribute{
				{Key: "gdti_number", Value: t.GdtiNumber, Index: true},
				{Key: "operation", Value: t.Operation, Index: true},
				{Key: "version", Value: strconv.FormatUint(record.Version, 10), Index: true},
				{Key: "tx_hash", Value: txHash, Index: true},
				{Key: "cost", Value: strconv.FormatUint(cost, 10), Index: false},
				{Key: "status", Value: "accepted", Index: true},
			},
		},
	}

	return &abcitypes.ExecTxResult{
		Code:   ledger.CodeOK,
		Data:   []byte(txHash),
		Log:    "accepted",
		Events: events,
	}
}

// validateTransition runs the business rules against the state visible in txn.
// It is shared by the estimate path and block execution so both reject with
// identical codes and reasons.
func (app *Application) validateTransition(txn *badger.Txn, t *ledger.Transition) (uint32, string) {
	if code, reason := validateShape(t); code != ledger.CodeOK {
		return code, reason
	}

	existing, err := app.readRecord(txn, t.GdtiNumber)
	if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
		return ledger.CodeStorageError, fmt.Sprintf("Database error: %v", err)
	}

	switch t.Operation {
	case ledger.OpCreate:
		// a deleted record still occupies the identifier, no resurrection
		if existing != nil {
			return ledger.CodeDuplicate, fmt.Sprintf("GDTI %s already exists", t.GdtiNumber)
		}
	case ledger.OpUpdate, ledger.OpDelete:
		if existing == nil {
			return ledger.CodeNotFound, fmt.Sprintf("No document recorded for GDTI %s", t.GdtiNumber)
		}
		if existing.IsDeleted {
			return ledger.CodeDeleted, fmt.Sprintf("GDTI %s is deleted, no further transitions allowed", t.GdtiNumber)
		}
		if t.PreviousVersionHash != existing.LatestTxHash {
			return ledger.CodeTokenMismatch, fmt.Sprintf(
				"Version token mismatch for GDTI %s: presented %s, current %s",
				t.GdtiNumber, t.PreviousVersionHash, existing.LatestTxHash,
			)
		}
	}

	return ledger.CodeOK, ""
}

// validateShape checks required fields per operation, stateless.
func validateShape(t *ledger.Transition) (uint32, string) {
	if t.GdtiNumber == "" {
		return ledger.CodeInvalidFormat, "gdti_number is required"
	}
	switch t.Operation {
	case ledger.OpCreate:
		if t.DocumentType == "" || t.ContentHash == "" || t.MemberID == "" {
			return ledger.CodeInvalidFormat, "create requires document_type, content_hash and member_id"
		}
	case ledger.OpUpdate:
		if t.DocumentType == "" || t.ContentHash == "" || t.MemberID == "" {
			return ledger.CodeInvalidFormat, "update requires document_type, content_hash and member_id"
		}
		if t.PreviousVersionHash == "" {
			return ledger.CodeInvalidFormat, "update requires previous_version_hash"
		}
	case ledger.OpDelete:
		if t.DeletedBy == "" || t.DeletionReason == "" {
			return ledger.CodeInvalidFormat, "delete requires deleted_by and deletion_reason"
		}
		if t.PreviousVersionHash == "" {
			return ledger.CodeInvalidFormat, "delete requires previous_version_hash"
		}
	default:
		return ledger.CodeInvalidFormat, fmt.Sprintf("Unknown operation %q", t.Operation)
	}
	return ledger.CodeOK, ""
}

// readRecord loads a record within txn. Returns (nil, badger.ErrKeyNotFound)
// when the GDTI has never been written.
func (app *Application) readRecord(txn *badger.Txn, gdtiNumber string) (*ledger.DocumentRecord, error) {
	item, err := txn.Get([]byte(docKeyPrefix + gdtiNumber))
	if err != nil {
		return nil, err
	}

	var record ledger.DocumentRecord
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &record)
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func storageFailure(err error) *abcitypes.ExecTxResult {
	return &abcitypes.ExecTxResult{
		Code: ledger.CodeStorageError,
		Log:  fmt.Sprintf("Database error: %v", err),
	}
}

// transitionTxHash computes the transaction hash the same way CometBFT does,
// SHA-256 over the raw transaction bytes.
func transitionTxHash(txBytes []byte) string {
	hash := sha256.Sum256(txBytes)
	return hex.EncodeToString(hash[:])
}

// calculateAppHash calculates the application hash for the current block
func calculateAppHash(txResults []*abcitypes.ExecTxResult) []byte {
	allData := make([]byte, 0)

	for _, result := range txResults {
		allData = append(allData, result.Data...)
	}

	hash := sha256.Sum256(allData)
	return hash[:]
}

// int64ToBytes converts an int64 to bytes
func int64ToBytes(i int64) []byte {
	buf := make([]byte, 8)

	buf[0] = byte(i >> 56)
	buf[1] = byte(i >> 48)
	buf[2] = byte(i >> 40)
	buf[3] = byte(i >> 32)
	buf[4] = byte(i >> 24)
	buf[5] = byte(i >> 16)
	buf[6] = byte(i >> 8)
	buf[7] = byte(i)

	return buf
}

// bytesToInt64 converts bytes to an int64
func bytesToInt64(buf []byte) int64 {
	if len(buf) < 8 {
		return 0
	}

	return int64(buf[0])<<56 |
		int64(buf[1])<<48 |
		int64(buf[2])<<40 |
		int64(buf[3])<<32 |
		int64(buf[4])<<24 |
		int64(buf[5])<<16 |
		int64(buf[6])<<8 |
		int64(buf[7])
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
