package ledger

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"

	cmtbytes "github.com/cometbft/cometbft/libs/bytes"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	cmtrpctypes "github.com/cometbft/cometbft/rpc/core/types"
	cmttypes "github.com/cometbft/cometbft/types"
)

// Query prefixes understood by the DocumentStore application.
const (
	QueryPrefixDoc      = "doc:"
	QueryPrefixEstimate = "estimate:"
)

// RPC is the subset of the CometBFT RPC surface the client needs. It is
// satisfied by rpc/client/local.Local.
type RPC interface {
	ABCIQuery(ctx context.Context, path string, data cmtbytes.HexBytes) (*cmtrpctypes.ResultABCIQuery, error)
	BroadcastTxCommit(ctx context.Context, tx cmttypes.Tx) (*cmtrpctypes.ResultBroadcastTxCommit, error)
}

// Client translates validated transitions into ledger transactions: cost
// estimation, submission, and read-side queries. The RPC handle is resolved on
// every call rather than cached, so the client always talks to the current
// node endpoint.
type Client struct {
	resolveRPC func() RPC
	logger     cmtlog.Logger
}

// NewClient creates a ledger client. resolveRPC is invoked once per operation.
func NewClient(resolveRPC func() RPC, logger cmtlog.Logger) *Client {
	return &Client{
		resolveRPC: resolveRPC,
		logger:     logger,
	}
}

type estimateResult struct {
	Cost uint64 `json:"cost"`
}

// EstimateCost asks the ledger to dry-run the transition against committed
// state and price it. A rule violation here (duplicate GDTI, stale token)
// surfaces as a CostEstimationError carrying the ledger's reason text.
func (c *Client) EstimateCost(ctx context.Context, t *Transition) (uint64, error) {
	txBytes, err := t.SerializeToBytes()
	if err != nil {
		return 0, fmt.Errorf("serializing transition: %w", err)
	}

	data := append([]byte(QueryPrefixEstimate), txBytes...)
	res, err := c.resolveRPC().ABCIQuery(ctx, "", data)
	if err != nil {
		return 0, &TransportError{Err: err}
	}

	if res.Response.Code != CodeOK {
		return 0, &CostEstimationError{
			Operation:  t.Operation,
			GdtiNumber: t.GdtiNumber,
			Code:       res.Response.Code,
			Reason:     res.Response.Log,
		}
	}

	var est estimateResult
	if err := json.Unmarshal(res.Response.Value, &est); err != nil {
		return 0, fmt.Errorf("decoding cost estimate: %w", err)
	}

	c.logger.Info("Estimated transition cost", "operation", t.Operation, "gdti", t.GdtiNumber, "cost", est.Cost)
	return est.Cost, nil
}

// Submit broadcasts the transition with the given cost budget and waits for it
// to be executed in a block. The returned confirmation carries the transaction
// hash, which the caller must present as previous_version_hash on the next
// mutation of the same GDTI. No failure category is retried here.
func (c *Client) Submit(ctx context.Context, t *Transition, budget uint64) (*Confirmation, error) {
	t.CostBudget = budget
	txBytes, err := t.SerializeToBytes()
	if err != nil {
		return nil, fmt.Errorf("serializing transition: %w", err)
	}

	res, err := c.resolveRPC().BroadcastTxCommit(ctx, cmttypes.Tx(txBytes))
	if err != nil {
		return nil, &TransportError{Err: err}
	}

	if res.CheckTx.Code != CodeOK {
		return nil, &SubmissionError{
			Operation:  t.Operation,
			GdtiNumber: t.GdtiNumber,
			Code:       res.CheckTx.Code,
			Reason:     res.CheckTx.Log,
		}
	}

	if res.TxResult.Code != CodeOK {
		return nil, decodeExecFailure(t, res.TxResult.Code, res.TxResult.Log)
	}

	confirmation := &Confirmation{
		TxHash: hex.EncodeToString(res.Hash),
		Height: res.Height,
	}
	for _, event := range res.TxResult.Events {
		if event.Type != EventTypeTx {
			continue
		}
		for _, attr := range event.Attributes {
			switch attr.Key {
			case "version":
				if v, err := strconv.ParseUint(attr.Value, 10, 64); err == nil {
					confirmation.Version = v
				}
			case "cost":
				if v, err := strconv.ParseUint(attr.Value, 10, 64); err == nil {
					confirmation.Cost = v
				}
			}
		}
	}

	c.logger.Info("Transition confirmed",
		"operation", t.Operation,
		"gdti", t.GdtiNumber,
		"tx_hash", confirmation.TxHash,
		"height", confirmation.Height,
		"version", confirmation.Version,
	)
	return confirmation, nil
}

// Read returns the latest confirmed record for a GDTI, or ErrNotFound.
func (c *Client) Read(ctx context.Context, gdtiNumber string) (*DocumentRecord, error) {
	data := append([]byte(QueryPrefixDoc), []byte(gdtiNumber)...)
	res, err := c.resolveRPC().ABCIQuery(ctx, "", data)
	if err != nil {
		return nil, &TransportError{Err: err}
	}

	switch res.Response.Code {
	case CodeOK:
	case CodeNotFound:
		return nil, fmt.Errorf("reading %q: %w", gdtiNumber, ErrNotFound)
	default:
		return nil, fmt.Errorf("ledger query for %q failed (code %d): %s", gdtiNumber, res.Response.Code, res.Response.Log)
	}

	var record DocumentRecord
	if err := json.Unmarshal(res.Response.Value, &record); err != nil {
		return nil, fmt.Errorf("decoding document record: %w", err)
	}
	return &record, nil
}

// decodeExecFailure maps a DocumentStore execution failure to the typed
// failure taxonomy, preserving the ledger's reason text.
func decodeExecFailure(t *Transition, code uint32, log string) error {
	if IsConflictCode(code) {
		return &ConflictError{
			Operation:  t.Operation,
			GdtiNumber: t.GdtiNumber,
			Code:       code,
			Reason:     log,
		}
	}
	if code == CodeNotFound {
		return fmt.Errorf("%s %q: %s: %w", t.Operation, t.GdtiNumber, log, ErrNotFound)
	}
	return &SubmissionError{
		Operation:  t.Operation,
		GdtiNumber: t.GdtiNumber,
		Code:       code,
		Reason:     log,
	}
}
