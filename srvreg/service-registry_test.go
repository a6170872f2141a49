package srvreg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/docledger/gdti/docchain"
	"github.com/docledger/gdti/ledger"
	"github.com/docledger/gdti/repository"
	"github.com/docledger/gdti/upload"

	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChain struct {
	result *docchain.TransitionResult
	err    error

	lastCreate *docchain.CreateRequest
	lastUpdate *docchain.UpdateRequest
	lastDelete *docchain.DeleteRequest
}

func (f *fakeChain) Create(_ context.Context, req docchain.CreateRequest) (*docchain.TransitionResult, error) {
	f.lastCreate = &req
	return f.result, f.err
}

func (f *fakeChain) Update(_ context.Context, req docchain.UpdateRequest) (*docchain.TransitionResult, error) {
	f.lastUpdate = &req
	return f.result, f.err
}

func (f *fakeChain) Delete(_ context.Context, req docchain.DeleteRequest) (*docchain.TransitionResult, error) {
	f.lastDelete = &req
	return f.result, f.err
}

type fakeViews struct {
	view *docchain.DocumentView
	err  error
}

func (f *fakeViews) Get(_ context.Context, gdtiNumber string) (*docchain.DocumentView, error) {
	return f.view, f.err
}

type fakeHistory struct {
	entries  []repository.TransitionEntry
	listErr  *repository.RepositoryError
	recorded []repository.TransitionEntry
}

func (f *fakeHistory) RecordTransition(entry repository.TransitionEntry) *repository.RepositoryError {
	f.recorded = append(f.recorded, entry)
	return nil
}

func (f *fakeHistory) ListTransitions(gdtiNumber string) ([]repository.TransitionEntry, *repository.RepositoryError) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.entries, nil
}

func newTestRegistry(chain ChainService, views ViewService, history HistoryService) *ServiceRegistry {
	sr := NewServiceRegistry(chain, views, history, cmtlog.NewNopLogger())
	sr.RegisterDefaultServices()
	return sr
}

func stagedUpload(t *testing.T, content string) *upload.StoredFile {
	t.Helper()
	path := filepath.Join(t.TempDir(), "document-test.pdf")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return &upload.StoredFile{
		Path:         path,
		OriginalName: "cert.pdf",
		Size:         int64(len(content)),
		MimeType:     "application/pdf",
	}
}

func TestMatchPath(t *testing.T) {
	params, ok := matchPath("/gdti/:gdtiNumber", "/gdti/GDTI-42")
	require.True(t, ok)
	assert.Equal(t, "GDTI-42", params["gdtiNumber"])

	params, ok = matchPath("/gdti/:gdtiNumber/history", "/gdti/GDTI-42/history")
	require.True(t, ok)
	assert.Equal(t, "GDTI-42", params["gdtiNumber"])

	_, ok = matchPath("/gdti/:gdtiNumber", "/gdti/GDTI-42/history")
	assert.False(t, ok)

	_, ok = matchPath("/gdti/:gdtiNumber", "/gdti/")
	assert.False(t, ok)
}

func TestDispatchUnknownRoute(t *testing.T) {
	sr := newTestRegistry(&fakeChain{}, &fakeViews{}, &fakeHistory{})

	resp, err := sr.Dispatch(context.Background(), &Request{Method: "GET", Path: "/nope"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateDocumentSuccess(t *testing.T) {
	chain := &fakeChain{result: &docchain.TransitionResult{
		GdtiNumber:  "GDTI-1",
		Version:     1,
		ContentHash: "hash-1",
		TxHash:      "tx-1",
		Height:      5,
	}}
	history := &fakeHistory{}
	sr := newTestRegistry(chain, &fakeViews{}, history)

	resp, err := sr.Dispatch(context.Background(), &Request{
		Method: "POST",
		Path:   "/gdti/create",
		Form: map[string]string{
			"gdtiNumber":   "GDTI-1",
			"documentType": "certificate",
			"memberId":     "member-001",
		},
		Upload:         stagedUpload(t, "hello"),
		ActingIdentity: "member-001",
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.Unmarshal([]byte(resp.Body), &body))
	assert.Equal(t, "GDTI-1", body["gdtiNumber"])
	assert.Equal(t, float64(1), body["version"])
	assert.Equal(t, "hash-1", body["fileHash"])
	assert.Equal(t, "tx-1", body["transactionHash"])

	require.NotNil(t, chain.lastCreate)
	assert.Equal(t, "member-001", chain.lastCreate.ActingIdentity)
	require.NotNil(t, chain.lastCreate.Content)
	assert.Equal(t, "cert.pdf", chain.lastCreate.Content.OriginalName)

	require.Len(t, history.recorded, 1)
	assert.Equal(t, ledger.OpCreate, history.recorded[0].Operation)
	assert.Equal(t, "tx-1", history.recorded[0].TxHash)
	assert.False(t, history.recorded[0].RecordedAt.IsZero())
}

func TestCreateDocumentMissingFields(t *testing.T) {
	sr := newTestRegistry(&fakeChain{}, &fakeViews{}, &fakeHistory{})

	resp, err := sr.Dispatch(context.Background(), &Request{
		Method: "POST",
		Path:   "/gdti/create",
		Form:   map[string]string{"gdtiNumber": "GDTI-1"},
		Upload: stagedUpload(t, "hello"),
	})
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUpdateDocumentExtractsToken(t *testing.T) {
	chain := &fakeChain{result: &docchain.TransitionResult{
		GdtiNumber: "GDTI-1", Version: 2, ContentHash: "hash-2", TxHash: "tx-2", Height: 6,
	}}
	history := &fakeHistory{}
	sr := newTestRegistry(chain, &fakeViews{}, history)

	resp, err := sr.Dispatch(context.Background(), &Request{
		Method: "PUT",
		Path:   "/gdti/update/token-abc",
		Form: map[string]string{
			"gdtiNumber":   "GDTI-1",
			"documentType": "certificate",
			"memberId":     "member-001",
			"updatedBy":    "auditor-7",
		},
		Upload: stagedUpload(t, "hello v2"),
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NotNil(t, chain.lastUpdate)
	assert.Equal(t, "token-abc", chain.lastUpdate.PreviousVersionHash)
	assert.Equal(t, "auditor-7", chain.lastUpdate.UpdatedBy)

	require.Len(t, history.recorded, 1)
	assert.Equal(t, ledger.OpUpdate, history.recorded[0].Operation)
	assert.Equal(t, "auditor-7", history.recorded[0].Actor)
}

func TestUpdateDocumentRequiresFile(t *testing.T) {
	sr := newTestRegistry(&fakeChain{}, &fakeViews{}, &fakeHistory{})

	resp, err := sr.Dispatch(context.Background(), &Request{
		Method: "PUT",
		Path:   "/gdti/update/token-abc",
		Form: map[string]string{
			"gdtiNumber":   "GDTI-1",
			"documentType": "certificate",
			"memberId":     "member-001",
		},
	})
	require.ErrorIs(t, err, docchain.ErrMissingContent)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDeleteDocumentParsesBody(t *testing.T) {
	chain := &fakeChain{result: &docchain.TransitionResult{
		GdtiNumber: "GDTI-1", Version: 2, TxHash: "tx-3", Height: 7,
	}}
	history := &fakeHistory{}
	sr := newTestRegistry(chain, &fakeViews{}, history)

	resp, err := sr.Dispatch(context.Background(), &Request{
		Method: "DELETE",
		Path:   "/gdti/delete",
		Body: `{
			"gdtiNumber": "GDTI-1",
			"deletedBy": "admin-1",
			"deletionReason": "superseded",
			"previousVersionHash": "token-abc"
		}`,
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NotNil(t, chain.lastDelete)
	assert.Equal(t, "admin-1", chain.lastDelete.DeletedBy)
	assert.Equal(t, "token-abc", chain.lastDelete.PreviousVersionHash)

	require.Len(t, history.recorded, 1)
	assert.Equal(t, ledger.OpDelete, history.recorded[0].Operation)
	assert.Equal(t, "superseded", history.recorded[0].Reason)
}

func TestDeleteDocumentInvalidBody(t *testing.T) {
	sr := newTestRegistry(&fakeChain{}, &fakeViews{}, &fakeHistory{})

	resp, err := sr.Dispatch(context.Background(), &Request{
		Method: "DELETE",
		Path:   "/gdti/delete",
		Body:   "not json",
	})
	require.Error(t, err)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestGetDocument(t *testing.T) {
	views := &fakeViews{view: &docchain.DocumentView{
		GdtiNumber:   "GDTI-1",
		DocumentType: "certificate",
		Version:      3,
		LatestTxHash: "tok-3",
	}}
	sr := newTestRegistry(&fakeChain{}, views, &fakeHistory{})

	resp, err := sr.Dispatch(context.Background(), &Request{
		Method: "GET",
		Path:   "/gdti/GDTI-1",
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var view docchain.DocumentView
	require.NoError(t, json.Unmarshal([]byte(resp.Body), &view))
	assert.Equal(t, uint64(3), view.Version)
	assert.Equal(t, "tok-3", view.LatestTxHash)
}

func TestGetDocumentNotFound(t *testing.T) {
	views := &fakeViews{err: fmt.Errorf("reading: %w", ledger.ErrNotFound)}
	sr := newTestRegistry(&fakeChain{}, views, &fakeHistory{})

	resp, err := sr.Dispatch(context.Background(), &Request{
		Method: "GET",
		Path:   "/gdti/GDTI-MISSING",
	})
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHistoryListsTransitions(t *testing.T) {
	history := &fakeHistory{entries: []repository.TransitionEntry{
		{TxHash: "tx-1", GdtiNumber: "GDTI-1", Operation: ledger.OpCreate, Version: 1},
		{TxHash: "tx-2", GdtiNumber: "GDTI-1", Operation: ledger.OpUpdate, Version: 2},
	}}
	sr := newTestRegistry(&fakeChain{}, &fakeViews{}, history)

	resp, err := sr.Dispatch(context.Background(), &Request{
		Method: "GET",
		Path:   "/gdti/GDTI-1/history",
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		GdtiNumber  string                       `json:"gdtiNumber"`
		Transitions []repository.TransitionEntry `json:"transitions"`
	}
	require.NoError(t, json.Unmarshal([]byte(resp.Body), &body))
	assert.Equal(t, "GDTI-1", body.GdtiNumber)
	require.Len(t, body.Transitions, 2)
	assert.Equal(t, uint64(1), body.Transitions[0].Version)
	assert.Equal(t, uint64(2), body.Transitions[1].Version)
}

func TestHistoryNotFound(t *testing.T) {
	history := &fakeHistory{listErr: &repository.RepositoryError{
		Code:    repository.ErrCodeEntityNotFound,
		Message: "Document does not exist",
	}}
	sr := newTestRegistry(&fakeChain{}, &fakeViews{}, history)

	resp, err := sr.Dispatch(context.Background(), &Request{
		Method: "GET",
		Path:   "/gdti/GDTI-MISSING/history",
	})
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHistoryUnavailableWithoutMirror(t *testing.T) {
	sr := newTestRegistry(&fakeChain{}, &fakeViews{}, nil)

	resp, err := sr.Dispatch(context.Background(), &Request{
		Method: "GET",
		Path:   "/gdti/GDTI-1/history",
	})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.Unmarshal([]byte(resp.Body), &body))
	assert.NotEmpty(t, body["error"])
}

func TestErrorTaxonomyStatusCodes(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"validation", &docchain.ValidationError{Field: "gdtiNumber", Reason: "is required"}, http.StatusBadRequest},
		{"missing content", docchain.ErrMissingContent, http.StatusBadRequest},
		{"conflict", &ledger.ConflictError{Code: ledger.CodeTokenMismatch, Reason: "stale"}, http.StatusConflict},
		{"not found", fmt.Errorf("read: %w", ledger.ErrNotFound), http.StatusNotFound},
		{"estimation", &ledger.CostEstimationError{Code: ledger.CodeInvalidFormat, Reason: "bad"}, http.StatusUnprocessableEntity},
		{"transport", &ledger.TransportError{Err: errors.New("refused")}, http.StatusBadGateway},
		{"submission", &ledger.SubmissionError{Code: ledger.CodeStorageError, Reason: "disk"}, http.StatusInternalServerError},
	}

	sr := newTestRegistry(&fakeChain{}, &fakeViews{}, &fakeHistory{})
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := sr.errorResponse(tc.err)
			assert.Equal(t, tc.status, resp.StatusCode)

			var body map[string]string
			require.NoError(t, json.Unmarshal([]byte(resp.Body), &body))
			assert.NotEmpty(t, body["error"])
			assert.NotEmpty(t, body["details"])
		})
	}
}

func TestMirrorFailureDoesNotFailRequest(t *testing.T) {
	chain := &fakeChain{result: &docchain.TransitionResult{
		GdtiNumber: "GDTI-1", Version: 1, ContentHash: "h", TxHash: "tx-1", Height: 5,
	}}
	sr := newTestRegistry(chain, &fakeViews{}, nil) // no mirror wired at all

	resp, err := sr.Dispatch(context.Background(), &Request{
		Method: "POST",
		Path:   "/gdti/create",
		Form: map[string]string{
			"gdtiNumber":   "GDTI-1",
			"documentType": "certificate",
			"memberId":     "member-001",
		},
		Upload: stagedUpload(t, "hello"),
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
}
