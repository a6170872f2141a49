package srvreg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/docledger/gdti/docchain"
	"github.com/docledger/gdti/ledger"
	"github.com/docledger/gdti/repository"
)

var defaultHeaders = map[string]string{"Content-Type": "application/json"}

// CreateDocumentHandler records version 1 of a new document chain from a
// multipart upload.
func (sr *ServiceRegistry) CreateDocumentHandler(ctx context.Context, req *Request) (*Response, error) {
	gdtiNumber := req.FormValue("gdtiNumber")
	documentType := req.FormValue("documentType")
	memberID := req.FormValue("memberId")

	if req.Upload == nil || gdtiNumber == "" || documentType == "" || memberID == "" {
		return &Response{
			StatusCode: http.StatusBadRequest,
			Headers:    defaultHeaders,
			Body:       `{"error":"Missing required fields: gdtiNumber, documentType, memberId, or document file."}`,
		}, fmt.Errorf("missing required create fields")
	}

	sr.logger.Info("CREATE Request", "gdti", gdtiNumber, "member", memberID)

	content, err := sr.contentSource(req)
	if err != nil {
		return &Response{
			StatusCode: http.StatusInternalServerError,
			Headers:    defaultHeaders,
			Body:       fmt.Sprintf(`{"error":"Failed to read uploaded document","details":%q}`, err.Error()),
		}, err
	}
	defer content.close()

	result, err := sr.chain.Create(ctx, docchain.CreateRequest{
		GdtiNumber:     gdtiNumber,
		DocumentType:   documentType,
		MemberID:       memberID,
		Content:        content.source,
		ActingIdentity: req.ActingIdentity,
	})
	if err != nil {
		return sr.errorResponse(err), err
	}

	sr.mirrorTransition(repository.TransitionEntry{
		TxHash:       result.TxHash,
		GdtiNumber:   gdtiNumber,
		Operation:    ledger.OpCreate,
		Version:      result.Version,
		BlockHeight:  result.Height,
		Actor:        memberID,
		DocumentType: documentType,
		ContentHash:  result.ContentHash,
	})

	body, _ := json.Marshal(map[string]any{
		"message":         "Document created successfully",
		"gdtiNumber":      gdtiNumber,
		"version":         result.Version,
		"fileHash":        result.ContentHash,
		"transactionHash": result.TxHash,
	})
	return &Response{
		StatusCode: http.StatusCreated,
		Headers:    defaultHeaders,
		Body:       string(body),
	}, nil
}

// UpdateDocumentHandler advances a chain by one version. The optimistic token
// travels in the URL, the new document in the multipart body.
func (sr *ServiceRegistry) UpdateDocumentHandler(ctx context.Context, req *Request) (*Response, error) {
	previousVersionHash := req.Params["previousVersionHash"]
	gdtiNumber := req.FormValue("gdtiNumber")
	documentType := req.FormValue("documentType")
	memberID := req.FormValue("memberId")
	updatedBy := req.FormValue("updatedBy")

	if gdtiNumber == "" || documentType == "" || memberID == "" {
		return &Response{
			StatusCode: http.StatusBadRequest,
			Headers:    defaultHeaders,
			Body:       `{"error":"Missing required fields: gdtiNumber, documentType, memberId, updatedBy."}`,
		}, fmt.Errorf("missing required update fields")
	}

	if req.Upload == nil {
		return &Response{
			StatusCode: http.StatusBadRequest,
			Headers:    defaultHeaders,
			Body:       `{"error":"New document file is required for update."}`,
		}, docchain.ErrMissingContent
	}

	content, err := sr.contentSource(req)
	if err != nil {
		return &Response{
			StatusCode: http.StatusInternalServerError,
			Headers:    defaultHeaders,
			Body:       fmt.Sprintf(`{"error":"Failed to read uploaded document","details":%q}`, err.Error()),
		}, err
	}
	defer content.close()

	result, err := sr.chain.Update(ctx, docchain.UpdateRequest{
		GdtiNumber:          gdtiNumber,
		DocumentType:        documentType,
		MemberID:            memberID,
		UpdatedBy:           updatedBy,
		Content:             content.source,
		PreviousVersionHash: previousVersionHash,
		ActingIdentity:      req.ActingIdentity,
	})
	if err != nil {
		return sr.errorResponse(err), err
	}

	sr.mirrorTransition(repository.TransitionEntry{
		TxHash:       result.TxHash,
		GdtiNumber:   gdtiNumber,
		Operation:    ledger.OpUpdate,
		Version:      result.Version,
		BlockHeight:  result.Height,
		Actor:        updatedBy,
		DocumentType: documentType,
		ContentHash:  result.ContentHash,
	})

	body, _ := json.Marshal(map[string]any{
		"message":         "Document updated successfully",
		"gdtiNumber":      gdtiNumber,
		"version":         result.Version,
		"fileHash":        result.ContentHash,
		"transactionHash": result.TxHash,
	})
	return &Response{
		StatusCode: http.StatusOK,
		Headers:    defaultHeaders,
		Body:       string(body),
	}, nil
}

type deleteDocumentHandlerBody struct {
	GdtiNumber          string `json:"gdtiNumber"`
	DeletedBy           string `json:"deletedBy"`
	DeletionReason      string `json:"deletionReason"`
	PreviousVersionHash string `json:"previousVersionHash"`
}

// DeleteDocumentHandler terminates a chain. Deleting an already deleted
// document fails with a conflict, never a silent success.
func (sr *ServiceRegistry) DeleteDocumentHandler(ctx context.Context, req *Request) (*Response, error) {
	var body deleteDocumentHandlerBody
	if err := json.Unmarshal([]byte(req.Body), &body); err != nil {
		sr.logger.Info("Failed to parse body", "error", err.Error())
		return &Response{
			StatusCode: http.StatusUnprocessableEntity,
			Headers:    defaultHeaders,
			Body:       fmt.Sprintf(`{"error":"Invalid body format: %s"}`, err.Error()),
		}, fmt.Errorf("invalid body format")
	}

	if body.GdtiNumber == "" || body.DeletedBy == "" || body.DeletionReason == "" {
		return &Response{
			StatusCode: http.StatusBadRequest,
			Headers:    defaultHeaders,
			Body:       `{"error":"Missing fields: gdtiNumber, deletedBy, deletionReason."}`,
		}, fmt.Errorf("missing required delete fields")
	}

	result, err := sr.chain.Delete(ctx, docchain.DeleteRequest{
		GdtiNumber:          body.GdtiNumber,
		DeletedBy:           body.DeletedBy,
		DeletionReason:      body.DeletionReason,
		PreviousVersionHash: body.PreviousVersionHash,
		ActingIdentity:      req.ActingIdentity,
	})
	if err != nil {
		return sr.errorResponse(err), err
	}

	sr.mirrorTransition(repository.TransitionEntry{
		TxHash:      result.TxHash,
		GdtiNumber:  body.GdtiNumber,
		Operation:   ledger.OpDelete,
		Version:     result.Version,
		BlockHeight: result.Height,
		Actor:       body.DeletedBy,
		Reason:      body.DeletionReason,
	})

	responseBody, _ := json.Marshal(map[string]any{
		"message":         "Document deleted successfully",
		"gdtiNumber":      body.GdtiNumber,
		"transactionHash": result.TxHash,
	})
	return &Response{
		StatusCode: http.StatusOK,
		Headers:    defaultHeaders,
		Body:       string(responseBody),
	}, nil
}

// GetDocumentHandler returns the normalized current projection of a GDTI.
func (sr *ServiceRegistry) GetDocumentHandler(ctx context.Context, req *Request) (*Response, error) {
	gdtiNumber := req.Params["gdtiNumber"]

	view, err := sr.views.Get(ctx, gdtiNumber)
	if err != nil {
		return sr.errorResponse(err), err
	}

	body, err := json.Marshal(view)
	if err != nil {
		return &Response{
			StatusCode: http.StatusInternalServerError,
			Headers:    defaultHeaders,
			Body:       `{"error":"Failed to encode document view"}`,
		}, err
	}

	return &Response{
		StatusCode: http.StatusOK,
		Headers:    defaultHeaders,
		Body:       string(body),
	}, nil
}

// HistoryHandler lists the mirrored transition log for a GDTI, oldest first.
func (sr *ServiceRegistry) HistoryHandler(_ context.Context, req *Request) (*Response, error) {
	gdtiNumber := req.Params["gdtiNumber"]

	if sr.history == nil {
		return &Response{
			StatusCode: http.StatusServiceUnavailable,
			Headers:    defaultHeaders,
			Body:       `{"error":"Transition history is unavailable on this node"}`,
		}, fmt.Errorf("no audit mirror configured")
	}

	entries, repoErr := sr.history.ListTransitions(gdtiNumber)
	if repoErr != nil {
		if repoErr.Code == repository.ErrCodeEntityNotFound {
			return &Response{
				StatusCode: http.StatusNotFound,
				Headers:    defaultHeaders,
				Body:       fmt.Sprintf(`{"error":"%s"}`, repoErr.Message),
			}, fmt.Errorf("entity not found: %s", repoErr.Message)
		}
		return &Response{
			StatusCode: http.StatusInternalServerError,
			Headers:    defaultHeaders,
			Body:       `{"error":"Internal server error"}`,
		}, nil
	}

	body, _ := json.Marshal(map[string]any{
		"gdtiNumber":  gdtiNumber,
		"transitions": entries,
	})
	return &Response{
		StatusCode: http.StatusOK,
		Headers:    defaultHeaders,
		Body:       string(body),
	}, nil
}

// openedContent pairs a ContentSource with the close of its underlying file.
type openedContent struct {
	source *docchain.ContentSource
	close  func()
}

// contentSource opens the staged upload as the stream-plus-attributes shape
// the chain manager consumes.
func (sr *ServiceRegistry) contentSource(req *Request) (*openedContent, error) {
	f, err := req.Upload.Open()
	if err != nil {
		return nil, err
	}
	return &openedContent{
		source: &docchain.ContentSource{
			Reader:       f,
			OriginalName: req.Upload.OriginalName,
			Size:         req.Upload.Size,
			MimeType:     req.Upload.MimeType,
		},
		close: func() { f.Close() },
	}, nil
}

// mirrorTransition records a confirmed transition in the Postgres mirror.
// The ledger has already accepted the transition, so mirror failures are
// logged and never fail the request.
func (sr *ServiceRegistry) mirrorTransition(entry repository.TransitionEntry) {
	if sr.history == nil {
		return
	}
	entry.RecordedAt = time.Now()
	if repoErr := sr.history.RecordTransition(entry); repoErr != nil {
		sr.logger.Error("Failed to mirror transition",
			"gdti", entry.GdtiNumber,
			"tx_hash", entry.TxHash,
			"code", repoErr.Code,
			"detail", repoErr.Detail,
		)
	}
}

// errorResponse maps the failure taxonomy onto HTTP status codes, preserving
// the underlying reason text in the response body.
func (sr *ServiceRegistry) errorResponse(err error) *Response {
	status := http.StatusInternalServerError
	message := "Internal Server Error"

	var validationErr *docchain.ValidationError
	var conflictErr *ledger.ConflictError
	var estimationErr *ledger.CostEstimationError
	var transportErr *ledger.TransportError
	var submissionErr *ledger.SubmissionError

	switch {
	case errors.As(err, &validationErr), errors.Is(err, docchain.ErrMissingContent):
		status = http.StatusBadRequest
		message = "Invalid request"
	case errors.As(err, &conflictErr):
		status = http.StatusConflict
		message = "Conflicting transition"
	case errors.Is(err, ledger.ErrNotFound):
		status = http.StatusNotFound
		message = "Document not found"
	case errors.As(err, &estimationErr):
		status = http.StatusUnprocessableEntity
		message = "Cost estimation failed"
	case errors.As(err, &transportErr):
		status = http.StatusBadGateway
		message = "Ledger unreachable"
	case errors.As(err, &submissionErr):
		status = http.StatusInternalServerError
		message = "Transition execution failed"
	}

	body, _ := json.Marshal(map[string]string{
		"error":   message,
		"details": err.Error(),
	})
	return &Response{
		StatusCode: status,
		Headers:    defaultHeaders,
		Body:       string(body),
	}
}
