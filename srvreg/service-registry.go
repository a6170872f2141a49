package srvreg

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/docledger/gdti/docchain"
	"github.com/docledger/gdti/repository"
	"github.com/docledger/gdti/upload"

	cmtlog "github.com/cometbft/cometbft/libs/log"
)

// Request is the normalized form of a client HTTP request after the transport
// layer has handled multipart reception: route parameters, form fields, an
// optional staged upload, and the raw body for JSON endpoints.
type Request struct {
	Method         string
	Path           string
	Params         map[string]string
	Form           map[string]string
	Body           string
	Upload         *upload.StoredFile
	ActingIdentity string
	RemoteAddr     string
	RequestID      string
	Timestamp      time.Time
}

// FormValue returns a form field, empty if absent.
func (r *Request) FormValue(key string) string {
	if r.Form == nil {
		return ""
	}
	return r.Form[key]
}

// Response is the computed response handed back to the transport layer.
type Response struct {
	StatusCode int
	Headers    map[string]string
	Body       string
}

// ServiceHandler is a function type for service handlers
type ServiceHandler func(context.Context, *Request) (*Response, error)

// RouteKey is used to uniquely identify a route
type RouteKey struct {
	Method string
	Path   string
}

// ChainService is the transition surface the handlers call. Satisfied by
// docchain.Manager.
type ChainService interface {
	Create(ctx context.Context, req docchain.CreateRequest) (*docchain.TransitionResult, error)
	Update(ctx context.Context, req docchain.UpdateRequest) (*docchain.TransitionResult, error)
	Delete(ctx context.Context, req docchain.DeleteRequest) (*docchain.TransitionResult, error)
}

// ViewService is the read surface. Satisfied by docchain.ViewBuilder.
type ViewService interface {
	Get(ctx context.Context, gdtiNumber string) (*docchain.DocumentView, error)
}

// HistoryService mirrors confirmed transitions and serves the audit log.
// Satisfied by repository.Repository.
type HistoryService interface {
	RecordTransition(entry repository.TransitionEntry) *repository.RepositoryError
	ListTransitions(gdtiNumber string) ([]repository.TransitionEntry, *repository.RepositoryError)
}

// ServiceRegistry maps method and path patterns to document service handlers.
type ServiceRegistry struct {
	handlers    map[RouteKey]ServiceHandler
	exactRoutes map[RouteKey]bool // Whether a route is exact or pattern-based
	mu          sync.RWMutex
	chain       ChainService
	views       ViewService
	history     HistoryService
	logger      cmtlog.Logger
}

// NewServiceRegistry creates a new service registry
func NewServiceRegistry(
	chain ChainService,
	views ViewService,
	history HistoryService,
	logger cmtlog.Logger,
) *ServiceRegistry {
	return &ServiceRegistry{
		handlers:    make(map[RouteKey]ServiceHandler),
		exactRoutes: make(map[RouteKey]bool),
		chain:       chain,
		views:       views,
		history:     history,
		logger:      logger,
	}
}

// RegisterHandler registers a new service handler
func (sr *ServiceRegistry) RegisterHandler(method, path string, isExactPath bool, handler ServiceHandler) {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	key := RouteKey{Method: strings.ToUpper(method), Path: path}
	sr.handlers[key] = handler
	sr.exactRoutes[key] = isExactPath
}

// GetHandlerForPath finds the handler for a path and extracts its route
// parameters. The boolean reports whether a handler was found.
func (sr *ServiceRegistry) GetHandlerForPath(method, path string) (ServiceHandler, map[string]string, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	// Try exact match first
	key := RouteKey{Method: strings.ToUpper(method), Path: path}
	if handler, ok := sr.handlers[key]; ok {
		if sr.exactRoutes[key] {
			return handler, map[string]string{}, true
		}
	}

	// Try pattern matching
	for routeKey, handler := range sr.handlers {
		if routeKey.Method != strings.ToUpper(method) {
			continue
		}

		// Skip exact routes in pattern matching
		if sr.exactRoutes[routeKey] {
			continue
		}

		if params, ok := matchPath(routeKey.Path, path); ok {
			return handler, params, true
		}
	}

	return nil, nil, false
}

// matchPath matches patterns like "/gdti/:gdtiNumber" against "/gdti/GDTI-1"
// and returns the extracted parameters.
func matchPath(pattern, path string) (map[string]string, bool) {
	patternParts := strings.Split(pattern, "/")
	pathParts := strings.Split(path, "/")

	if len(patternParts) != len(pathParts) {
		return nil, false
	}

	params := make(map[string]string)
	for i := range patternParts {
		if strings.HasPrefix(patternParts[i], ":") {
			if pathParts[i] == "" {
				return nil, false
			}
			params[patternParts[i][1:]] = pathParts[i]
			continue
		}

		if patternParts[i] != pathParts[i] {
			return nil, false
		}
	}

	return params, true
}

// RegisterDefaultServices sets up the GDTI document endpoints.
func (sr *ServiceRegistry) RegisterDefaultServices() {
	// Create Document Endpoint
	sr.RegisterHandler(
		"POST",
		"/gdti/create",
		true,
		sr.CreateDocumentHandler,
	)
	// Update Document Endpoint
	sr.RegisterHandler(
		"PUT",
		"/gdti/update/:previousVersionHash",
		false,
		sr.UpdateDocumentHandler,
	)
	// Delete Document Endpoint
	sr.RegisterHandler(
		"DELETE",
		"/gdti/delete",
		true,
		sr.DeleteDocumentHandler,
	)
	// Transition History Endpoint
	sr.RegisterHandler(
		"GET",
		"/gdti/:gdtiNumber/history",
		false,
		sr.HistoryHandler,
	)
	// Get Document Endpoint
	sr.RegisterHandler(
		"GET",
		"/gdti/:gdtiNumber",
		false,
		sr.GetDocumentHandler,
	)
}

// Dispatch executes the request and generates a response.
func (sr *ServiceRegistry) Dispatch(ctx context.Context, req *Request) (*Response, error) {
	handler, params, found := sr.GetHandlerForPath(req.Method, req.Path)
	if !found {
		return &Response{
			StatusCode: http.StatusNotFound,
			Headers:    map[string]string{"Content-Type": "text/plain"},
			Body:       fmt.Sprintf("Service not found for %s %s", req.Method, req.Path),
		}, nil
	}
	req.Params = params

	return handler(ctx, req)
}
