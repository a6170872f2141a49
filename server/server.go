package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/docledger/gdti/app"
	"github.com/docledger/gdti/ledger"
	"github.com/docledger/gdti/srvreg"
	"github.com/docledger/gdti/upload"

	cmtlog "github.com/cometbft/cometbft/libs/log"
	nm "github.com/cometbft/cometbft/node"
	cmtrpc "github.com/cometbft/cometbft/rpc/client/local"
	"github.com/google/uuid"
)

// maxUploadBytes caps the in-memory portion of multipart parsing; larger
// parts spill to temp files.
const maxUploadBytes = 32 << 20

// WebServer handles HTTP requests
type WebServer struct {
	app               *app.Application
	httpAddr          string
	server            *http.Server
	logger            cmtlog.Logger
	node              *nm.Node
	startTime         time.Time
	serviceRegistry   *srvreg.ServiceRegistry
	cometBftRpcClient *cmtrpc.Local
	uploads           *upload.Store
}

// TransactionStatus represents the ledger status of a submitted transition
type TransactionStatus struct {
	TxHash      string `json:"tx_hash"`
	Status      string `json:"status"`
	BlockHeight int64  `json:"block_height"`
	BlockHash   string `json:"block_hash,omitempty"`
	GdtiNumber  string `json:"gdti_number,omitempty"`
	Operation   string `json:"operation,omitempty"`
	Version     string `json:"version,omitempty"`
	Cost        string `json:"cost,omitempty"`
}

// NewWebServer creates a new web server
func NewWebServer(
	application *app.Application,
	httpPort string,
	logger cmtlog.Logger,
	node *nm.Node,
	serviceRegistry *srvreg.ServiceRegistry,
	uploads *upload.Store,
) (*WebServer, error) {
	mux := http.NewServeMux()

	server := &WebServer{
		app:      application,
		httpAddr: ":" + httpPort,
		server: &http.Server{
			Addr:    ":" + httpPort,
			Handler: mux,
		},
		logger:            logger,
		node:              node,
		startTime:         time.Now(),
		serviceRegistry:   serviceRegistry,
		cometBftRpcClient: cmtrpc.New(node),
		uploads:           uploads,
	}

	// Register routes
	mux.HandleFunc("/", server.handleRoot)
	mux.HandleFunc("/debug", server.handleDebug)
	mux.HandleFunc("/status/", server.handleTransactionStatus)
	mux.HandleFunc("/block/", server.handleBlockInfo)
	// Document Endpoints
	mux.HandleFunc("/gdti/", server.handleDocumentAPI)

	return server, nil
}

// Start starts the web server
func (ws *WebServer) Start() error {
	ws.logger.Info("Starting web server", "addr", ws.httpAddr)
	go func() {
		if err := ws.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			ws.logger.Error("web server error: ", "err", err)
		}
	}()
	return nil
}

// Shutdown gracefully shuts down the web server
func (ws *WebServer) Shutdown(ctx context.Context) error {
	ws.logger.Info("Shutting down web server")
	return ws.server.Shutdown(ctx)
}

// handleRoot handles the root endpoint which shows node status
func (ws *WebServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		JSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/html")

	w.Write([]byte("<h1>GDTI Document Ledger Node</h1>"))
	w.Write([]byte("<p>Node ID: " + string(ws.node.NodeInfo().ID()) + "</p>"))
	rpcPort := extractPortFromAddress(ws.node.Config().RPC.ListenAddress)
	rpcAddrHtml := fmt.Sprintf("<p>RPC Address: <a href=\"http://localhost:%s\">http://localhost:%s</a>", rpcPort, rpcPort)
	w.Write([]byte(rpcAddrHtml))
}

// handleDebug provides debugging information
func (ws *WebServer) handleDebug(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		JSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	nodeStatus := "online"
	if ws.node.ConsensusReactor().WaitSync() {
		nodeStatus = "syncing"
	}
	if !ws.node.IsListening() {
		nodeStatus = "offline"
	}

	debugInfo := map[string]interface{}{
		"node_id":     string(ws.node.NodeInfo().ID()),
		"node_status": nodeStatus,
		"p2p_address": ws.node.Config().P2P.ListenAddress,
		"rpc_address": ws.node.Config().RPC.ListenAddress,
		"uptime":      time.Since(ws.startTime).String(),
	}

	status, err := ws.cometBftRpcClient.Status(context.Background())
	outboundPeers, inboundPeers, dialingPeers := ws.node.Switch().NumPeers()
	debugInfo["num_peers_out"] = outboundPeers
	debugInfo["num_peers_in"] = inboundPeers
	debugInfo["num_peers_dialing"] = dialingPeers
	if err != nil {
		debugInfo["consensus_error"] = err.Error()
	} else {
		debugInfo["latest_block_height"] = status.SyncInfo.LatestBlockHeight
		debugInfo["latest_block_time"] = status.SyncInfo.LatestBlockTime
		debugInfo["catching_up"] = status.SyncInfo.CatchingUp
	}

	abciInfo, err := ws.cometBftRpcClient.ABCIInfo(context.Background())
	if err != nil {
		debugInfo["abci_error"] = err.Error()
	} else {
		debugInfo["abci_version"] = abciInfo.Response.Version
		debugInfo["app_version"] = abciInfo.Response.AppVersion
		debugInfo["last_block_height"] = abciInfo.Response.LastBlockHeight
		debugInfo["last_block_app_hash"] = fmt.Sprintf("%X", abciInfo.Response.LastBlockAppHash)
	}

	w.Header().Set("Content-Type", "application/json")
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(debugInfo); err != nil {
		JSONError(w, "Error encoding response: "+err.Error(), http.StatusInternalServerError)
		return
	}
}

// handleDocumentAPI converts the HTTP request into the registry's normalized
// form, staging any multipart upload first, and writes back whatever the
// dispatched handler produced.
func (ws *WebServer) handleDocumentAPI(w http.ResponseWriter, r *http.Request) {
	request, staged, err := ws.convertRequest(r)
	if err != nil {
		JSONError(w, "Failed to read request: "+err.Error(), http.StatusUnprocessableEntity)
		ws.logger.Error("Failed to convert HTTP request", "err", err)
		return
	}
	if staged != nil {
		defer func() {
			if err := staged.Remove(); err != nil {
				ws.logger.Error("Failed to remove staged upload", "path", staged.Path, "err", err)
			}
		}()
	}

	response, err := ws.serviceRegistry.Dispatch(r.Context(), request)
	if err != nil {
		ws.logger.Info("Request failed",
			"method", request.Method,
			"path", request.Path,
			"request_id", request.RequestID,
			"status", response.StatusCode,
			"err", err.Error(),
		)
	}

	for key, value := range response.Headers {
		w.Header().Set(key, value)
	}
	w.WriteHeader(response.StatusCode)
	w.Write([]byte(response.Body))
}

// convertRequest builds the registry request. Multipart bodies are parsed and
// their single document file staged to disk; other bodies are passed through
// raw. The returned StoredFile, if any, is the caller's to remove.
func (ws *WebServer) convertRequest(r *http.Request) (*srvreg.Request, *upload.StoredFile, error) {
	request := &srvreg.Request{
		Method:         r.Method,
		Path:           strings.TrimSuffix(r.URL.Path, "/"),
		Form:           map[string]string{},
		ActingIdentity: r.Header.Get("X-Member-Id"),
		RemoteAddr:     r.RemoteAddr,
		RequestID:      uuid.NewString(),
		Timestamp:      time.Now(),
	}

	contentType := r.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "multipart/form-data") {
		if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
			return nil, nil, fmt.Errorf("parsing multipart form: %w", err)
		}
		for key, values := range r.MultipartForm.Value {
			if len(values) > 0 {
				request.Form[key] = values[0]
			}
		}

		file, header, err := r.FormFile("document")
		if err == http.ErrMissingFile {
			return request, nil, nil
		}
		if err != nil {
			return nil, nil, fmt.Errorf("reading document part: %w", err)
		}
		defer file.Close()

		staged, err := ws.uploads.Save(file, header)
		if err != nil {
			return nil, nil, err
		}
		request.Upload = staged
		return request, staged, nil
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("reading body: %w", err)
	}
	request.Body = string(body)
	return request, nil, nil
}

// handleTransactionStatus returns the ledger status of a transition by its
// transaction hash.
func (ws *WebServer) handleTransactionStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		JSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	pathParts := strings.Split(r.URL.Path, "/")
	if len(pathParts) != 3 || pathParts[1] != "status" {
		JSONError(w, "Invalid transaction hash", http.StatusBadRequest)
		return
	}

	txHash := pathParts[2]

	status, err := ws.checkTransactionStatus(txHash)
	if err != nil {
		JSONError(w, "Error checking transaction status: "+err.Error(), http.StatusInternalServerError)
		return
	}

	if status == nil {
		JSONError(w, "Transaction not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	err = encoder.Encode(status)
	if err != nil {
		JSONError(w, "Error encoding response: "+err.Error(), http.StatusInternalServerError)
		return
	}
}

// checkTransactionStatus searches the chain for a transaction and decodes the
// transition attributes it emitted.
func (ws *WebServer) checkTransactionStatus(txHash string) (*TransactionStatus, error) {
	query := fmt.Sprintf("tx.hash='%s'", strings.ToUpper(txHash))
	res, err := ws.cometBftRpcClient.TxSearch(context.Background(), query, false, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("error searching for transaction: %w", err)
	}

	if len(res.Txs) == 0 {
		return nil, nil
	}

	tx := res.Txs[0]

	txStatus := &TransactionStatus{
		TxHash:      fmt.Sprintf("%X", tx.Hash),
		Status:      "pending",
		BlockHeight: tx.Height,
	}
	if tx.TxResult.Code == ledger.CodeOK {
		txStatus.Status = "confirmed"
	} else {
		txStatus.Status = "rejected"
	}

	for _, event := range tx.TxResult.Events {
		if event.Type != ledger.EventTypeTx {
			continue
		}
		for _, attr := range event.Attributes {
			switch attr.Key {
			case "gdti_number":
				txStatus.GdtiNumber = attr.Value
			case "operation":
				txStatus.Operation = attr.Value
			case "version":
				txStatus.Version = attr.Value
			case "cost":
				txStatus.Cost = attr.Value
			case "status":
				txStatus.Status = attr.Value
			}
		}
	}

	block, err := ws.cometBftRpcClient.Block(context.Background(), &tx.Height)
	if err != nil {
		return nil, fmt.Errorf("error getting block: %w", err)
	}
	if block.BlockID.Hash != nil {
		txStatus.BlockHash = fmt.Sprintf("%X", block.BlockID.Hash)
	}

	return txStatus, nil
}

// handleBlockInfo returns block information for a given height
func (ws *WebServer) handleBlockInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		JSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	pathParts := strings.Split(r.URL.Path, "/")
	if len(pathParts) != 3 || pathParts[1] != "block" {
		JSONError(w, "Invalid block height", http.StatusBadRequest)
		return
	}

	heightStr := pathParts[2]
	height, err := strconv.ParseInt(heightStr, 10, 64)
	if err != nil {
		JSONError(w, "Invalid block height format", http.StatusBadRequest)
		return
	}

	block, err := ws.cometBftRpcClient.Block(context.Background(), &height)
	if err != nil {
		JSONError(w, "Error fetching block: "+err.Error(), http.StatusInternalServerError)
		return
	}

	if block.Block == nil {
		JSONError(w, "Block not found", http.StatusNotFound)
		return
	}

	// Parse transitions in the block
	var transitions []ledger.Transition
	var transitionsB64 []string
	for _, tx := range block.Block.Txs {
		b64Tx := base64.StdEncoding.EncodeToString(tx)
		transitionsB64 = append(transitionsB64, b64Tx)

		var parsedTx ledger.Transition
		if err := json.Unmarshal(tx, &parsedTx); err == nil {
			transitions = append(transitions, parsedTx)
		}
	}

	blockInfo := struct {
		Height          int64               `json:"height"`
		Hash            string              `json:"hash"`
		Time            time.Time           `json:"time"`
		NumTxs          int                 `json:"num_txs"`
		Transitions     []ledger.Transition `json:"transitions"`
		TransitionsB64  []string            `json:"transitions_b64"`
		ProposerAddress string              `json:"proposer_address"`
	}{
		Height:          block.Block.Height,
		Hash:            fmt.Sprintf("%X", block.BlockID.Hash),
		Time:            block.Block.Time,
		NumTxs:          len(block.Block.Txs),
		Transitions:     transitions,
		TransitionsB64:  transitionsB64,
		ProposerAddress: fmt.Sprintf("%X", block.Block.ProposerAddress),
	}

	w.Header().Set("Content-Type", "application/json")
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(blockInfo); err != nil {
		JSONError(w, "Error encoding response: "+err.Error(), http.StatusInternalServerError)
		return
	}
}

// extractPortFromAddress extracts the port from an address string
func extractPortFromAddress(address string) string {
	for i := len(address) - 1; i >= 0; i-- {
		if address[i] == ':' {
			return address[i+1:]
		}
	}
	return ""
}

// JSONError sends a JSON formatted error response with the given status code and message
func JSONError(w http.ResponseWriter, message string, statusCode int) {
	errorResponse := struct {
		Error string `json:"error"`
	}{
		Error: message,
	}
	jsonBytes, err := json.Marshal(errorResponse)
	if err != nil {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("Internal server error"))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	w.Write(jsonBytes)
}
