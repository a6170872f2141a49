package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/docledger/gdti/app"
	"github.com/docledger/gdti/docchain"
	"github.com/docledger/gdti/ledger"
	"github.com/docledger/gdti/repository"
	"github.com/docledger/gdti/server"
	"github.com/docledger/gdti/srvreg"
	"github.com/docledger/gdti/upload"

	cfg "github.com/cometbft/cometbft/config"
	cmtflags "github.com/cometbft/cometbft/libs/cli/flags"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	nm "github.com/cometbft/cometbft/node"
	"github.com/cometbft/cometbft/p2p"
	"github.com/cometbft/cometbft/privval"
	"github.com/cometbft/cometbft/proxy"
	cmtrpc "github.com/cometbft/cometbft/rpc/client/local"
	"github.com/dgraph-io/badger/v4"
	"github.com/spf13/viper"
)

var (
	homeDir      string
	httpPort     string
	postgresHost string
	uploadDir    string
	costMargin   uint64
)

func init() {
	flag.StringVar(&homeDir, "cmt-home", "./node-config/ledger-node", "Path to the CometBFT config directory")
	flag.StringVar(&httpPort, "http-port", "5000", "HTTP web server port")
	flag.StringVar(&postgresHost, "postgres-host", "gdti-postgres0:5432", "DB host address")
	flag.StringVar(&uploadDir, "upload-dir", "./uploads", "Directory for staged document uploads")
	flag.Uint64Var(&costMargin, "cost-margin", docchain.DefaultCostMargin, "Additive headroom over cost estimates")
}

func main() {
	// Load Config
	flag.Parse()

	if homeDir == "" {
		homeDir = os.ExpandEnv("$HOME/.cometbft")
	}
	config := cfg.DefaultConfig()
	config.SetRoot(homeDir)
	viper.SetConfigFile(fmt.Sprintf("%s/%s", homeDir, "config/config.toml"))
	if err := viper.ReadInConfig(); err != nil {
		log.Fatalf("Reading config: %v", err)
	}
	if err := viper.Unmarshal(config); err != nil {
		log.Fatalf("Decoding config: %v", err)
	}
	if err := config.ValidateBasic(); err != nil {
		log.Fatalf("Invalid configuration data: %v", err)
	}

	logger := cmtlog.NewTMLogger(cmtlog.NewSyncWriter(os.Stdout))

	// Initialize Badger DB
	badgerPath := filepath.Join(homeDir, "badger")
	db, err := badger.Open(badger.DefaultOptions(badgerPath))
	if err != nil {
		log.Fatalf("Opening database: %v", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Fatalf("Closing database: %v", err)
		}
	}()

	// Create ABCI Application
	appConfig := &app.AppConfig{
		NodeID:    filepath.Base(homeDir), // Use directory name as node ID
		Costs:     app.DefaultCostSchedule(),
		LogAllTxs: true,
	}
	application := app.NewABCIApplication(db, appConfig, logger)

	// Private Validator
	pv := privval.LoadFilePV(
		config.PrivValidatorKeyFile(),
		config.PrivValidatorStateFile(),
	)

	// P2P network identity
	nodeKey, err := p2p.LoadNodeKey(config.NodeKeyFile())
	if err != nil {
		log.Fatalf("failed to load node's key: %v", err)
	}

	logger, err = cmtflags.ParseLogLevel(config.LogLevel, logger, cfg.DefaultLogLevel)
	if err != nil {
		log.Fatalf("failed to parse log level: %v", err)
	}

	// Initialize CometBFT node
	node, err := nm.NewNode(
		context.Background(),
		config,
		pv,
		nodeKey,
		proxy.NewLocalClientCreator(application),
		nm.DefaultGenesisDocProviderFunc(config),
		cfg.DefaultDBProvider,
		nm.DefaultMetricsProvider(config.Instrumentation),
		logger,
	)
	if err != nil {
		log.Fatalf("Creating node: %v", err)
	}

	// Pass Node ID to app
	application.SetNodeID(string(node.NodeInfo().ID()))

	// Ledger client over the in-process RPC surface
	rpcClient := cmtrpc.New(node)
	ledgerClient := ledger.NewClient(func() ledger.RPC { return rpcClient }, logger)

	// Document chain services
	manager := docchain.NewManager(ledgerClient, costMargin, logger)
	views := docchain.NewViewBuilder(ledgerClient)

	// Connect the Postgres audit mirror. The mirror is a convenience
	// projection, a node without one still serves every transition.
	var history srvreg.HistoryService
	dsn := fmt.Sprintf("postgresql://postgres:postgrespassword@%s/postgres", postgresHost)
	repo := repository.NewRepository(logger)
	if err := repo.ConnectDB(dsn); err != nil {
		logger.Error("Audit mirror unavailable, continuing without it", "err", err)
	} else if err := repo.Migrate(); err != nil {
		logger.Error("Audit mirror migration failed, continuing without it", "err", err)
	} else {
		history = repo
	}

	uploads, err := upload.NewStore(uploadDir)
	if err != nil {
		log.Fatalf("Creating upload store: %v", err)
	}

	// Initialize Service Registry
	serviceRegistry := srvreg.NewServiceRegistry(manager, views, history, logger)
	serviceRegistry.RegisterDefaultServices()

	// Start CometBFT node
	node.Start()
	defer func() {
		node.Stop()
		node.Wait()
	}()

	// Start Web Server
	webserver, err := server.NewWebServer(application, httpPort, logger, node, serviceRegistry, uploads)
	if err != nil {
		log.Fatalf("Creating web server: %v", err)
	}

	err = webserver.Start()
	if err != nil {
		log.Fatalf("Starting HTTP server: %v", err)
	}

	// Wait for interrupt signal to gracefully shut down the server
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c

	// Create deadline to wait for server shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	// Shutdown the web server
	err = webserver.Shutdown(ctx)
	if err != nil {
		logger.Error("Shutting down HTTP web server", "err", err)
	}
	logger.Info("HTTP web server gracefully stopped")
}
