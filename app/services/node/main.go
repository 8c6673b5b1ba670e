package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sa2shinakamo2/bt2c/app/services/node/handlers"
	"github.com/sa2shinakamo2/bt2c/foundation/blockchain/database"
	"github.com/sa2shinakamo2/bt2c/foundation/blockchain/database/storage"
	"github.com/sa2shinakamo2/bt2c/foundation/blockchain/genesis"
	"github.com/sa2shinakamo2/bt2c/foundation/blockchain/state"
	"github.com/sa2shinakamo2/bt2c/foundation/blockchain/worker"
	"github.com/sa2shinakamo2/bt2c/foundation/events"
	"github.com/sa2shinakamo2/bt2c/foundation/logger"
	"github.com/ardanlabs/conf/v3"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"
)

// build is the git version of this program. It is set using build flags in the makefile.
var build = "develop"

func main() {

	// Construct the application logger.
	log, err := logger.New("NODE")
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	defer log.Sync()

	// Perform the startup and shutdown sequence.
	if err := run(log); err != nil {
		log.Errorw("startup", "ERROR", err)
		log.Sync()
		os.Exit(1)
	}
}

func run(log *zap.SugaredLogger) error {

	// =========================================================================
	// Configuration

	cfg := struct {
		conf.Version
		Web struct {
			ReadTimeout     time.Duration `conf:"default:5s"`
			WriteTimeout    time.Duration `conf:"default:10s"`
			IdleTimeout     time.Duration `conf:"default:120s"`
			ShutdownTimeout time.Duration `conf:"default:20s"`
			DebugHost       string        `conf:"default:0.0.0.0:7080"`
			PublicHost      string        `conf:"default:0.0.0.0:8080"`
			PrivateHost     string        `conf:"default:0.0.0.0:9080"`
		}
		Chain struct {
			DBPath             string        `conf:"default:zblock/data"`
			CheckpointDir      string        `conf:"default:zblock/checkpoints"`
			GenesisFile        string        `conf:"default:zblock/genesis.json"`
			PrivateKeyFile     string        `conf:"default:zblock/accounts/validator.ecdsa"`
			TrustedID          string        `conf:"default:"`
			ProduceInterval    time.Duration `conf:"default:12s"`
			FlushInterval      time.Duration `conf:"default:1m"`
			CheckpointInterval time.Duration `conf:"default:1m"`
		}
	}{
		Version: conf.Version{
			Build: build,
			Desc:  "copyright information here",
		},
	}

	const prefix = "NODE"
	help, err := conf.Parse(prefix, &cfg)
	if err != nil {
		if errors.Is(err, conf.ErrHelpWanted) {
			fmt.Println(help)
			return nil
		}
		return fmt.Errorf("parsing config: %w", err)
	}

	// =========================================================================
	// App Starting

	log.Infow("starting service", "version", build)
	defer log.Infow("shutdown complete")

	out, err := conf.String(&cfg)
	if err != nil {
		return fmt.Errorf("generating config for output: %w", err)
	}
	log.Infow("startup", "config", out)

	// =========================================================================
	// Blockchain Engine Support

	// Load the genesis file for the engine tunables and initial state.
	gen, err := genesis.Load(cfg.Chain.GenesisFile)
	if err != nil {
		return fmt.Errorf("loading genesis: %w", err)
	}

	// Load this node's validator key. The account derived from this key is
	// the block beneficiary and checkpoint signer.
	privateKey, err := crypto.LoadECDSA(cfg.Chain.PrivateKeyFile)
	if err != nil {
		return fmt.Errorf("loading validator key: %w", err)
	}
	beneficiaryID := database.PublicKeyToAccountID(privateKey.PublicKey)

	var trustedID database.AccountID
	if cfg.Chain.TrustedID != "" {
		trustedID, err = database.ToAccountID(cfg.Chain.TrustedID)
		if err != nil {
			return fmt.Errorf("parsing trusted checkpoint signer: %w", err)
		}
	}

	// An event handler function for the engine's low level operational logs.
	ev := func(v string, args ...any) {
		log.Infow(fmt.Sprintf(v, args...), "traceid", "00000000-0000-0000-0000-000000000000")
	}

	// The events system is used to push engine notifications to websocket
	// clients.
	evts := events.New()
	defer evts.Shutdown()

	// Construct the disk storage for the block log and index.
	strg, err := storage.New(cfg.Chain.DBPath, ev)
	if err != nil {
		return fmt.Errorf("opening block storage: %w", err)
	}

	st, err := state.New(state.Config{
		BeneficiaryID: beneficiaryID,
		PrivateKey:    privateKey,
		Genesis:       gen,
		Storage:       strg,
		CheckpointDir: cfg.Chain.CheckpointDir,
		TrustedID:     trustedID,
		Events:        evts,
		EvHandler:     ev,
	})
	if err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}
	defer st.Shutdown()

	worker.Run(st, worker.Config{
		ProduceInterval:    cfg.Chain.ProduceInterval,
		FlushInterval:      cfg.Chain.FlushInterval,
		CheckpointInterval: cfg.Chain.CheckpointInterval,
	}, ev)

	// =========================================================================
	// Start Debug Service

	log.Infow("startup", "status", "debug router started", "host", cfg.Web.DebugHost)

	// The Debug function returns a mux to listen and serve on for all the debug
	// related endpoints. This includes the standard library endpoints.
	go func() {
		if err := http.ListenAndServe(cfg.Web.DebugHost, handlers.DebugMux(build, log)); err != nil {
			log.Errorw("shutdown", "status", "debug router closed", "host", cfg.Web.DebugHost, "ERROR", err)
		}
	}()

	// =========================================================================
	// Service Start/Stop Support

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverErrors := make(chan error, 2)

	// =========================================================================
	// Start Public Service

	log.Infow("startup", "status", "initializing public API support")

	publicMux := handlers.PublicMux(handlers.MuxConfig{
		Shutdown: shutdown,
		Log:      log,
		State:    st,
		Evts:     evts,
	})

	public := http.Server{
		Addr:         cfg.Web.PublicHost,
		Handler:      publicMux,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
	}

	go func() {
		log.Infow("startup", "status", "public api router started", "host", public.Addr)
		serverErrors <- public.ListenAndServe()
	}()

	// =========================================================================
	// Start Private Service

	log.Infow("startup", "status", "initializing private API support")

	privateMux := handlers.PrivateMux(handlers.MuxConfig{
		Shutdown: shutdown,
		Log:      log,
		State:    st,
	})

	private := http.Server{
		Addr:         cfg.Web.PrivateHost,
		Handler:      privateMux,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
	}

	go func() {
		log.Infow("startup", "status", "private api router started", "host", private.Addr)
		serverErrors <- private.ListenAndServe()
	}()

	// =========================================================================
	// Shutdown

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)

	case sig := <-shutdown:
		log.Infow("shutdown", "status", "shutdown started", "signal", sig)
		defer log.Infow("shutdown", "status", "shutdown complete", "signal", sig)

		ctx, cancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := public.Shutdown(ctx); err != nil {
			public.Close()
			return fmt.Errorf("could not stop public service gracefully: %w", err)
		}

		if err := private.Shutdown(ctx); err != nil {
			private.Close()
			return fmt.Errorf("could not stop private service gracefully: %w", err)
		}
	}

	return nil
}
