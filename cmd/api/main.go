package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"

	"biobank.org/internal/cards"
	"biobank.org/internal/config"
	"biobank.org/internal/consent"
	"biobank.org/internal/gateway"
	"biobank.org/internal/ledger"
	"biobank.org/internal/ledger/chain"
	"biobank.org/internal/ledger/rest"
	"biobank.org/internal/obs"
	"biobank.org/internal/store"
	"biobank.org/internal/store/pg"
	"biobank.org/internal/tasks"
	"biobank.org/internal/token"
)

var version = "0.3.1"

func main() {
	obs.Init()

	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.PGDSN == "" {
		log.Fatal("BIOBANK_PG_DSN is required")
	}
	if len(cfg.PIIKey) == 0 {
		log.Fatal("BIOBANK_PII_KEY is required")
	}

	codec, err := store.NewCodec(cfg.PIIKey)
	if err != nil {
		log.Fatalf("pii codec: %v", err)
	}
	db, err := pg.Open(cfg.PGDSN, codec)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	var connector ledger.Connector
	switch cfg.Backend {
	case config.BackendChain:
		rpc, err := ethclient.Dial(cfg.ChainRPCURL)
		if err != nil {
			log.Fatalf("dial chain rpc: %v", err)
		}
		connector, err = chain.New(rpc, cfg.ChainContract, cfg.ChainKeyHex, cfg.ChainID, cfg.ChainPoll)
		if err != nil {
			log.Fatalf("chain connector: %v", err)
		}
	default:
		connector = rest.New(rest.Config{
			AdminURL:   cfg.RestAdminURL,
			AdminToken: cfg.RestAdminToken,
			UserURL:    cfg.RestUserURL,
			UserToken:  cfg.RestUserToken,
		})
	}

	var tokens token.Store
	if cfg.TokenSecret != "" {
		tokens = token.NewJWTSource([]byte(cfg.TokenSecret))
	} else {
		tokens = token.NewPGStore(db.DB())
	}

	pool := tasks.New(cfg.TaskWorkers, cfg.TaskWorkers*4)
	cardSvc := cards.New(db, connector, cfg.CardMode)
	orchestrator := consent.New(db, db, cardSvc, connector, pool)

	api := gateway.New(gateway.Deps{
		Tokens:   tokens,
		Studies:  db,
		Users:    db,
		Consents: orchestrator,
		Cards:    cardSvc,
		Ledger:   connector,
		Ready:    gateway.ReadyProbe{DB: db.DB()},
		Version:  version,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(cfg.RateBurst, cfg.RatePerSec),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting biobank-api %s on %s (ledger=%s cards=%s)",
		version, srv.Addr, cfg.Backend, cfg.CardMode)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	pool.Close()
	log.Println("Stopped")
}
