package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	solana "github.com/gagliardetto/solana-go"

	"snapmint/internal/config"
	"snapmint/internal/kvstore"
	"snapmint/internal/ledger"
	"snapmint/internal/server"
	"snapmint/internal/session"
	"snapmint/internal/uploader"
	"snapmint/internal/wallet"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	ctx := context.Background()

	var kv kvstore.Store
	if cfg.Service.PostgresDSN != "" {
		pg, err := kvstore.NewPostgresStore(ctx, cfg.Service.PostgresDSN)
		if err != nil {
			log.Fatalf("postgres store error: %v", err)
		}
		defer pg.Close()
		kv = pg
	} else {
		log.Printf("POSTGRES_DSN not set; sessions are held in memory and lost on restart")
		kv = kvstore.NewMemoryStore()
	}

	deriver, err := wallet.NewDeriver(cfg.Chain.MasterSeed)
	if err != nil {
		log.Fatalf("wallet deriver error: %v", err)
	}

	treasuryKey, err := solana.PrivateKeyFromBase58(cfg.Chain.TreasuryKey)
	if err != nil {
		log.Fatalf("treasury key error: %v", err)
	}

	chain, err := ledger.NewSolanaClient(ledger.SolanaClientConfig{
		RPCURL:            cfg.Chain.RPCURL,
		TreasuryKeyBase58: cfg.Chain.TreasuryKey,
	})
	if err != nil {
		log.Fatalf("solana client error: %v", err)
	}

	var up uploader.Uploader
	if cfg.Uploader.JWT != "" {
		pinata, err := uploader.NewPinataClient(uploader.PinataConfig{
			Endpoints: cfg.Uploader.Endpoints,
			JWT:       cfg.Uploader.JWT,
			Gateway:   cfg.Uploader.Gateway,
			Timeout:   cfg.Uploader.Timeout,
		})
		if err != nil {
			log.Fatalf("pinata client error: %v", err)
		}
		up = pinata
	} else {
		log.Printf("PINATA_JWT not set; metadata uploads use local hashes instead of IPFS")
		up = &uploader.FakeUploader{}
	}

	store := session.NewStore(kv, cfg.Service.PaymentWindow, cfg.Service.RetentionWindow)
	detector := session.NewDetector(chain, cfg.Chain.USDCMint, cfg.Service.ForceConfirmPayment)
	minter := session.NewMinter(up, chain, chain.TreasuryAddress(), cfg.Mint.Symbol, cfg.Mint.RoyaltyBasisPoints)
	sweeper := session.NewSweeper(chain, cfg.Chain.USDCMint, chain.TreasuryAddress(), cfg.Chain.FeeBufferLamports)

	controller := session.NewController(store, kv, deriver, detector, minter, sweeper, chain, treasuryKey, session.ControllerConfig{
		PriceUSDC:       cfg.Chain.PriceUSDC,
		PaymentWindow:   cfg.Service.PaymentWindow,
		FundingLamports: cfg.Chain.FundingLamports,
		SweepDLQPath:    cfg.Service.SweepDLQPath,
	})

	apiServer := server.NewServer(cfg, controller, up, kv, chain)

	go func() {
		if err := apiServer.Start(); err != nil {
			log.Printf("server stopped: %v", err)
		}
	}()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = apiServer.Shutdown(shutdownCtx)
}
