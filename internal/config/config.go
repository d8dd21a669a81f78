package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Missing-secret errors are fatal at startup; nothing retries past them.
var (
	ErrMissingMasterSeed  = errors.New("config: SNAPMINT_MASTER_SEED is required")
	ErrMissingTreasuryKey = errors.New("config: SNAPMINT_TREASURY_KEY is required")
)

// AppConfig ties together service, chain, mint and upload settings.
type AppConfig struct {
	Service  ServiceConfig
	Chain    ChainConfig
	Mint     MintConfig
	Uploader UploaderConfig
}

type ServiceConfig struct {
	HTTPPort            int
	PostgresDSN         string
	FrontendSecret      string
	HMACClockSkew       time.Duration
	PaymentWindow       time.Duration
	RetentionWindow     time.Duration
	SweepDLQPath        string
	ForceConfirmPayment bool
}

type ChainConfig struct {
	RPCURL            string
	MasterSeed        string
	TreasuryKey       string
	USDCMint          string
	PriceUSDC         uint64
	FundingLamports   uint64
	FeeBufferLamports uint64
}

type MintConfig struct {
	Symbol             string
	RoyaltyBasisPoints uint16
}

type UploaderConfig struct {
	Endpoints []string
	JWT       string
	Gateway   string
	Timeout   time.Duration
}

// Load aggregates configuration from the environment. Secrets have no defaults.
func Load() (*AppConfig, error) {
	masterSeed := envOr("SNAPMINT_MASTER_SEED", "")
	if masterSeed == "" {
		return nil, ErrMissingMasterSeed
	}
	treasuryKey := envOr("SNAPMINT_TREASURY_KEY", "")
	if treasuryKey == "" {
		return nil, ErrMissingTreasuryKey
	}

	cfg := &AppConfig{
		Service: ServiceConfig{
			HTTPPort:            envOrInt("API_HTTP_PORT", 3000),
			PostgresDSN:         envOr("POSTGRES_DSN", ""),
			FrontendSecret:      envOr("FRONTEND_SHARED_SECRET", ""),
			HMACClockSkew:       envOrDuration("HMAC_CLOCK_SKEW", time.Minute),
			PaymentWindow:       envOrDuration("SESSION_PAYMENT_WINDOW", 30*time.Minute),
			RetentionWindow:     envOrDuration("SESSION_RETENTION_WINDOW", 7*24*time.Hour),
			SweepDLQPath:        envOr("SWEEP_DLQ_PATH", filepath.Join(os.TempDir(), "snapmint-sweep-dlq")),
			ForceConfirmPayment: envOrBool("FORCE_CONFIRM_PAYMENT", false),
		},
		Chain: ChainConfig{
			RPCURL:            envOr("SOLANA_RPC_URL", "https://api.devnet.solana.com"),
			MasterSeed:        masterSeed,
			TreasuryKey:       treasuryKey,
			USDCMint:          envOr("USDC_MINT", "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU"),
			PriceUSDC:         envOrUint64("PRICE_USDC", 2_250_000),
			FundingLamports:   envOrUint64("ESCROW_FUNDING_LAMPORTS", 3_000_000),
			FeeBufferLamports: envOrUint64("SWEEP_FEE_BUFFER_LAMPORTS", 5_000),
		},
		Mint: MintConfig{
			Symbol:             envOr("NFT_SYMBOL", "SNAP"),
			RoyaltyBasisPoints: uint16(envOrInt("NFT_ROYALTY_BASIS_POINTS", 500)),
		},
		Uploader: UploaderConfig{
			Endpoints: splitList(envOr("PINATA_ENDPOINTS", "https://api.pinata.cloud")),
			JWT:       envOr("PINATA_JWT", ""),
			Gateway:   envOr("IPFS_GATEWAY", "https://gateway.pinata.cloud/ipfs/"),
			Timeout:   envOrDuration("UPLOAD_TIMEOUT", 30*time.Second),
		},
	}

	return cfg, nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		var parsed int
		if _, err := fmt.Sscanf(val, "%d", &parsed); err == nil {
			return parsed
		}
	}
	return fallback
}

func envOrUint64(key string, fallback uint64) uint64 {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if parsed, err := strconv.ParseUint(val, 10, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func envOrBool(key string, fallback bool) bool {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if parsed, err := strconv.ParseBool(val); err == nil {
			return parsed
		}
	}
	return fallback
}

func envOrDuration(key string, fallback time.Duration) time.Duration {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return fallback
}
