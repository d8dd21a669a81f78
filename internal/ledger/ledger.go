package ledger

import (
	"context"
	"errors"

	solana "github.com/gagliardetto/solana-go"
)

// Submission failures that are recoverable by funding the signer rather than
// by resubmitting the same transaction.
var ErrInsufficientFunds = errors.New("ledger: insufficient funds for fees")

// TokenBalanceChange describes one account's token balance before and after a
// confirmed transaction.
type TokenBalanceChange struct {
	Owner string
	Pre   uint64
	Post  uint64
}

// MintParams names everything a mint transaction needs. Recipient receives the
// freshly created asset.
type MintParams struct {
	Recipient          string
	Name               string
	Symbol             string
	MetadataURI        string
	RoyaltyBasisPoints uint16
}

type MintResult struct {
	MintAddress string
	Signature   string
}

// Ledger abstracts the on-chain interaction. All submissions are confirmed,
// not merely broadcast, before returning.
type Ledger interface {
	NativeBalance(ctx context.Context, address string) (uint64, error)
	// TokenBalance treats a non-existent token account as balance 0.
	TokenBalance(ctx context.Context, owner, mint string) (uint64, error)
	RecentSignatures(ctx context.Context, address string, limit int) ([]string, error)
	TokenBalanceChanges(ctx context.Context, signature, mint string) ([]TokenBalanceChange, error)
	TransferToken(ctx context.Context, from solana.PrivateKey, to, mint string, amount uint64) (string, error)
	TransferNative(ctx context.Context, from solana.PrivateKey, to string, lamports uint64) (string, error)
	MintNFT(ctx context.Context, params MintParams) (MintResult, error)
}

// HealthChecker is implemented by clients that can report RPC liveness.
type HealthChecker interface {
	Ping(ctx context.Context) error
}
