package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	solana "github.com/gagliardetto/solana-go"
)

// FakeLedger is an in-memory ledger for tests. Balances are keyed by base58
// address; transfer signatures are deterministic hashes of their inputs.
type FakeLedger struct {
	mu sync.Mutex

	NativeBalances map[string]uint64
	TokenBalances  map[string]uint64
	Signatures     map[string][]string
	Changes        map[string][]TokenBalanceChange

	MintErr      error
	TransferErr  error
	MintCalls    int
	MintedTo     []string
	TokenSweeps  []string
	NativeSweeps []string
}

func NewFakeLedger() *FakeLedger {
	return &FakeLedger{
		NativeBalances: make(map[string]uint64),
		TokenBalances:  make(map[string]uint64),
		Signatures:     make(map[string][]string),
		Changes:        make(map[string][]TokenBalanceChange),
	}
}

func (f *FakeLedger) NativeBalance(_ context.Context, address string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.NativeBalances[address], nil
}

func (f *FakeLedger) TokenBalance(_ context.Context, owner, _ string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.TokenBalances[owner], nil
}

func (f *FakeLedger) RecentSignatures(_ context.Context, address string, limit int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sigs := f.Signatures[address]
	if len(sigs) > limit {
		sigs = sigs[:limit]
	}
	return sigs, nil
}

func (f *FakeLedger) TokenBalanceChanges(_ context.Context, signature, _ string) ([]TokenBalanceChange, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Changes[signature], nil
}

func (f *FakeLedger) TransferToken(_ context.Context, from solana.PrivateKey, to, mint string, amount uint64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.TransferErr != nil {
		return "", f.TransferErr
	}
	owner := from.PublicKey().String()
	if f.TokenBalances[owner] < amount {
		return "", fmt.Errorf("fake ledger: token balance too low")
	}
	f.TokenBalances[owner] -= amount
	f.TokenBalances[to] += amount
	f.TokenSweeps = append(f.TokenSweeps, owner)
	return fakeHash("token", owner, to, mint), nil
}

func (f *FakeLedger) TransferNative(_ context.Context, from solana.PrivateKey, to string, lamports uint64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.TransferErr != nil {
		return "", f.TransferErr
	}
	owner := from.PublicKey().String()
	f.NativeBalances[to] += lamports
	f.NativeSweeps = append(f.NativeSweeps, owner)
	return fakeHash("native", owner, to), nil
}

func (f *FakeLedger) MintNFT(_ context.Context, params MintParams) (MintResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.MintCalls++
	if f.MintErr != nil {
		return MintResult{}, f.MintErr
	}
	f.MintedTo = append(f.MintedTo, params.Recipient)
	return MintResult{
		MintAddress: fakeHash("mint", params.Recipient, params.MetadataURI)[:44],
		Signature:   fakeHash("mintsig", params.Recipient, params.MetadataURI),
	}, nil
}

func fakeHash(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}
