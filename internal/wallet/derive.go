// Package wallet is the sole custody boundary: every escrow keypair is derived
// here and nowhere else.
package wallet

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	solana "github.com/gagliardetto/solana-go"
	"golang.org/x/crypto/hkdf"

	"snapmint/internal/kvstore"
)

// Indices at or below ReservedIndexOffset are never handed to sessions; they
// are reserved for the treasury and any future operator keys. The first
// session index issued is ReservedIndexOffset + 1.
const ReservedIndexOffset = 100

const indexCounterKey = "wallet:index"

var ErrMissingMasterSeed = errors.New("wallet: master seed is required")

// Deriver derives escrow keypairs from a master seed and an integer index.
// derive(index) is a pure function; the same (seed, index) always yields the
// same keypair.
type Deriver struct {
	seed []byte
}

func NewDeriver(masterSeed string) (*Deriver, error) {
	if masterSeed == "" {
		return nil, ErrMissingMasterSeed
	}
	return &Deriver{seed: []byte(masterSeed)}, nil
}

// Derive returns the escrow keypair for the given index.
func (d *Deriver) Derive(index int64) (solana.PrivateKey, error) {
	info := fmt.Sprintf("snapmint/escrow/%d", index)
	h := hkdf.New(sha256.New, d.seed, nil, []byte(info))
	keySeed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(h, keySeed); err != nil {
		return nil, fmt.Errorf("reading from HKDF: %w", err)
	}
	return solana.PrivateKey(ed25519.NewKeyFromSeed(keySeed)), nil
}

// Allocate returns a fresh, never-before-issued session index. The counter
// lives in the durable store so stateless invocations cannot collide.
func (d *Deriver) Allocate(ctx context.Context, store kvstore.Store) (int64, error) {
	n, err := store.Increment(ctx, indexCounterKey)
	if err != nil {
		return 0, fmt.Errorf("allocate index: %w", err)
	}
	return ReservedIndexOffset + n, nil
}
