package session

import (
	"context"
	"fmt"
	"log"

	solana "github.com/gagliardetto/solana-go"

	"snapmint/internal/ledger"
)

// Sweeper returns residual escrow value to the treasury after a successful
// mint: the USDC payment first, then leftover lamports minus a fee buffer.
// Running it twice is safe; a second sweep observes zero balances.
type Sweeper struct {
	ledger    ledger.Ledger
	usdcMint  string
	treasury  string
	feeBuffer uint64
}

func NewSweeper(l ledger.Ledger, usdcMint, treasury string, feeBuffer uint64) *Sweeper {
	return &Sweeper{ledger: l, usdcMint: usdcMint, treasury: treasury, feeBuffer: feeBuffer}
}

type SweepResult struct {
	AssetSignature string
	GasSignature   string
}

func (s *Sweeper) Sweep(ctx context.Context, escrowKey solana.PrivateKey) (SweepResult, error) {
	escrowAddress := escrowKey.PublicKey().String()
	var result SweepResult

	balance, err := s.ledger.TokenBalance(ctx, escrowAddress, s.usdcMint)
	if err != nil {
		return result, fmt.Errorf("read escrow token balance: %w", err)
	}
	if balance > 0 {
		sig, err := s.ledger.TransferToken(ctx, escrowKey, s.treasury, s.usdcMint, balance)
		if err != nil {
			return result, fmt.Errorf("sweep token balance: %w", err)
		}
		result.AssetSignature = sig
	}

	lamports, err := s.ledger.NativeBalance(ctx, escrowAddress)
	if err != nil {
		return result, fmt.Errorf("read escrow native balance: %w", err)
	}
	if lamports > s.feeBuffer {
		sig, err := s.ledger.TransferNative(ctx, escrowKey, s.treasury, lamports-s.feeBuffer)
		if err != nil {
			return result, fmt.Errorf("sweep native balance: %w", err)
		}
		result.GasSignature = sig
	} else {
		log.Printf("sweep: escrow %s native balance %d below fee buffer, skipping", escrowAddress, lamports)
	}

	return result, nil
}
