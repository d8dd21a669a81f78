package session

import (
	"context"
	"fmt"

	"snapmint/internal/ledger"
)

// How far back FindCounterparty looks. A payer outside this window is simply
// reported as unknown, never as an error.
const counterpartyScanLimit = 10

// Detector reads the escrow's USDC balance and infers who paid.
type Detector struct {
	ledger       ledger.Ledger
	usdcMint     string
	forceConfirm bool
}

func NewDetector(l ledger.Ledger, usdcMint string, forceConfirm bool) *Detector {
	return &Detector{ledger: l, usdcMint: usdcMint, forceConfirm: forceConfirm}
}

// Received returns the escrow's current USDC balance in micro-USDC.
func (d *Detector) Received(ctx context.Context, escrowAddress string) (uint64, error) {
	return d.ledger.TokenBalance(ctx, escrowAddress, d.usdcMint)
}

// Confirmed reports whether the session's payment threshold has been met,
// along with the balance observed. With force-confirm enabled the ledger is
// never consulted.
func (d *Detector) Confirmed(ctx context.Context, sess *Session) (uint64, bool, error) {
	if d.forceConfirm {
		return sess.RequiredUSDC, true, nil
	}
	received, err := d.Received(ctx, sess.EscrowAddress)
	if err != nil {
		return 0, false, fmt.Errorf("check escrow balance: %w", err)
	}
	return received, received >= sess.RequiredUSDC, nil
}

// FindCounterparty scans the most recent confirmed transfers into the escrow
// and returns the sender of the newest one: the account whose post-transfer
// balance decreased and whose owner is not the escrow itself. Returns "" when
// no matching transfer is in the scanned window — a bounded-recency
// heuristic, so "unknown payer" is an expected outcome.
func (d *Detector) FindCounterparty(ctx context.Context, escrowAddress string) (string, error) {
	sigs, err := d.ledger.RecentSignatures(ctx, escrowAddress, counterpartyScanLimit)
	if err != nil {
		return "", fmt.Errorf("list escrow transfers: %w", err)
	}

	for _, sig := range sigs {
		changes, err := d.ledger.TokenBalanceChanges(ctx, sig, d.usdcMint)
		if err != nil {
			return "", fmt.Errorf("inspect transfer %s: %w", sig, err)
		}
		for _, change := range changes {
			if change.Post < change.Pre && change.Owner != "" && change.Owner != escrowAddress {
				return change.Owner, nil
			}
		}
	}
	return "", nil
}
