package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	solana "github.com/gagliardetto/solana-go"

	"snapmint/internal/kvstore"
	"snapmint/internal/ledger"
	"snapmint/internal/wallet"
)

var ErrUnknownOutputType = errors.New("session: unknown output type")

// Bound on the mint-and-sweep chain once a poll has claimed the session.
const orchestrationTimeout = 5 * time.Minute

// ControllerConfig carries the chain-facing knobs the controller needs.
type ControllerConfig struct {
	PriceUSDC       uint64
	PaymentWindow   time.Duration
	FundingLamports uint64
	SweepDLQPath    string
}

// Controller is the state machine tying derivation, detection, minting and
// sweeping together. Each poll is an independent stateless invocation; all
// coordination goes through the store.
type Controller struct {
	store    *Store
	kv       kvstore.Store
	deriver  *wallet.Deriver
	detector *Detector
	minter   *Minter
	sweeper  *Sweeper
	ledger   ledger.Ledger
	treasury solana.PrivateKey
	cfg      ControllerConfig

	// Now is overridable in tests.
	Now func() time.Time
}

func NewController(
	store *Store,
	kv kvstore.Store,
	deriver *wallet.Deriver,
	detector *Detector,
	minter *Minter,
	sweeper *Sweeper,
	l ledger.Ledger,
	treasury solana.PrivateKey,
	cfg ControllerConfig,
) *Controller {
	return &Controller{
		store:    store,
		kv:       kv,
		deriver:  deriver,
		detector: detector,
		minter:   minter,
		sweeper:  sweeper,
		ledger:   l,
		treasury: treasury,
		cfg:      cfg,
		Now:      time.Now,
	}
}

type CreateRequest struct {
	OutputType OutputType `json:"outputType"`
	Answers    []string   `json:"answers"`
	Mode       string     `json:"mode"`
	Speed      string     `json:"speed"`
}

type CreateResult struct {
	SessionID     string    `json:"sessionId"`
	EscrowAddress string    `json:"escrowAddress"`
	AmountUSDC    uint64    `json:"amountUsdc"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

// PollResult is what a poll reports back to the frontend. Message is set when
// the last transition failed; the status string tells the caller whether
// re-polling can still make progress.
type PollResult struct {
	Status        Status `json:"status"`
	EscrowAddress string `json:"escrowAddress,omitempty"`
	AmountUSDC    uint64 `json:"amountUsdc,omitempty"`
	ReceivedUSDC  uint64 `json:"receivedUsdc,omitempty"`
	MintAddress   string `json:"mintAddress,omitempty"`
	MintSignature string `json:"mintSignature,omitempty"`
	Message       string `json:"message,omitempty"`
}

// Create allocates a fresh escrow, funds it with enough lamports to pay sweep
// fees later, and registers the session.
func (c *Controller) Create(ctx context.Context, req CreateRequest) (CreateResult, error) {
	if !req.OutputType.Valid() {
		return CreateResult{}, ErrUnknownOutputType
	}

	index, err := c.deriver.Allocate(ctx, c.kv)
	if err != nil {
		return CreateResult{}, err
	}
	escrowKey, err := c.deriver.Derive(index)
	if err != nil {
		return CreateResult{}, fmt.Errorf("derive escrow key: %w", err)
	}
	escrowAddress := escrowKey.PublicKey().String()

	if c.cfg.FundingLamports > 0 {
		if _, err := c.ledger.TransferNative(ctx, c.treasury, escrowAddress, c.cfg.FundingLamports); err != nil {
			return CreateResult{}, fmt.Errorf("fund escrow: %w", err)
		}
	}

	now := c.Now()
	sess := &Session{
		ID:            SessionID(index, now),
		Index:         index,
		EscrowAddress: escrowAddress,
		OutputType:    req.OutputType,
		Artifact: ArtifactMeta{
			Answers: req.Answers,
			Mode:    req.Mode,
			Speed:   req.Speed,
		},
		Status:       StatusPending,
		CreatedAt:    now,
		ExpiresAt:    now.Add(c.cfg.PaymentWindow),
		RequiredUSDC: c.cfg.PriceUSDC,
	}
	if err := c.store.Create(ctx, sess); err != nil {
		return CreateResult{}, err
	}

	log.Printf("session %s created, escrow %s awaiting %d micro-USDC", sess.ID, escrowAddress, sess.RequiredUSDC)
	return CreateResult{
		SessionID:     sess.ID,
		EscrowAddress: escrowAddress,
		AmountUSDC:    sess.RequiredUSDC,
		ExpiresAt:     sess.ExpiresAt,
	}, nil
}

// AttachMedia uploads the generated artifact and records its URI on the
// session. Only allowed before the mint has claimed the session.
func (c *Controller) AttachMedia(ctx context.Context, id string, uri string) error {
	sess, raw, err := c.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !sess.Status.Retryable() {
		return fmt.Errorf("session %s is %s; media can no longer change", id, sess.Status)
	}
	sess.Artifact.ContentURI = uri
	swapped, err := c.store.Swap(ctx, raw, sess)
	if err != nil {
		return err
	}
	if !swapped {
		return fmt.Errorf("session %s changed concurrently, retry media upload", id)
	}
	return nil
}

// Poll advances the state machine by at most one transition chain. The
// critical ordering: the session is claimed by swapping its record to minting
// BEFORE any orchestration runs, so a concurrent poll observes minting and
// backs off — at most one mint per session.
func (c *Controller) Poll(ctx context.Context, id string) (PollResult, error) {
	sess, raw, err := c.store.Get(ctx, id)
	if err != nil {
		return PollResult{}, err
	}

	switch {
	case sess.Status.Terminal():
		return c.cachedResult(sess), nil
	case sess.Status == StatusMinting:
		return PollResult{Status: StatusMinting}, nil
	}

	now := c.Now()
	if sess.Expired(now) {
		expired := *sess
		expired.Status = StatusExpired
		if swapped, err := c.store.Swap(ctx, raw, &expired); err != nil || !swapped {
			// Lost a race with another poll; report whatever won.
			return c.reload(ctx, id)
		}
		return PollResult{Status: StatusExpired}, nil
	}

	received, confirmed, err := c.detector.Confirmed(ctx, sess)
	if err != nil {
		return PollResult{}, err
	}
	if !confirmed {
		return PollResult{
			Status:        sess.Status,
			EscrowAddress: sess.EscrowAddress,
			AmountUSDC:    sess.RequiredUSDC,
			ReceivedUSDC:  received,
		}, nil
	}

	// Claim the session before any orchestration.
	claimed := *sess
	claimed.Status = StatusMinting
	claimed.LastError = ""
	swapped, err := c.store.Swap(ctx, raw, &claimed)
	if err != nil {
		return PollResult{}, err
	}
	if !swapped {
		// The record changed under us: another poll claimed it, or a media
		// write landed. Report whatever is stored now.
		return c.reload(ctx, id)
	}

	// The claim is ours. From here on the work must outlive the request: a
	// poller that disconnects mid-mint must not strand the record at minting,
	// where no later poll would ever act on it.
	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), orchestrationTimeout)
	defer cancel()
	return c.mintAndSweep(opCtx, &claimed, received)
}

// PollByAddress resolves the escrow address through the address index and
// polls the owning session.
func (c *Controller) PollByAddress(ctx context.Context, address string) (PollResult, error) {
	id, err := c.store.MapAddress(ctx, address)
	if err != nil {
		return PollResult{}, err
	}
	return c.Poll(ctx, id)
}

func (c *Controller) mintAndSweep(ctx context.Context, sess *Session, received uint64) (PollResult, error) {
	if sess.Buyer == "" {
		buyer, err := c.detector.FindCounterparty(ctx, sess.EscrowAddress)
		if err != nil {
			// Unknown payer is an expected outcome; the mint falls back to
			// the treasury as recipient.
			log.Printf("session %s: counterparty detection failed: %v", sess.ID, err)
		}
		sess.Buyer = buyer
	}

	result, metadataURI, err := c.minter.Mint(ctx, sess, sess.Buyer)
	sess.MetadataURI = metadataURI
	if err != nil {
		status := StatusPaid
		if errors.Is(err, ledger.ErrInsufficientFunds) {
			status = StatusNeedsFunding
		}
		sess.Status = status
		sess.LastError = err.Error()
		if updateErr := c.store.Update(ctx, sess); updateErr != nil {
			log.Printf("session %s: persist %s failed: %v", sess.ID, status, updateErr)
		}
		log.Printf("session %s: mint failed (%s): %v", sess.ID, status, err)
		return PollResult{
			Status:        status,
			EscrowAddress: sess.EscrowAddress,
			AmountUSDC:    sess.RequiredUSDC,
			ReceivedUSDC:  received,
			Message:       err.Error(),
		}, nil
	}

	sess.Status = StatusMinted
	sess.MintAddress = result.MintAddress
	sess.MintSignature = result.Signature
	sess.LastError = ""
	if err := c.store.Update(ctx, sess); err != nil {
		// The asset already exists on chain; keep going so the sweep runs.
		log.Printf("session %s: persist minted failed: %v", sess.ID, err)
	}
	log.Printf("session %s: minted %s to %s", sess.ID, result.MintAddress, recipientLabel(sess.Buyer))

	c.sweep(ctx, sess)
	return c.cachedResult(sess), nil
}

// sweep runs after a successful mint. Failure is non-fatal: the buyer already
// has the asset, so the session stays minted and the failure goes to the DLQ
// for operator replay.
func (c *Controller) sweep(ctx context.Context, sess *Session) {
	escrowKey, err := c.deriver.Derive(sess.Index)
	if err != nil {
		log.Printf("session %s: derive escrow key for sweep: %v", sess.ID, err)
		c.writeSweepDLQ(sess, err)
		return
	}

	result, err := c.sweeper.Sweep(ctx, escrowKey)
	if err != nil {
		log.Printf("session %s: sweep failed: %v", sess.ID, err)
		c.writeSweepDLQ(sess, err)
		return
	}

	sess.Status = StatusSwept
	sess.AssetSweepSignature = result.AssetSignature
	sess.GasSweepSignature = result.GasSignature
	if err := c.store.Update(ctx, sess); err != nil {
		log.Printf("session %s: persist swept failed: %v", sess.ID, err)
	}
}

func (c *Controller) cachedResult(sess *Session) PollResult {
	res := PollResult{
		Status:        sess.Status,
		MintAddress:   sess.MintAddress,
		MintSignature: sess.MintSignature,
	}
	if sess.LastError != "" {
		res.Message = sess.LastError
	}
	return res
}

func (c *Controller) reload(ctx context.Context, id string) (PollResult, error) {
	sess, _, err := c.store.Get(ctx, id)
	if err != nil {
		return PollResult{}, err
	}
	switch {
	case sess.Status == StatusMinting:
		return PollResult{Status: StatusMinting}, nil
	case sess.Status.Retryable():
		return PollResult{
			Status:        sess.Status,
			EscrowAddress: sess.EscrowAddress,
			AmountUSDC:    sess.RequiredUSDC,
			Message:       sess.LastError,
		}, nil
	}
	return c.cachedResult(sess), nil
}

func (c *Controller) writeSweepDLQ(sess *Session, sweepErr error) {
	if c.cfg.SweepDLQPath == "" {
		return
	}

	entry := struct {
		Timestamp     time.Time `json:"timestamp"`
		SessionID     string    `json:"sessionId"`
		SessionIndex  int64     `json:"sessionIndex"`
		EscrowAddress string    `json:"escrowAddress"`
		Error         string    `json:"error"`
	}{
		Timestamp:     time.Now().UTC(),
		SessionID:     sess.ID,
		SessionIndex:  sess.Index,
		EscrowAddress: sess.EscrowAddress,
		Error:         sweepErr.Error(),
	}

	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		log.Printf("sweep dlq marshal error: %v", err)
		return
	}

	if err := os.MkdirAll(c.cfg.SweepDLQPath, 0o755); err != nil {
		log.Printf("sweep dlq mkdir error: %v", err)
		return
	}

	filename := fmt.Sprintf("%d-%s.json", time.Now().UnixNano(), sess.ID)
	if err := os.WriteFile(filepath.Join(c.cfg.SweepDLQPath, filename), data, 0o600); err != nil {
		log.Printf("sweep dlq write error: %v", err)
	}
}

func recipientLabel(buyer string) string {
	if buyer == "" {
		return "treasury (payer unknown)"
	}
	return buyer
}
