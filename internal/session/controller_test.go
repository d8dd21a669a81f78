package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	solana "github.com/gagliardetto/solana-go"

	"snapmint/internal/kvstore"
	"snapmint/internal/ledger"
	"snapmint/internal/uploader"
	"snapmint/internal/wallet"
)

type controllerFixture struct {
	controller *Controller
	store      *Store
	fake       *ledger.FakeLedger
	up         *uploader.FakeUploader
	treasury   string
	dlqDir     string
	now        time.Time
}

func newFixture(t *testing.T) *controllerFixture {
	t.Helper()

	kv := kvstore.NewMemoryStore()
	store := NewStore(kv, 30*time.Minute, 24*time.Hour)
	deriver, err := wallet.NewDeriver("controller-test-seed")
	if err != nil {
		t.Fatalf("deriver: %v", err)
	}

	treasuryKey, err := solana.NewRandomPrivateKey()
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	treasury := treasuryKey.PublicKey().String()

	fake := ledger.NewFakeLedger()
	up := &uploader.FakeUploader{}
	dlqDir := t.TempDir()

	f := &controllerFixture{
		store:    store,
		fake:     fake,
		up:       up,
		treasury: treasury,
		dlqDir:   dlqDir,
		now:      time.Unix(1_700_000_000, 0),
	}

	f.controller = NewController(
		store,
		kv,
		deriver,
		NewDetector(fake, testMint, false),
		NewMinter(up, fake, treasury, "SNAP", 500),
		NewSweeper(fake, testMint, treasury, 5_000),
		fake,
		treasuryKey,
		ControllerConfig{
			PriceUSDC:       2_250_000,
			PaymentWindow:   30 * time.Minute,
			FundingLamports: 3_000_000,
			SweepDLQPath:    dlqDir,
		},
	)
	f.controller.Now = func() time.Time { return f.now }
	return f
}

func (f *controllerFixture) createSession(t *testing.T) CreateResult {
	t.Helper()
	created, err := f.controller.Create(context.Background(), CreateRequest{
		OutputType: OutputPhoto,
		Answers:    []string{"blue"},
		Mode:       "dreamy",
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return created
}

func (f *controllerFixture) pay(created CreateResult, amount uint64, buyer string) {
	f.fake.TokenBalances[created.EscrowAddress] = amount
	sig := fmt.Sprintf("pay-%s", created.SessionID)
	f.fake.Signatures[created.EscrowAddress] = []string{sig}
	f.fake.Changes[sig] = []ledger.TokenBalanceChange{
		{Owner: created.EscrowAddress, Pre: 0, Post: amount},
		{Owner: buyer, Pre: 10_000_000, Post: 10_000_000 - amount},
	}
}

// wireController assembles a controller around an arbitrary kv store and
// ledger, for tests that need to interpose on either.
func wireController(t *testing.T, kv kvstore.Store, l ledger.Ledger) (*Controller, *Store) {
	t.Helper()

	store := NewStore(kv, 30*time.Minute, 24*time.Hour)
	deriver, err := wallet.NewDeriver("wired-test-seed")
	if err != nil {
		t.Fatalf("deriver: %v", err)
	}
	treasuryKey, err := solana.NewRandomPrivateKey()
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	treasury := treasuryKey.PublicKey().String()

	ctrl := NewController(
		store,
		kv,
		deriver,
		NewDetector(l, testMint, false),
		NewMinter(&uploader.FakeUploader{}, l, treasury, "SNAP", 500),
		NewSweeper(l, testMint, treasury, 5_000),
		l,
		treasuryKey,
		ControllerConfig{
			PriceUSDC:       2_250_000,
			PaymentWindow:   30 * time.Minute,
			FundingLamports: 3_000_000,
			SweepDLQPath:    t.TempDir(),
		},
	)
	return ctrl, store
}

func TestCreateFundsAndRegistersSession(t *testing.T) {
	f := newFixture(t)
	created := f.createSession(t)

	if created.EscrowAddress == "" || created.SessionID == "" {
		t.Fatalf("incomplete create result: %+v", created)
	}
	if created.AmountUSDC != 2_250_000 {
		t.Fatalf("unexpected price: %d", created.AmountUSDC)
	}
	if f.fake.NativeBalances[created.EscrowAddress] != 3_000_000 {
		t.Fatalf("escrow should be funded with gas, got %d", f.fake.NativeBalances[created.EscrowAddress])
	}

	id, err := f.store.MapAddress(context.Background(), created.EscrowAddress)
	if err != nil || id != created.SessionID {
		t.Fatalf("address index not written: id=%q err=%v", id, err)
	}
}

func TestCreateRejectsUnknownOutputType(t *testing.T) {
	f := newFixture(t)
	_, err := f.controller.Create(context.Background(), CreateRequest{OutputType: "hologram"})
	if !errors.Is(err, ErrUnknownOutputType) {
		t.Fatalf("expected ErrUnknownOutputType, got %v", err)
	}
}

func TestCreateAllocatesDistinctEscrows(t *testing.T) {
	f := newFixture(t)
	a := f.createSession(t)
	b := f.createSession(t)
	if a.EscrowAddress == b.EscrowAddress {
		t.Fatalf("two sessions share an escrow address")
	}
}

func TestPollPendingBelowThreshold(t *testing.T) {
	f := newFixture(t)
	created := f.createSession(t)
	f.fake.TokenBalances[created.EscrowAddress] = 1_000_000

	res, err := f.controller.Poll(context.Background(), created.SessionID)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if res.Status != StatusPending {
		t.Fatalf("expected pending, got %s", res.Status)
	}
	if res.ReceivedUSDC != 1_000_000 || res.AmountUSDC != 2_250_000 {
		t.Fatalf("unexpected amounts: %+v", res)
	}
	if f.fake.MintCalls != 0 {
		t.Fatalf("no mint should be submitted below threshold")
	}
}

func TestPollPaymentTriggersMintAndSweep(t *testing.T) {
	f := newFixture(t)
	created := f.createSession(t)
	f.pay(created, 2_250_000, "buyer-wallet")

	res, err := f.controller.Poll(context.Background(), created.SessionID)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if res.Status != StatusSwept {
		t.Fatalf("expected swept after mint+sweep, got %s", res.Status)
	}
	if res.MintAddress == "" || res.MintSignature == "" {
		t.Fatalf("expected mint identifiers in response: %+v", res)
	}
	if len(f.fake.MintedTo) != 1 || f.fake.MintedTo[0] != "buyer-wallet" {
		t.Fatalf("expected mint to detected buyer, got %v", f.fake.MintedTo)
	}
	if f.fake.TokenBalances[f.treasury] != 2_250_000 {
		t.Fatalf("expected payment swept to treasury, got %d", f.fake.TokenBalances[f.treasury])
	}

	// Re-poll returns the identical cached result, no new transactions.
	again, err := f.controller.Poll(context.Background(), created.SessionID)
	if err != nil {
		t.Fatalf("re-poll: %v", err)
	}
	if again.MintAddress != res.MintAddress || again.MintSignature != res.MintSignature {
		t.Fatalf("re-poll changed the mint result: %+v vs %+v", again, res)
	}
	if f.fake.MintCalls != 1 {
		t.Fatalf("expected exactly one mint, got %d", f.fake.MintCalls)
	}
}

func TestPollUnknownBuyerMintsToTreasury(t *testing.T) {
	f := newFixture(t)
	created := f.createSession(t)
	// Balance arrives but no sender is identifiable in the scan window.
	f.fake.TokenBalances[created.EscrowAddress] = 2_250_000

	res, err := f.controller.Poll(context.Background(), created.SessionID)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if res.Status != StatusSwept {
		t.Fatalf("expected swept, got %s", res.Status)
	}
	if len(f.fake.MintedTo) != 1 || f.fake.MintedTo[0] != f.treasury {
		t.Fatalf("unknown payer should fall back to treasury, got %v", f.fake.MintedTo)
	}
}

func TestPollMidMintReturnsMintingWithoutAction(t *testing.T) {
	f := newFixture(t)
	created := f.createSession(t)
	f.pay(created, 2_250_000, "buyer-wallet")

	sess, _, _ := f.store.Get(context.Background(), created.SessionID)
	sess.Status = StatusMinting
	if err := f.store.Update(context.Background(), sess); err != nil {
		t.Fatalf("update: %v", err)
	}

	res, err := f.controller.Poll(context.Background(), created.SessionID)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if res.Status != StatusMinting {
		t.Fatalf("expected minting, got %s", res.Status)
	}
	if f.fake.MintCalls != 0 {
		t.Fatalf("a poll against minting must not submit a transaction")
	}
}

func TestPollExpiry(t *testing.T) {
	f := newFixture(t)
	created := f.createSession(t)

	f.now = f.now.Add(31 * time.Minute)
	res, err := f.controller.Poll(context.Background(), created.SessionID)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if res.Status != StatusExpired {
		t.Fatalf("expected expired, got %s", res.Status)
	}
	if f.fake.MintCalls != 0 {
		t.Fatalf("expired session must never mint")
	}

	// Late payment after expiry does not resurrect the session.
	f.pay(created, 2_250_000, "buyer-wallet")
	res, err = f.controller.Poll(context.Background(), created.SessionID)
	if err != nil {
		t.Fatalf("re-poll: %v", err)
	}
	if res.Status != StatusExpired || f.fake.MintCalls != 0 {
		t.Fatalf("expired is terminal, got %s with %d mints", res.Status, f.fake.MintCalls)
	}
}

func TestPollMintFailureInsufficientGas(t *testing.T) {
	f := newFixture(t)
	created := f.createSession(t)
	f.pay(created, 2_250_000, "buyer-wallet")
	f.fake.MintErr = fmt.Errorf("send transaction: %w", ledger.ErrInsufficientFunds)

	res, err := f.controller.Poll(context.Background(), created.SessionID)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if res.Status != StatusNeedsFunding {
		t.Fatalf("expected needs_funding, got %s", res.Status)
	}
	if res.Message == "" {
		t.Fatalf("expected a failure message")
	}

	sess, _, _ := f.store.Get(context.Background(), created.SessionID)
	if sess.Buyer != "buyer-wallet" {
		t.Fatalf("mint failure must preserve the detected buyer, got %q", sess.Buyer)
	}

	// Funding the treasury and re-polling completes the mint to the same buyer.
	f.fake.MintErr = nil
	res, err = f.controller.Poll(context.Background(), created.SessionID)
	if err != nil {
		t.Fatalf("retry poll: %v", err)
	}
	if res.Status != StatusSwept {
		t.Fatalf("expected swept after retry, got %s", res.Status)
	}
	if f.fake.MintedTo[len(f.fake.MintedTo)-1] != "buyer-wallet" {
		t.Fatalf("retry should mint to the preserved buyer, got %v", f.fake.MintedTo)
	}
}

func TestPollMintFailureGeneric(t *testing.T) {
	f := newFixture(t)
	created := f.createSession(t)
	f.pay(created, 2_250_000, "buyer-wallet")
	f.fake.MintErr = errors.New("blockhash not found")

	res, err := f.controller.Poll(context.Background(), created.SessionID)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if res.Status != StatusPaid {
		t.Fatalf("expected paid, got %s", res.Status)
	}

	sess, _, _ := f.store.Get(context.Background(), created.SessionID)
	if sess.Buyer != "buyer-wallet" {
		t.Fatalf("mint failure must preserve the detected buyer, got %q", sess.Buyer)
	}
}

func TestPollUploadFailureLeavesRetryableState(t *testing.T) {
	f := newFixture(t)
	created := f.createSession(t)
	f.pay(created, 2_250_000, "buyer-wallet")
	f.up.Err = uploader.ErrNoContentID

	res, err := f.controller.Poll(context.Background(), created.SessionID)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if res.Status != StatusPaid {
		t.Fatalf("upload failure should leave the session paid, got %s", res.Status)
	}
	if f.fake.MintCalls != 0 {
		t.Fatalf("mint must not run after a failed upload")
	}

	f.up.Err = nil
	res, err = f.controller.Poll(context.Background(), created.SessionID)
	if err != nil {
		t.Fatalf("retry poll: %v", err)
	}
	if res.Status != StatusSwept {
		t.Fatalf("expected swept after retry, got %s", res.Status)
	}
}

func TestPollSweepFailureKeepsMinted(t *testing.T) {
	f := newFixture(t)
	created := f.createSession(t)
	f.pay(created, 2_250_000, "buyer-wallet")
	f.fake.TransferErr = errors.New("node unavailable")

	res, err := f.controller.Poll(context.Background(), created.SessionID)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if res.Status != StatusMinted {
		t.Fatalf("sweep failure must not revert minted, got %s", res.Status)
	}
	if res.MintAddress == "" {
		t.Fatalf("minted result should carry the mint address")
	}

	entries, err := os.ReadDir(f.dlqDir)
	if err != nil {
		t.Fatalf("dlq read: %v", err)
	}
	if len(entries) == 0 {
		t.Fatalf("expected a sweep DLQ entry")
	}

	// Next poll returns the cached minted result and does not mint again.
	again, err := f.controller.Poll(context.Background(), created.SessionID)
	if err != nil {
		t.Fatalf("re-poll: %v", err)
	}
	if again.Status != StatusMinted || f.fake.MintCalls != 1 {
		t.Fatalf("expected cached minted with one mint, got %s with %d", again.Status, f.fake.MintCalls)
	}
}

// ctxStore rejects operations once the context is cancelled, the way the
// Postgres-backed store does.
type ctxStore struct {
	kvstore.Store
}

func (c *ctxStore) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	return c.Store.Get(ctx, key)
}

func (c *ctxStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.Store.Set(ctx, key, value, ttl)
}

func (c *ctxStore) Increment(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return c.Store.Increment(ctx, key)
}

func (c *ctxStore) CompareAndSwap(ctx context.Context, key, expect, value string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return c.Store.CompareAndSwap(ctx, key, expect, value, ttl)
}

// dropLedger cancels the given context when the mint is submitted, emulating a
// polling client that disconnects mid-mint.
type dropLedger struct {
	*ledger.FakeLedger
	cancel context.CancelFunc
}

func (d *dropLedger) MintNFT(ctx context.Context, params ledger.MintParams) (ledger.MintResult, error) {
	d.cancel()
	return d.FakeLedger.MintNFT(ctx, params)
}

func TestPollClientDisconnectDoesNotStrandMinting(t *testing.T) {
	pollCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	kv := &ctxStore{Store: kvstore.NewMemoryStore()}
	fake := ledger.NewFakeLedger()
	fake.MintErr = errors.New("blockhash not found")
	ctrl, store := wireController(t, kv, &dropLedger{FakeLedger: fake, cancel: cancel})

	created, err := ctrl.Create(context.Background(), CreateRequest{OutputType: OutputPhoto})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	fake.TokenBalances[created.EscrowAddress] = 2_250_000

	// The client disconnects while the mint is in flight and the mint fails.
	// The paid outcome must still be persisted.
	res, err := ctrl.Poll(pollCtx, created.SessionID)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if res.Status != StatusPaid {
		t.Fatalf("expected paid despite disconnect, got %s", res.Status)
	}

	sess, _, err := store.Get(context.Background(), created.SessionID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if sess.Status != StatusPaid {
		t.Fatalf("session stranded at %s after client disconnect", sess.Status)
	}

	// A later poll can still finish the job.
	fake.MintErr = nil
	res, err = ctrl.Poll(context.Background(), created.SessionID)
	if err != nil {
		t.Fatalf("retry poll: %v", err)
	}
	if res.Status != StatusSwept {
		t.Fatalf("expected swept after retry, got %s", res.Status)
	}
}

func TestConcurrentPollsMintOnce(t *testing.T) {
	f := newFixture(t)
	created := f.createSession(t)
	f.pay(created, 2_250_000, "buyer-wallet")

	const pollers = 4
	var wg sync.WaitGroup
	results := make([]PollResult, pollers)
	errs := make([]error, pollers)
	for i := 0; i < pollers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.controller.Poll(context.Background(), created.SessionID)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("poll %d: %v", i, err)
		}
	}
	if f.fake.MintCalls != 1 {
		t.Fatalf("expected exactly one mint under concurrent polls, got %d", f.fake.MintCalls)
	}

	won := false
	for _, res := range results {
		switch res.Status {
		case StatusSwept:
			won = true
		case StatusMinting, StatusMinted:
		default:
			t.Fatalf("unexpected status %s under concurrent polls", res.Status)
		}
	}
	if !won {
		t.Fatalf("no poll completed the lifecycle")
	}
}

// hookStore runs a callback before the next CompareAndSwap, letting a test
// interleave a write exactly inside the claim window.
type hookStore struct {
	kvstore.Store
	mu        sync.Mutex
	beforeCAS func()
}

func (h *hookStore) CompareAndSwap(ctx context.Context, key, expect, value string, ttl time.Duration) (bool, error) {
	h.mu.Lock()
	fn := h.beforeCAS
	h.beforeCAS = nil
	h.mu.Unlock()
	if fn != nil {
		fn()
	}
	return h.Store.CompareAndSwap(ctx, key, expect, value, ttl)
}

func TestPollClaimLostToMediaWriteReportsCurrentState(t *testing.T) {
	kv := &hookStore{Store: kvstore.NewMemoryStore()}
	fake := ledger.NewFakeLedger()
	ctrl, _ := wireController(t, kv, fake)

	created, err := ctrl.Create(context.Background(), CreateRequest{OutputType: OutputPhoto})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	fake.TokenBalances[created.EscrowAddress] = 2_250_000

	// A media write slips in between the poll's read and its claim.
	kv.beforeCAS = func() {
		if err := ctrl.AttachMedia(context.Background(), created.SessionID, "ipfs://late-artifact"); err != nil {
			t.Errorf("attach media: %v", err)
		}
	}

	res, err := ctrl.Poll(context.Background(), created.SessionID)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if res.Status != StatusPending {
		t.Fatalf("a claim lost to a media write must report the stored state, got %s", res.Status)
	}
	if res.EscrowAddress != created.EscrowAddress {
		t.Fatalf("reload should include the escrow details for display")
	}
	if fake.MintCalls != 0 {
		t.Fatalf("lost claim must not mint")
	}

	// The next poll claims cleanly and carries the late media through.
	res, err = ctrl.Poll(context.Background(), created.SessionID)
	if err != nil {
		t.Fatalf("re-poll: %v", err)
	}
	if res.Status != StatusSwept {
		t.Fatalf("expected swept, got %s", res.Status)
	}
}

func TestAttachMedia(t *testing.T) {
	f := newFixture(t)
	created := f.createSession(t)

	if err := f.controller.AttachMedia(context.Background(), created.SessionID, "ipfs://artifact"); err != nil {
		t.Fatalf("attach media: %v", err)
	}
	sess, _, _ := f.store.Get(context.Background(), created.SessionID)
	if sess.Artifact.ContentURI != "ipfs://artifact" {
		t.Fatalf("content uri not recorded: %+v", sess.Artifact)
	}

	sess.Status = StatusMinted
	if err := f.store.Update(context.Background(), sess); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := f.controller.AttachMedia(context.Background(), created.SessionID, "ipfs://late"); err == nil {
		t.Fatalf("media must be frozen once minted")
	}
}
