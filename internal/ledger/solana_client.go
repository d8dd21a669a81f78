package ledger

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	bin "github.com/gagliardetto/binary"
	solana "github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
)

// SPL mint account size in bytes.
const mintAccountSize = 82

// A transaction that has not confirmed after this long is reported as failed
// rather than waited on forever.
const defaultConfirmTimeout = 90 * time.Second

// SolanaClient talks to a Solana RPC node. The treasury key pays fees and
// holds mint authority for every asset the service creates.
type SolanaClient struct {
	rpc      *rpc.Client
	treasury solana.PrivateKey

	// confirmTimeout bounds waitForConfirmation; zero means the default.
	confirmTimeout time.Duration
}

type SolanaClientConfig struct {
	RPCURL            string
	TreasuryKeyBase58 string
}

func NewSolanaClient(cfg SolanaClientConfig) (*SolanaClient, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	treasury, err := solana.PrivateKeyFromBase58(cfg.TreasuryKeyBase58)
	if err != nil {
		return nil, fmt.Errorf("parse treasury key: %w", err)
	}
	return &SolanaClient{
		rpc:      rpc.New(cfg.RPCURL),
		treasury: treasury,
	}, nil
}

// TreasuryAddress returns the treasury public key in base58.
func (c *SolanaClient) TreasuryAddress() string {
	return c.treasury.PublicKey().String()
}

func (c *SolanaClient) Ping(ctx context.Context) error {
	_, err := c.rpc.GetSlot(ctx, rpc.CommitmentConfirmed)
	return err
}

func (c *SolanaClient) NativeBalance(ctx context.Context, address string) (uint64, error) {
	pub, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return 0, fmt.Errorf("invalid address: %w", err)
	}
	out, err := c.rpc.GetBalance(ctx, pub, rpc.CommitmentConfirmed)
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return out.Value, nil
}

func (c *SolanaClient) TokenBalance(ctx context.Context, owner, mint string) (uint64, error) {
	ownerPub, err := solana.PublicKeyFromBase58(owner)
	if err != nil {
		return 0, fmt.Errorf("invalid owner: %w", err)
	}
	mintPub, err := solana.PublicKeyFromBase58(mint)
	if err != nil {
		return 0, fmt.Errorf("invalid mint: %w", err)
	}

	ata, _, err := solana.FindAssociatedTokenAddress(ownerPub, mintPub)
	if err != nil {
		return 0, fmt.Errorf("derive ata: %w", err)
	}

	out, err := c.rpc.GetTokenAccountBalance(ctx, ata, rpc.CommitmentConfirmed)
	if err != nil {
		// An escrow nobody has paid yet has no token account at all.
		if isMissingAccountErr(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("get token balance: %w", err)
	}
	if out.Value == nil {
		return 0, nil
	}
	amount, err := strconv.ParseUint(out.Value.Amount, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse token amount: %w", err)
	}
	return amount, nil
}

func (c *SolanaClient) RecentSignatures(ctx context.Context, address string, limit int) ([]string, error) {
	pub, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return nil, fmt.Errorf("invalid address: %w", err)
	}

	sigs, err := c.rpc.GetSignaturesForAddressWithOpts(ctx, pub, &rpc.GetSignaturesForAddressOpts{
		Limit:      &limit,
		Commitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		return nil, fmt.Errorf("get signatures: %w", err)
	}

	out := make([]string, 0, len(sigs))
	for _, s := range sigs {
		if s.Err != nil {
			continue
		}
		out = append(out, s.Signature.String())
	}
	return out, nil
}

func (c *SolanaClient) TokenBalanceChanges(ctx context.Context, signature, mint string) ([]TokenBalanceChange, error) {
	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return nil, fmt.Errorf("invalid signature: %w", err)
	}
	mintPub, err := solana.PublicKeyFromBase58(mint)
	if err != nil {
		return nil, fmt.Errorf("invalid mint: %w", err)
	}

	maxVersion := uint64(0)
	tx, err := c.rpc.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
		Commitment:                     rpc.CommitmentConfirmed,
		MaxSupportedTransactionVersion: &maxVersion,
	})
	if err != nil {
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	if tx == nil || tx.Meta == nil {
		return nil, nil
	}

	type delta struct {
		owner string
		pre   uint64
		post  uint64
	}
	byAccount := make(map[uint16]*delta)

	record := func(tb rpc.TokenBalance, pre bool) {
		if !tb.Mint.Equals(mintPub) || tb.UiTokenAmount == nil {
			return
		}
		amount, err := strconv.ParseUint(tb.UiTokenAmount.Amount, 10, 64)
		if err != nil {
			return
		}
		d, ok := byAccount[tb.AccountIndex]
		if !ok {
			d = &delta{}
			if tb.Owner != nil {
				d.owner = tb.Owner.String()
			}
			byAccount[tb.AccountIndex] = d
		}
		if pre {
			d.pre = amount
		} else {
			d.post = amount
		}
	}

	for _, tb := range tx.Meta.PreTokenBalances {
		record(tb, true)
	}
	for _, tb := range tx.Meta.PostTokenBalances {
		record(tb, false)
	}

	changes := make([]TokenBalanceChange, 0, len(byAccount))
	for _, d := range byAccount {
		changes = append(changes, TokenBalanceChange{Owner: d.owner, Pre: d.pre, Post: d.post})
	}
	return changes, nil
}

func (c *SolanaClient) TransferToken(ctx context.Context, from solana.PrivateKey, to, mint string, amount uint64) (string, error) {
	toPub, err := solana.PublicKeyFromBase58(to)
	if err != nil {
		return "", fmt.Errorf("invalid recipient: %w", err)
	}
	mintPub, err := solana.PublicKeyFromBase58(mint)
	if err != nil {
		return "", fmt.Errorf("invalid mint: %w", err)
	}

	decimals, err := c.mintDecimals(ctx, mintPub)
	if err != nil {
		return "", err
	}

	sourceATA, _, err := solana.FindAssociatedTokenAddress(from.PublicKey(), mintPub)
	if err != nil {
		return "", fmt.Errorf("derive source ata: %w", err)
	}
	destATA, _, err := solana.FindAssociatedTokenAddress(toPub, mintPub)
	if err != nil {
		return "", fmt.Errorf("derive destination ata: %w", err)
	}

	transferIx, err := token.NewTransferCheckedInstructionBuilder().
		SetAmount(amount).
		SetDecimals(decimals).
		SetSourceAccount(sourceATA).
		SetMintAccount(mintPub).
		SetDestinationAccount(destATA).
		SetOwnerAccount(from.PublicKey()).
		ValidateAndBuild()
	if err != nil {
		return "", fmt.Errorf("build transfer instruction: %w", err)
	}

	return c.submit(ctx, []solana.Instruction{transferIx}, from.PublicKey(), from)
}

func (c *SolanaClient) TransferNative(ctx context.Context, from solana.PrivateKey, to string, lamports uint64) (string, error) {
	toPub, err := solana.PublicKeyFromBase58(to)
	if err != nil {
		return "", fmt.Errorf("invalid recipient: %w", err)
	}

	transferIx, err := system.NewTransferInstructionBuilder().
		SetLamports(lamports).
		SetFundingAccount(from.PublicKey()).
		SetRecipientAccount(toPub).
		ValidateAndBuild()
	if err != nil {
		return "", fmt.Errorf("build transfer instruction: %w", err)
	}

	return c.submit(ctx, []solana.Instruction{transferIx}, from.PublicKey(), from)
}

func (c *SolanaClient) MintNFT(ctx context.Context, params MintParams) (MintResult, error) {
	recipientPub, err := solana.PublicKeyFromBase58(params.Recipient)
	if err != nil {
		return MintResult{}, fmt.Errorf("invalid recipient: %w", err)
	}

	assetKey, err := solana.NewRandomPrivateKey()
	if err != nil {
		return MintResult{}, fmt.Errorf("generate asset key: %w", err)
	}
	mintPub := assetKey.PublicKey()
	treasuryPub := c.treasury.PublicKey()

	rent, err := c.rpc.GetMinimumBalanceForRentExemption(ctx, mintAccountSize, rpc.CommitmentConfirmed)
	if err != nil {
		return MintResult{}, fmt.Errorf("rent exemption: %w", err)
	}

	recipientATA, _, err := solana.FindAssociatedTokenAddress(recipientPub, mintPub)
	if err != nil {
		return MintResult{}, fmt.Errorf("derive recipient ata: %w", err)
	}

	createIx, err := system.NewCreateAccountInstructionBuilder().
		SetLamports(rent).
		SetSpace(mintAccountSize).
		SetOwner(solana.TokenProgramID).
		SetFundingAccount(treasuryPub).
		SetNewAccount(mintPub).
		ValidateAndBuild()
	if err != nil {
		return MintResult{}, fmt.Errorf("build create account: %w", err)
	}

	initMintIx, err := token.NewInitializeMintInstructionBuilder().
		SetDecimals(0).
		SetMintAuthority(treasuryPub).
		SetFreezeAuthority(treasuryPub).
		SetMintAccount(mintPub).
		SetSysVarRentPubkeyAccount(solana.SysVarRentPubkey).
		ValidateAndBuild()
	if err != nil {
		return MintResult{}, fmt.Errorf("build initialize mint: %w", err)
	}

	createATAIx, err := associatedtokenaccount.NewCreateInstructionBuilder().
		SetPayer(treasuryPub).
		SetWallet(recipientPub).
		SetMint(mintPub).
		ValidateAndBuild()
	if err != nil {
		return MintResult{}, fmt.Errorf("build create ata: %w", err)
	}

	mintToIx, err := token.NewMintToInstructionBuilder().
		SetAmount(1).
		SetMintAccount(mintPub).
		SetDestinationAccount(recipientATA).
		SetAuthorityAccount(treasuryPub).
		ValidateAndBuild()
	if err != nil {
		return MintResult{}, fmt.Errorf("build mint to: %w", err)
	}

	metadataIx, err := newCreateMetadataV3Instruction(metadataV3Params{
		Mint:               mintPub,
		MintAuthority:      treasuryPub,
		Payer:              treasuryPub,
		UpdateAuthority:    treasuryPub,
		Name:               params.Name,
		Symbol:             params.Symbol,
		URI:                params.MetadataURI,
		RoyaltyBasisPoints: params.RoyaltyBasisPoints,
		Creators:           []metadataCreator{{Address: treasuryPub, Verified: true, Share: 100}},
	})
	if err != nil {
		return MintResult{}, fmt.Errorf("build metadata instruction: %w", err)
	}

	sig, err := c.submit(ctx, []solana.Instruction{createIx, initMintIx, createATAIx, mintToIx, metadataIx},
		treasuryPub, c.treasury, assetKey)
	if err != nil {
		return MintResult{}, err
	}

	return MintResult{
		MintAddress: mintPub.String(),
		Signature:   sig,
	}, nil
}

func (c *SolanaClient) mintDecimals(ctx context.Context, mint solana.PublicKey) (uint8, error) {
	info, err := c.rpc.GetAccountInfo(ctx, mint)
	if err != nil || info == nil || info.Value == nil {
		return 0, fmt.Errorf("get mint account: %w", err)
	}
	var mintData token.Mint
	if err := bin.NewBinDecoder(info.Value.Data.GetBinary()).Decode(&mintData); err != nil {
		return 0, fmt.Errorf("decode mint data: %w", err)
	}
	return mintData.Decimals, nil
}

// submit builds, signs, sends and confirms a transaction.
func (c *SolanaClient) submit(ctx context.Context, instructions []solana.Instruction, feePayer solana.PublicKey, signers ...solana.PrivateKey) (string, error) {
	latest, err := c.rpc.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return "", fmt.Errorf("get blockhash: %w", err)
	}

	builder := solana.NewTransactionBuilder().
		SetRecentBlockHash(latest.Value.Blockhash).
		SetFeePayer(feePayer)
	for _, ix := range instructions {
		builder = builder.AddInstruction(ix)
	}
	tx, err := builder.Build()
	if err != nil {
		return "", fmt.Errorf("build transaction: %w", err)
	}

	_, err = tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		for i := range signers {
			if signers[i].PublicKey().Equals(key) {
				return &signers[i]
			}
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("sign transaction: %w", err)
	}

	sig, err := c.rpc.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		PreflightCommitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		if isInsufficientFundsErr(err) {
			return "", fmt.Errorf("%w: %v", ErrInsufficientFunds, err)
		}
		return "", fmt.Errorf("send transaction: %w", err)
	}

	if err := c.waitForConfirmation(ctx, sig); err != nil {
		return "", err
	}
	return sig.String(), nil
}

// waitForConfirmation polls until the transaction is confirmed, the deadline
// passes, or the context is cancelled.
func (c *SolanaClient) waitForConfirmation(ctx context.Context, sig solana.Signature) error {
	timeout := c.confirmTimeout
	if timeout <= 0 {
		timeout = defaultConfirmTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		statuses, err := c.rpc.GetSignatureStatuses(ctx, true, sig)
		if err == nil && statuses != nil && len(statuses.Value) > 0 && statuses.Value[0] != nil {
			st := statuses.Value[0]
			if st.Err != nil {
				return fmt.Errorf("transaction %s failed on chain: %v", sig, st.Err)
			}
			if st.ConfirmationStatus == rpc.ConfirmationStatusConfirmed ||
				st.ConfirmationStatus == rpc.ConfirmationStatusFinalized {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("transaction %s not confirmed: %w", sig, ctx.Err())
		case <-ticker.C:
		}
	}
}

func isMissingAccountErr(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "could not find account") ||
		strings.Contains(msg, "invalid param: could not find")
}

func isInsufficientFundsErr(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "insufficient lamports") ||
		strings.Contains(msg, "insufficient funds") ||
		strings.Contains(msg, "found no record of a prior credit")
}
