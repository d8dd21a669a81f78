// Package session implements the escrow-session lifecycle: a one-time escrow
// address collects a fixed USDC payment, the service mints the keepsake NFT to
// the payer, then sweeps the escrow back to the treasury.
package session

import (
	"fmt"
	"time"
)

// Status is the session state machine. pending → minting → minted → swept,
// with side exits expired (pre-payment timeout), needs_funding (mint blocked
// on treasury gas) and paid (mint failed, retry by re-polling).
type Status string

const (
	StatusPending      Status = "pending"
	StatusMinting      Status = "minting"
	StatusMinted       Status = "minted"
	StatusSwept        Status = "swept"
	StatusPaid         Status = "paid"
	StatusNeedsFunding Status = "needs_funding"
	StatusExpired      Status = "expired"
)

// Terminal reports whether polling can still change the session. A failed
// sweep leaves the session at minted; that is final for the poll loop.
func (s Status) Terminal() bool {
	switch s {
	case StatusExpired, StatusMinted, StatusSwept:
		return true
	}
	return false
}

// Retryable reports whether a sufficient balance may re-enter the mint path.
func (s Status) Retryable() bool {
	switch s {
	case StatusPending, StatusPaid, StatusNeedsFunding:
		return true
	}
	return false
}

type OutputType string

const (
	OutputPhoto OutputType = "photo"
	OutputAudio OutputType = "audio"
	OutputVideo OutputType = "video"
)

func (o OutputType) Valid() bool {
	switch o {
	case OutputPhoto, OutputAudio, OutputVideo:
		return true
	}
	return false
}

// Category returns the metadata category string for the output type.
func (o OutputType) Category() string {
	switch o {
	case OutputAudio:
		return "audio"
	case OutputVideo:
		return "video"
	default:
		return "image"
	}
}

// ArtifactMeta carries what the visitor chose and what was generated for them.
type ArtifactMeta struct {
	Answers    []string `json:"answers,omitempty"`
	Mode       string   `json:"mode,omitempty"`
	Speed      string   `json:"speed,omitempty"`
	ContentURI string   `json:"contentUri,omitempty"`
}

// Session is the unit of work. The store owns persistence; a poll holds a
// transient copy only for the duration of one invocation.
type Session struct {
	ID            string       `json:"sessionId"`
	Index         int64        `json:"sessionIndex"`
	EscrowAddress string       `json:"escrowAddress"`
	OutputType    OutputType   `json:"outputType"`
	Artifact      ArtifactMeta `json:"artifact"`
	Status        Status       `json:"status"`
	CreatedAt     time.Time    `json:"createdAt"`
	ExpiresAt     time.Time    `json:"expiresAt"`
	RequiredUSDC  uint64       `json:"requiredUsdc"`

	// Filled in as the lifecycle progresses.
	Buyer               string `json:"buyer,omitempty"`
	MetadataURI         string `json:"metadataUri,omitempty"`
	MintAddress         string `json:"mintAddress,omitempty"`
	MintSignature       string `json:"mintSignature,omitempty"`
	AssetSweepSignature string `json:"assetSweepSignature,omitempty"`
	GasSweepSignature   string `json:"gasSweepSignature,omitempty"`
	LastError           string `json:"lastError,omitempty"`
}

// SessionID builds the opaque id from allocation order and creation time.
func SessionID(index int64, createdAt time.Time) string {
	return fmt.Sprintf("snap-%d-%d", index, createdAt.Unix())
}

// Expired reports whether the payment window has closed. Only a session that
// has never seen payment expires; later states ignore the deadline.
func (s *Session) Expired(now time.Time) bool {
	return s.Status == StatusPending && now.After(s.ExpiresAt)
}
