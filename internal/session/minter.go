package session

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"snapmint/internal/ledger"
	"snapmint/internal/uploader"
)

// Metaplex caps on-chain labels at 32 bytes.
const maxNameLength = 32

// Minter uploads the artifact metadata document and submits the mint
// transaction. It is stateless; the controller guards re-entrancy.
type Minter struct {
	uploader           uploader.Uploader
	ledger             ledger.Ledger
	treasury           string
	symbol             string
	royaltyBasisPoints uint16
}

func NewMinter(up uploader.Uploader, l ledger.Ledger, treasury, symbol string, royaltyBasisPoints uint16) *Minter {
	return &Minter{
		uploader:           up,
		ledger:             l,
		treasury:           treasury,
		symbol:             symbol,
		royaltyBasisPoints: royaltyBasisPoints,
	}
}

type metadataAttribute struct {
	TraitType string `json:"trait_type"`
	Value     string `json:"value"`
}

type metadataFile struct {
	URI  string `json:"uri"`
	Type string `json:"type"`
}

type metadataProperties struct {
	Category string         `json:"category"`
	Files    []metadataFile `json:"files,omitempty"`
}

// metadataDocument follows the Metaplex token metadata JSON standard.
type metadataDocument struct {
	Name                 string              `json:"name"`
	Symbol               string              `json:"symbol"`
	Description          string              `json:"description"`
	Image                string              `json:"image,omitempty"`
	AnimationURL         string              `json:"animation_url,omitempty"`
	Attributes           []metadataAttribute `json:"attributes"`
	Properties           metadataProperties  `json:"properties"`
	SellerFeeBasisPoints uint16              `json:"seller_fee_basis_points"`
}

// Mint uploads the metadata document and creates the asset. The recipient is
// the detected buyer, or the treasury when the payer could not be identified.
func (m *Minter) Mint(ctx context.Context, sess *Session, buyer string) (ledger.MintResult, string, error) {
	doc := m.buildMetadata(sess)

	metadataURI, err := m.uploader.UploadJSON(ctx, doc)
	if err != nil {
		return ledger.MintResult{}, "", fmt.Errorf("upload metadata: %w", err)
	}

	recipient := buyer
	if recipient == "" {
		recipient = m.treasury
	}

	result, err := m.ledger.MintNFT(ctx, ledger.MintParams{
		Recipient:          recipient,
		Name:               doc.Name,
		Symbol:             m.symbol,
		MetadataURI:        metadataURI,
		RoyaltyBasisPoints: m.royaltyBasisPoints,
	})
	if err != nil {
		return ledger.MintResult{}, metadataURI, fmt.Errorf("mint transaction: %w", err)
	}
	return result, metadataURI, nil
}

func (m *Minter) buildMetadata(sess *Session) metadataDocument {
	attributes := []metadataAttribute{
		{TraitType: "output", Value: string(sess.OutputType)},
	}
	if sess.Artifact.Mode != "" {
		attributes = append(attributes, metadataAttribute{TraitType: "mode", Value: sess.Artifact.Mode})
	}
	if sess.Artifact.Speed != "" {
		attributes = append(attributes, metadataAttribute{TraitType: "speed", Value: sess.Artifact.Speed})
	}
	for i, answer := range sess.Artifact.Answers {
		attributes = append(attributes, metadataAttribute{
			TraitType: fmt.Sprintf("answer_%d", i+1),
			Value:     answer,
		})
	}

	doc := metadataDocument{
		Name:                 displayName(sess),
		Symbol:               m.symbol,
		Description:          fmt.Sprintf("A one-of-one %s keepsake minted at the snapmint booth.", sess.OutputType),
		Attributes:           attributes,
		Properties:           metadataProperties{Category: sess.OutputType.Category()},
		SellerFeeBasisPoints: m.royaltyBasisPoints,
	}

	if uri := sess.Artifact.ContentURI; uri != "" {
		switch sess.OutputType {
		case OutputPhoto:
			doc.Image = uri
		default:
			doc.AnimationURL = uri
		}
		doc.Properties.Files = []metadataFile{{URI: uri, Type: contentTypeFor(sess.OutputType)}}
	}
	return doc
}

func displayName(sess *Session) string {
	name := fmt.Sprintf("Snap #%d", sess.Index)
	if sess.Artifact.Mode != "" {
		name = fmt.Sprintf("Snap #%d (%s)", sess.Index, sess.Artifact.Mode)
	}
	return truncateName(name)
}

// truncateName cuts to the byte limit without splitting a rune; Mode is user
// input and may be multi-byte.
func truncateName(name string) string {
	if len(name) <= maxNameLength {
		return name
	}
	cut := maxNameLength
	for cut > 0 && !utf8.RuneStart(name[cut]) {
		cut--
	}
	return strings.TrimSpace(name[:cut])
}

func contentTypeFor(o OutputType) string {
	switch o {
	case OutputAudio:
		return "audio/mpeg"
	case OutputVideo:
		return "video/mp4"
	default:
		return "image/png"
	}
}
