package ledger

import (
	"bytes"
	"fmt"

	bin "github.com/gagliardetto/binary"
	solana "github.com/gagliardetto/solana-go"
)

// Metaplex Token Metadata program.
var tokenMetadataProgramID = solana.MustPublicKeyFromBase58("metaqbxxUerdq28cj1RbAWkYQm3ybzjb6a8bt518x1s")

// CreateMetadataAccountV3 instruction discriminator.
const createMetadataAccountV3 = 33

type metadataCreator struct {
	Address  solana.PublicKey
	Verified bool
	Share    uint8
}

type metadataV3Params struct {
	Mint               solana.PublicKey
	MintAuthority      solana.PublicKey
	Payer              solana.PublicKey
	UpdateAuthority    solana.PublicKey
	Name               string
	Symbol             string
	URI                string
	RoyaltyBasisPoints uint16
	Creators           []metadataCreator
}

// findMetadataAddress derives the metadata PDA for a mint.
func findMetadataAddress(mint solana.PublicKey) (solana.PublicKey, error) {
	addr, _, err := solana.FindProgramAddress([][]byte{
		[]byte("metadata"),
		tokenMetadataProgramID.Bytes(),
		mint.Bytes(),
	}, tokenMetadataProgramID)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("derive metadata pda: %w", err)
	}
	return addr, nil
}

// newCreateMetadataV3Instruction builds a CreateMetadataAccountV3 instruction.
// The args are borsh-encoded: discriminator, DataV2 (name, symbol, uri,
// seller_fee_basis_points, Option<creators>, Option<collection>, Option<uses>),
// is_mutable, Option<collection_details>.
func newCreateMetadataV3Instruction(p metadataV3Params) (solana.Instruction, error) {
	metadataAddr, err := findMetadataAddress(p.Mint)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc := bin.NewBorshEncoder(&buf)

	if err := enc.WriteUint8(createMetadataAccountV3); err != nil {
		return nil, err
	}
	if err := enc.WriteString(p.Name); err != nil {
		return nil, err
	}
	if err := enc.WriteString(p.Symbol); err != nil {
		return nil, err
	}
	if err := enc.WriteString(p.URI); err != nil {
		return nil, err
	}
	if err := enc.WriteUint16(p.RoyaltyBasisPoints, bin.LE); err != nil {
		return nil, err
	}

	// Option<Vec<Creator>>
	if len(p.Creators) == 0 {
		if err := enc.WriteBool(false); err != nil {
			return nil, err
		}
	} else {
		if err := enc.WriteBool(true); err != nil {
			return nil, err
		}
		if err := enc.WriteUint32(uint32(len(p.Creators)), bin.LE); err != nil {
			return nil, err
		}
		for _, creator := range p.Creators {
			if err := enc.WriteBytes(creator.Address.Bytes(), false); err != nil {
				return nil, err
			}
			if err := enc.WriteBool(creator.Verified); err != nil {
				return nil, err
			}
			if err := enc.WriteUint8(creator.Share); err != nil {
				return nil, err
			}
		}
	}

	// Option<Collection>, Option<Uses>
	if err := enc.WriteBool(false); err != nil {
		return nil, err
	}
	if err := enc.WriteBool(false); err != nil {
		return nil, err
	}

	// is_mutable
	if err := enc.WriteBool(true); err != nil {
		return nil, err
	}
	// Option<CollectionDetails>
	if err := enc.WriteBool(false); err != nil {
		return nil, err
	}

	accounts := solana.AccountMetaSlice{
		solana.Meta(metadataAddr).WRITE(),
		solana.Meta(p.Mint),
		solana.Meta(p.MintAuthority).SIGNER(),
		solana.Meta(p.Payer).WRITE().SIGNER(),
		solana.Meta(p.UpdateAuthority),
		solana.Meta(solana.SystemProgramID),
		solana.Meta(solana.SysVarRentPubkey),
	}

	return solana.NewInstruction(tokenMetadataProgramID, accounts, buf.Bytes()), nil
}
