package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

type ClaimMode uint8

const (
	ClaimModeUnspecified ClaimMode = iota
	ClaimModeClaim
	ClaimModeUnclaim
)

func (mode ClaimMode) String() string {
	switch mode {
	case ClaimModeClaim:
		return "claim"
	case ClaimModeUnclaim:
		return "unclaim"
	default:
		return "unspecified"
	}
}

// NameClaim is gossiped by a node to announce it starts, or stops,
// serving a service name.
//
// Rev is a per-node revision: a claim only supersedes a previous claim of
// the same node when its revision is higher.
type NameClaim struct {
	Service string
	Node    string
	Mode    ClaimMode
	Rev     uint64
}

const (
	fieldClaimService protowire.Number = 1
	fieldClaimNode    protowire.Number = 2
	fieldClaimMode    protowire.Number = 3
	fieldClaimRev     protowire.Number = 4

	fieldClaimSetClaims protowire.Number = 1
)

// Validate checks the fields every claim must carry.
func (claim *NameClaim) Validate() error {
	if claim.Service == "" {
		return fmt.Errorf("%w: missing service name", ErrInvalidClaim)
	}
	if claim.Node == "" {
		return fmt.Errorf("%w: missing node name", ErrInvalidClaim)
	}
	if claim.Mode != ClaimModeClaim && claim.Mode != ClaimModeUnclaim {
		return fmt.Errorf("%w: mode %s", ErrInvalidClaim, claim.Mode)
	}
	return nil
}

func (claim *NameClaim) Marshal() []byte {
	return claim.append(nil)
}

func (claim *NameClaim) append(b []byte) []byte {
	b = protowire.AppendTag(b, fieldClaimService, protowire.BytesType)
	b = protowire.AppendString(b, claim.Service)
	b = protowire.AppendTag(b, fieldClaimNode, protowire.BytesType)
	b = protowire.AppendString(b, claim.Node)
	b = protowire.AppendTag(b, fieldClaimMode, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(claim.Mode))
	b = protowire.AppendTag(b, fieldClaimRev, protowire.VarintType)
	b = protowire.AppendVarint(b, claim.Rev)
	return b
}

func UnmarshalNameClaim(buf []byte) (*NameClaim, error) {
	claim := &NameClaim{}
	fr := fieldReader{buf: buf}
	for {
		num, typ, ok := fr.next()
		if !ok {
			break
		}

		switch {
		case num == fieldClaimService && typ == protowire.BytesType:
			claim.Service = fr.string()
		case num == fieldClaimNode && typ == protowire.BytesType:
			claim.Node = fr.string()
		case num == fieldClaimMode && typ == protowire.VarintType:
			claim.Mode = ClaimMode(fr.varint())
		case num == fieldClaimRev && typ == protowire.VarintType:
			claim.Rev = fr.varint()
		default:
			fr.skip(num, typ)
		}
	}

	if fr.err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidClaim, fr.err)
	}

	if err := claim.Validate(); err != nil {
		return nil, err
	}

	return claim, nil
}

// MarshalClaimSet encodes a batch of claims, used for full state
// synchronisation between nodes.
func MarshalClaimSet(claims []*NameClaim) []byte {
	var b []byte
	for _, claim := range claims {
		b = protowire.AppendTag(b, fieldClaimSetClaims, protowire.BytesType)
		b = protowire.AppendBytes(b, claim.Marshal())
	}
	return b
}

func UnmarshalClaimSet(buf []byte) ([]*NameClaim, error) {
	var claims []*NameClaim
	fr := fieldReader{buf: buf}
	for {
		num, typ, ok := fr.next()
		if !ok {
			break
		}

		if num != fieldClaimSetClaims || typ != protowire.BytesType {
			fr.skip(num, typ)
			continue
		}

		raw := fr.bytes()
		if fr.err != nil {
			break
		}

		claim, err := UnmarshalNameClaim(raw)
		if err != nil {
			return nil, err
		}
		claims = append(claims, claim)
	}

	if fr.err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidClaim, fr.err)
	}

	return claims, nil
}
