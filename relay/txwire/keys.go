package txwire

import (
	"crypto/sha256"
	"fmt"
	"regexp"

	"filippo.io/edwards25519"
	"github.com/btcsuite/btcutil/base58"
)

// Pubkey is a 32-byte ed25519 public key as used on the wire.
type Pubkey [32]byte

// Signature is a 64-byte ed25519 signature.
type Signature [64]byte

var base58KeyPattern = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]{32,44}$`)

// Well-known program addresses.
var (
	SystemProgramID          = mustPubkey("11111111111111111111111111111111")
	TokenProgramID           = mustPubkey("TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA")
	AssociatedTokenProgramID = mustPubkey("ATokenGPvbdGVxr1b2hvZbsiqW5xWH25efTNsLJA8knL")
	ComputeBudgetProgramID   = mustPubkey("ComputeBudget111111111111111111111111111111")
)

// ParsePubkey decodes a base58 public key, enforcing the wire address format.
func ParsePubkey(raw string) (Pubkey, error) {
	if !base58KeyPattern.MatchString(raw) {
		return Pubkey{}, fmt.Errorf("invalid base58 address %q", raw)
	}
	decoded := base58.Decode(raw)
	if len(decoded) != 32 {
		return Pubkey{}, fmt.Errorf("address %q decodes to %d bytes, want 32", raw, len(decoded))
	}
	var key Pubkey
	copy(key[:], decoded)
	return key, nil
}

// String renders the key in base58.
func (p Pubkey) String() string {
	return base58.Encode(p[:])
}

// IsZero reports whether the key is all zeroes.
func (p Pubkey) IsZero() bool {
	return p == Pubkey{}
}

// String renders the signature in base58.
func (s Signature) String() string {
	return base58.Encode(s[:])
}

// IsZero reports whether the signature slot is unfilled.
func (s Signature) IsZero() bool {
	return s == Signature{}
}

func mustPubkey(raw string) Pubkey {
	decoded := base58.Decode(raw)
	if len(decoded) != 32 {
		panic(fmt.Sprintf("bad builtin program id %q", raw))
	}
	var key Pubkey
	copy(key[:], decoded)
	return key
}

const pdaMarker = "ProgramDerivedAddress"

// DeriveAssociatedTokenAccount computes ATA(owner, mint) under the associated
// token program.
func DeriveAssociatedTokenAccount(owner, mint Pubkey) (Pubkey, error) {
	return findProgramAddress([][]byte{owner[:], TokenProgramID[:], mint[:]}, AssociatedTokenProgramID)
}

func findProgramAddress(seeds [][]byte, program Pubkey) (Pubkey, error) {
	for bump := 255; bump >= 0; bump-- {
		digest := sha256.New()
		for _, seed := range seeds {
			digest.Write(seed)
		}
		digest.Write([]byte{byte(bump)})
		digest.Write(program[:])
		digest.Write([]byte(pdaMarker))
		candidate := digest.Sum(nil)
		if !isOnCurve(candidate) {
			var key Pubkey
			copy(key[:], candidate)
			return key, nil
		}
	}
	return Pubkey{}, fmt.Errorf("no viable program address bump for seeds")
}

// isOnCurve reports whether the bytes decode to a valid curve point. Program
// derived addresses must not be valid ed25519 keys.
func isOnCurve(b []byte) bool {
	_, err := new(edwards25519.Point).SetBytes(b)
	return err == nil
}
