package txwire

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"

	"github.com/holiman/uint256"
)

// Token program instruction tags.
const (
	tokenInstructionTransfer        = 3
	tokenInstructionTransferChecked = 12
)

// System program instruction tags (little-endian u32).
const systemInstructionTransfer = 2

// StructureParams carries the expectations a submitted transaction must meet.
type StructureParams struct {
	ExpectedUser Pubkey
	PaymentMint  Pubkey
	Treasury     Pubkey
	// FeeAmount is the exact payment-token amount the fee instruction must
	// credit to the treasury's associated token account.
	FeeAmount *uint256.Int
	// GasSink, when set, is the only permitted destination for native
	// transfers out of the fee payer.
	GasSink *Pubkey
}

// Verdict reports the outcome of structural validation. Reasons is empty when
// the transaction is acceptable.
type Verdict struct {
	FeePayer Pubkey
	Reasons  []string
}

// OK reports whether validation passed.
func (v Verdict) OK() bool {
	return len(v.Reasons) == 0
}

// ValidateStructure checks the protocol-level invariants on a decoded
// transaction. All failures are collected so callers can report every reason.
func ValidateStructure(tx *Transaction, params StructureParams) Verdict {
	verdict := Verdict{FeePayer: tx.FeePayer()}
	msg := &tx.Message

	if msg.Header.NumRequiredSignatures != 2 {
		verdict.Reasons = append(verdict.Reasons,
			fmt.Sprintf("expected exactly 2 signers (fee payer + user), found %d", msg.Header.NumRequiredSignatures))
	}
	if len(msg.AccountKeys) < 2 {
		verdict.Reasons = append(verdict.Reasons, "message carries fewer than 2 account keys")
		return verdict
	}
	userKey := msg.AccountKeys[1]
	if userKey != params.ExpectedUser {
		verdict.Reasons = append(verdict.Reasons,
			fmt.Sprintf("signer position 1 is %s, expected user %s", userKey, params.ExpectedUser))
	}
	if verdict.FeePayer == params.ExpectedUser {
		verdict.Reasons = append(verdict.Reasons, "fee payer position occupied by the user key")
	}

	if reason := verifyUserSignature(tx, params.ExpectedUser); reason != "" {
		verdict.Reasons = append(verdict.Reasons, reason)
	}
	if reason := checkFeeInstruction(tx, params); reason != "" {
		verdict.Reasons = append(verdict.Reasons, reason)
	}
	verdict.Reasons = append(verdict.Reasons, checkNativeDrains(tx, params)...)
	return verdict
}

func verifyUserSignature(tx *Transaction, user Pubkey) string {
	if len(tx.Signatures) < 2 {
		return "user signature missing"
	}
	sig := tx.Signatures[1]
	if sig.IsZero() {
		return "user signature slot is empty"
	}
	if !ed25519.Verify(ed25519.PublicKey(user[:]), tx.MessageBytes(), sig[:]) {
		return "user signature does not verify against the message"
	}
	return ""
}

// checkFeeInstruction requires at least one SPL-token transfer crediting the
// treasury's associated token account with exactly the quoted amount, funded
// from the user's associated token account.
func checkFeeInstruction(tx *Transaction, params StructureParams) string {
	if params.FeeAmount == nil {
		return "expected fee amount not configured"
	}
	if !params.FeeAmount.IsUint64() {
		return "expected fee amount exceeds the token program's u64 range"
	}
	expected := params.FeeAmount.Uint64()
	treasuryATA, err := DeriveAssociatedTokenAccount(params.Treasury, params.PaymentMint)
	if err != nil {
		return fmt.Sprintf("derive treasury token account: %v", err)
	}
	userATA, err := DeriveAssociatedTokenAccount(params.ExpectedUser, params.PaymentMint)
	if err != nil {
		return fmt.Sprintf("derive user token account: %v", err)
	}

	var sawTransfer bool
	var mismatch string
	for _, ins := range tx.Message.Instructions {
		program, ok := tx.accountAt(ins.ProgramIDIndex)
		if !ok || program != TokenProgramID {
			continue
		}
		amount, source, dest, owner, ok := decodeTokenTransfer(tx, ins)
		if !ok {
			continue
		}
		if dest != treasuryATA {
			continue
		}
		sawTransfer = true
		switch {
		case amount != expected:
			mismatch = fmt.Sprintf("fee instruction transfers %d payment-token units, quote requires %d", amount, expected)
		case source != userATA:
			mismatch = fmt.Sprintf("fee instruction source %s is not the user's token account %s", source, userATA)
		case owner != params.ExpectedUser:
			mismatch = fmt.Sprintf("fee instruction authority %s is not the user", owner)
		default:
			return ""
		}
	}
	if !sawTransfer {
		return fmt.Sprintf("no instruction credits the treasury token account %s with the fee amount %d", treasuryATA, expected)
	}
	return mismatch
}

// decodeTokenTransfer extracts (amount, source, dest, owner) from Transfer and
// TransferChecked instruction encodings.
func decodeTokenTransfer(tx *Transaction, ins CompiledInstruction) (uint64, Pubkey, Pubkey, Pubkey, bool) {
	if len(ins.Data) < 9 {
		return 0, Pubkey{}, Pubkey{}, Pubkey{}, false
	}
	amount := binary.LittleEndian.Uint64(ins.Data[1:9])
	switch ins.Data[0] {
	case tokenInstructionTransfer:
		// accounts: source, destination, authority
		if len(ins.AccountIndexes) < 3 {
			return 0, Pubkey{}, Pubkey{}, Pubkey{}, false
		}
		source, ok1 := tx.accountAt(ins.AccountIndexes[0])
		dest, ok2 := tx.accountAt(ins.AccountIndexes[1])
		owner, ok3 := tx.accountAt(ins.AccountIndexes[2])
		if !ok1 || !ok2 || !ok3 {
			return 0, Pubkey{}, Pubkey{}, Pubkey{}, false
		}
		return amount, source, dest, owner, true
	case tokenInstructionTransferChecked:
		// accounts: source, mint, destination, authority
		if len(ins.Data) < 10 || len(ins.AccountIndexes) < 4 {
			return 0, Pubkey{}, Pubkey{}, Pubkey{}, false
		}
		source, ok1 := tx.accountAt(ins.AccountIndexes[0])
		dest, ok2 := tx.accountAt(ins.AccountIndexes[2])
		owner, ok3 := tx.accountAt(ins.AccountIndexes[3])
		if !ok1 || !ok2 || !ok3 {
			return 0, Pubkey{}, Pubkey{}, Pubkey{}, false
		}
		return amount, source, dest, owner, true
	default:
		return 0, Pubkey{}, Pubkey{}, Pubkey{}, false
	}
}

// checkNativeDrains rejects system transfers that move lamports out of the fee
// payer to anything but the configured gas sink.
func checkNativeDrains(tx *Transaction, params StructureParams) []string {
	feePayer := tx.FeePayer()
	var reasons []string
	for i, ins := range tx.Message.Instructions {
		program, ok := tx.accountAt(ins.ProgramIDIndex)
		if !ok || program != SystemProgramID {
			continue
		}
		if len(ins.Data) < 12 || binary.LittleEndian.Uint32(ins.Data[0:4]) != systemInstructionTransfer {
			continue
		}
		if len(ins.AccountIndexes) < 2 {
			continue
		}
		source, ok1 := tx.accountAt(ins.AccountIndexes[0])
		dest, ok2 := tx.accountAt(ins.AccountIndexes[1])
		if !ok1 || !ok2 || source != feePayer {
			continue
		}
		if params.GasSink != nil && dest == *params.GasSink {
			continue
		}
		lamports := binary.LittleEndian.Uint64(ins.Data[4:12])
		reasons = append(reasons,
			fmt.Sprintf("instruction %d transfers %d lamports out of the fee payer to %s", i, lamports, dest))
	}
	return reasons
}

func (t *Transaction) accountAt(index uint8) (Pubkey, bool) {
	if int(index) >= len(t.Message.AccountKeys) {
		return Pubkey{}, false
	}
	return t.Message.AccountKeys[index], true
}
