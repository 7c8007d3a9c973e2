package txwire

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcutil/base58"
	"lukechampine.com/blake3"
)

// MaxTransactionSize is the chain's packet limit for a serialized transaction.
const MaxTransactionSize = 1232

var (
	// ErrTooLarge is returned for transactions above the packet limit.
	ErrTooLarge = errors.New("transaction exceeds size limit")
	// ErrMalformed is returned when the wire bytes cannot be decoded.
	ErrMalformed = errors.New("malformed transaction")
)

// MessageHeader mirrors the three-byte message header.
type MessageHeader struct {
	NumRequiredSignatures uint8
	NumReadonlySigned     uint8
	NumReadonlyUnsigned   uint8
}

// CompiledInstruction references accounts by index into the message key table.
type CompiledInstruction struct {
	ProgramIDIndex uint8
	AccountIndexes []uint8
	Data           []byte
}

// AddressTableLookup loads extra accounts from an on-chain lookup table (v0).
type AddressTableLookup struct {
	TableKey        Pubkey
	WritableIndexes []uint8
	ReadonlyIndexes []uint8
}

// Message is the signed portion of a transaction.
type Message struct {
	Version      int // -1 for legacy
	Header       MessageHeader
	AccountKeys  []Pubkey
	Blockhash    [32]byte
	Instructions []CompiledInstruction
	TableLookups []AddressTableLookup
}

// Transaction holds a decoded transaction plus the raw bytes it came from.
type Transaction struct {
	Signatures []Signature
	Message    Message

	raw          []byte
	messageBytes []byte
}

// ValidateSize bounds the wire size before any decoding work.
func ValidateSize(raw []byte) error {
	if len(raw) > MaxTransactionSize {
		return fmt.Errorf("%w: %d bytes (limit %d)", ErrTooLarge, len(raw), MaxTransactionSize)
	}
	return nil
}

// Deserialize decodes legacy and v0 transactions.
func Deserialize(raw []byte) (*Transaction, error) {
	r := newReader(raw)
	sigCount, err := r.shortvec()
	if err != nil {
		return nil, fmt.Errorf("%w: signature count: %v", ErrMalformed, err)
	}
	if sigCount == 0 || sigCount > 16 {
		return nil, fmt.Errorf("%w: implausible signature count %d", ErrMalformed, sigCount)
	}
	sigs := make([]Signature, sigCount)
	for i := range sigs {
		chunk, err := r.bytes(64)
		if err != nil {
			return nil, fmt.Errorf("%w: signature %d: %v", ErrMalformed, i, err)
		}
		copy(sigs[i][:], chunk)
	}
	msgStart := r.pos
	msg, err := decodeMessage(r)
	if err != nil {
		return nil, err
	}
	if r.remaining() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, r.remaining())
	}
	if int(msg.Header.NumRequiredSignatures) != len(sigs) {
		return nil, fmt.Errorf("%w: header wants %d signatures, wire carries %d",
			ErrMalformed, msg.Header.NumRequiredSignatures, len(sigs))
	}
	if len(msg.AccountKeys) < int(msg.Header.NumRequiredSignatures) {
		return nil, fmt.Errorf("%w: fewer account keys than required signers", ErrMalformed)
	}
	tx := &Transaction{
		Signatures:   sigs,
		Message:      msg,
		raw:          append([]byte(nil), raw...),
		messageBytes: append([]byte(nil), raw[msgStart:]...),
	}
	return tx, nil
}

func decodeMessage(r *reader) (Message, error) {
	var msg Message
	msg.Version = -1
	prefix, err := r.byte()
	if err != nil {
		return msg, fmt.Errorf("%w: message prefix: %v", ErrMalformed, err)
	}
	if prefix&0x80 != 0 {
		msg.Version = int(prefix & 0x7f)
		if msg.Version != 0 {
			return msg, fmt.Errorf("%w: unsupported message version %d", ErrMalformed, msg.Version)
		}
		prefix, err = r.byte()
		if err != nil {
			return msg, fmt.Errorf("%w: header: %v", ErrMalformed, err)
		}
	}
	msg.Header.NumRequiredSignatures = prefix
	if msg.Header.NumRequiredSignatures == 0 {
		return msg, fmt.Errorf("%w: zero required signatures", ErrMalformed)
	}
	if msg.Header.NumReadonlySigned, err = r.byte(); err != nil {
		return msg, fmt.Errorf("%w: header: %v", ErrMalformed, err)
	}
	if msg.Header.NumReadonlyUnsigned, err = r.byte(); err != nil {
		return msg, fmt.Errorf("%w: header: %v", ErrMalformed, err)
	}
	keyCount, err := r.shortvec()
	if err != nil {
		return msg, fmt.Errorf("%w: account key count: %v", ErrMalformed, err)
	}
	if keyCount == 0 || keyCount > 64 {
		return msg, fmt.Errorf("%w: implausible account key count %d", ErrMalformed, keyCount)
	}
	msg.AccountKeys = make([]Pubkey, keyCount)
	for i := range msg.AccountKeys {
		chunk, err := r.bytes(32)
		if err != nil {
			return msg, fmt.Errorf("%w: account key %d: %v", ErrMalformed, i, err)
		}
		copy(msg.AccountKeys[i][:], chunk)
	}
	bh, err := r.bytes(32)
	if err != nil {
		return msg, fmt.Errorf("%w: blockhash: %v", ErrMalformed, err)
	}
	copy(msg.Blockhash[:], bh)
	instrCount, err := r.shortvec()
	if err != nil {
		return msg, fmt.Errorf("%w: instruction count: %v", ErrMalformed, err)
	}
	if instrCount > 64 {
		return msg, fmt.Errorf("%w: implausible instruction count %d", ErrMalformed, instrCount)
	}
	msg.Instructions = make([]CompiledInstruction, instrCount)
	for i := range msg.Instructions {
		ins, err := decodeInstruction(r)
		if err != nil {
			return msg, fmt.Errorf("%w: instruction %d: %v", ErrMalformed, i, err)
		}
		msg.Instructions[i] = ins
	}
	if msg.Version == 0 {
		lookupCount, err := r.shortvec()
		if err != nil {
			return msg, fmt.Errorf("%w: lookup count: %v", ErrMalformed, err)
		}
		msg.TableLookups = make([]AddressTableLookup, lookupCount)
		for i := range msg.TableLookups {
			lookup, err := decodeLookup(r)
			if err != nil {
				return msg, fmt.Errorf("%w: lookup %d: %v", ErrMalformed, i, err)
			}
			msg.TableLookups[i] = lookup
		}
	}
	return msg, nil
}

func decodeInstruction(r *reader) (CompiledInstruction, error) {
	var ins CompiledInstruction
	var err error
	if ins.ProgramIDIndex, err = r.byte(); err != nil {
		return ins, err
	}
	acctCount, err := r.shortvec()
	if err != nil {
		return ins, err
	}
	accts, err := r.bytes(acctCount)
	if err != nil {
		return ins, err
	}
	ins.AccountIndexes = append([]uint8(nil), accts...)
	dataLen, err := r.shortvec()
	if err != nil {
		return ins, err
	}
	data, err := r.bytes(dataLen)
	if err != nil {
		return ins, err
	}
	ins.Data = append([]byte(nil), data...)
	return ins, nil
}

func decodeLookup(r *reader) (AddressTableLookup, error) {
	var lookup AddressTableLookup
	key, err := r.bytes(32)
	if err != nil {
		return lookup, err
	}
	copy(lookup.TableKey[:], key)
	wCount, err := r.shortvec()
	if err != nil {
		return lookup, err
	}
	writable, err := r.bytes(wCount)
	if err != nil {
		return lookup, err
	}
	lookup.WritableIndexes = append([]uint8(nil), writable...)
	rCount, err := r.shortvec()
	if err != nil {
		return lookup, err
	}
	readonly, err := r.bytes(rCount)
	if err != nil {
		return lookup, err
	}
	lookup.ReadonlyIndexes = append([]uint8(nil), readonly...)
	return lookup, nil
}

// Blockhash returns the recent blockhash in base58.
func (t *Transaction) Blockhash() string {
	return base58.Encode(t.Message.Blockhash[:])
}

// FeePayer returns the account in the fee-payer position.
func (t *Transaction) FeePayer() Pubkey {
	if len(t.Message.AccountKeys) == 0 {
		return Pubkey{}
	}
	return t.Message.AccountKeys[0]
}

// MessageBytes exposes the signed portion of the wire encoding.
func (t *Transaction) MessageBytes() []byte {
	return t.messageBytes
}

// Raw returns the transaction exactly as it arrived.
func (t *Transaction) Raw() []byte {
	return t.raw
}

// SetSignature fills a signature slot and refreshes the raw encoding.
func (t *Transaction) SetSignature(index int, sig Signature) error {
	if index < 0 || index >= len(t.Signatures) {
		return fmt.Errorf("signature index %d out of range", index)
	}
	t.Signatures[index] = sig
	t.raw = t.Serialize()
	return nil
}

// Serialize re-emits the wire encoding from the current signature set and the
// original message bytes.
func (t *Transaction) Serialize() []byte {
	out := make([]byte, 0, len(t.messageBytes)+len(t.Signatures)*64+3)
	out = appendShortvec(out, len(t.Signatures))
	for _, sig := range t.Signatures {
		out = append(out, sig[:]...)
	}
	out = append(out, t.messageBytes...)
	return out
}

// Fingerprint computes the canonical 32-byte digest of the signed transaction
// bytes as they arrived.
func Fingerprint(raw []byte) [32]byte {
	return blake3.Sum256(raw)
}
