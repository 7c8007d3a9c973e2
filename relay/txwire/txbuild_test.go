package txwire

import (
	"crypto/ed25519"
	"encoding/binary"
	"testing"
)

// testKeypair generates a deterministic-ish ed25519 keypair for tests.
func testKeypair(t *testing.T) (Pubkey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	var key Pubkey
	copy(key[:], pub)
	return key, priv
}

type testInstruction struct {
	program  Pubkey
	accounts []Pubkey
	data     []byte
}

// buildLegacyTx assembles a two-signer legacy transaction with the fee payer
// slot unsigned and the user signature applied, mirroring what a client sends
// to the relay.
func buildLegacyTx(t *testing.T, feePayer, user Pubkey, userPriv ed25519.PrivateKey, blockhash [32]byte, instructions []testInstruction) []byte {
	t.Helper()
	keys := []Pubkey{feePayer, user}
	keyIndex := func(k Pubkey) uint8 {
		for i, existing := range keys {
			if existing == k {
				return uint8(i)
			}
		}
		keys = append(keys, k)
		return uint8(len(keys) - 1)
	}
	type compiled struct {
		program  uint8
		accounts []uint8
		data     []byte
	}
	compiledIns := make([]compiled, 0, len(instructions))
	for _, ins := range instructions {
		c := compiled{program: keyIndex(ins.program), data: ins.data}
		for _, acct := range ins.accounts {
			c.accounts = append(c.accounts, keyIndex(acct))
		}
		compiledIns = append(compiledIns, c)
	}

	msg := []byte{2, 0, byte(len(keys) - 2)}
	msg = appendShortvec(msg, len(keys))
	for _, k := range keys {
		msg = append(msg, k[:]...)
	}
	msg = append(msg, blockhash[:]...)
	msg = appendShortvec(msg, len(compiledIns))
	for _, c := range compiledIns {
		msg = append(msg, c.program)
		msg = appendShortvec(msg, len(c.accounts))
		msg = append(msg, c.accounts...)
		msg = appendShortvec(msg, len(c.data))
		msg = append(msg, c.data...)
	}

	userSig := ed25519.Sign(userPriv, msg)
	raw := appendShortvec(nil, 2)
	raw = append(raw, make([]byte, 64)...) // fee payer slot left for the relay
	raw = append(raw, userSig...)
	raw = append(raw, msg...)
	return raw
}

func tokenTransferData(amount uint64) []byte {
	data := make([]byte, 9)
	data[0] = tokenInstructionTransfer
	binary.LittleEndian.PutUint64(data[1:], amount)
	return data
}

func systemTransferData(lamports uint64) []byte {
	data := make([]byte, 12)
	binary.LittleEndian.PutUint32(data[0:4], systemInstructionTransfer)
	binary.LittleEndian.PutUint64(data[4:12], lamports)
	return data
}

// feeInstruction builds the required treasury credit for the given amounts.
func feeInstruction(t *testing.T, user, treasury, mint Pubkey, amount uint64) testInstruction {
	t.Helper()
	userATA, err := DeriveAssociatedTokenAccount(user, mint)
	if err != nil {
		t.Fatalf("derive user ata: %v", err)
	}
	treasuryATA, err := DeriveAssociatedTokenAccount(treasury, mint)
	if err != nil {
		t.Fatalf("derive treasury ata: %v", err)
	}
	return testInstruction{
		program:  TokenProgramID,
		accounts: []Pubkey{userATA, treasuryATA, user},
		data:     tokenTransferData(amount),
	}
}
