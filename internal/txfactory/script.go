package txfactory

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"

	"github.com/klingon-exchange/lnswap/pkg/helpers"
)

// HTLC holds the parameters a redeem script commits to.
type HTLC struct {
	PreimageHash  []byte // SHA256 of the payment preimage
	ClaimPubKey   []byte // compressed, spends with the preimage
	RefundPubKey  []byte // compressed, spends after TimeoutHeight
	TimeoutHeight uint32 // absolute block height
}

// Validate checks field sizes.
func (h *HTLC) Validate() error {
	if len(h.PreimageHash) != 32 {
		return fmt.Errorf("%w: preimage hash must be 32 bytes, got %d", ErrInvalidScript, len(h.PreimageHash))
	}
	if len(h.ClaimPubKey) != 33 {
		return fmt.Errorf("%w: claim pubkey must be 33 bytes, got %d", ErrInvalidScript, len(h.ClaimPubKey))
	}
	if len(h.RefundPubKey) != 33 {
		return fmt.Errorf("%w: refund pubkey must be 33 bytes, got %d", ErrInvalidScript, len(h.RefundPubKey))
	}
	if h.TimeoutHeight == 0 || h.TimeoutHeight >= txscript.LockTimeThreshold {
		return fmt.Errorf("%w: timeout height %d out of range", ErrInvalidScript, h.TimeoutHeight)
	}
	return nil
}

// BuildScript creates the HTLC redeem script:
//
//	OP_IF
//	    OP_SHA256 <preimage_hash> OP_EQUALVERIFY <claim_pubkey>
//	OP_ELSE
//	    <timeout_height> OP_CHECKLOCKTIMEVERIFY OP_DROP <refund_pubkey>
//	OP_ENDIF
//	OP_CHECKSIG
func BuildScript(h *HTLC) ([]byte, error) {
	if err := h.Validate(); err != nil {
		return nil, err
	}

	builder := txscript.NewScriptBuilder()
	builder.AddOp(txscript.OP_IF)
	builder.AddOp(txscript.OP_SHA256)
	builder.AddData(h.PreimageHash)
	builder.AddOp(txscript.OP_EQUALVERIFY)
	builder.AddData(h.ClaimPubKey)
	builder.AddOp(txscript.OP_ELSE)
	builder.AddInt64(int64(h.TimeoutHeight))
	builder.AddOp(txscript.OP_CHECKLOCKTIMEVERIFY)
	builder.AddOp(txscript.OP_DROP)
	builder.AddData(h.RefundPubKey)
	builder.AddOp(txscript.OP_ENDIF)
	builder.AddOp(txscript.OP_CHECKSIG)

	return builder.Script()
}

// ParseScript extracts the HTLC parameters from a redeem script built by BuildScript.
func ParseScript(script []byte) (*HTLC, error) {
	tokenizer := txscript.MakeScriptTokenizer(0, script)
	h := &HTLC{}

	expectOp := func(op byte, name string) error {
		if !tokenizer.Next() || tokenizer.Opcode() != op {
			return fmt.Errorf("%w: expected %s", ErrInvalidScript, name)
		}
		return nil
	}
	expectData := func(size int, name string) ([]byte, error) {
		if !tokenizer.Next() || len(tokenizer.Data()) != size {
			return nil, fmt.Errorf("%w: expected %d-byte %s", ErrInvalidScript, size, name)
		}
		return tokenizer.Data(), nil
	}

	var err error
	if err = expectOp(txscript.OP_IF, "OP_IF"); err != nil {
		return nil, err
	}
	if err = expectOp(txscript.OP_SHA256, "OP_SHA256"); err != nil {
		return nil, err
	}
	if h.PreimageHash, err = expectData(32, "preimage hash"); err != nil {
		return nil, err
	}
	if err = expectOp(txscript.OP_EQUALVERIFY, "OP_EQUALVERIFY"); err != nil {
		return nil, err
	}
	if h.ClaimPubKey, err = expectData(33, "claim pubkey"); err != nil {
		return nil, err
	}
	if err = expectOp(txscript.OP_ELSE, "OP_ELSE"); err != nil {
		return nil, err
	}

	if !tokenizer.Next() {
		return nil, fmt.Errorf("%w: expected timeout height", ErrInvalidScript)
	}
	if op := tokenizer.Opcode(); txscript.IsSmallInt(op) {
		h.TimeoutHeight = uint32(txscript.AsSmallInt(op))
	} else {
		data := tokenizer.Data()
		if len(data) == 0 || len(data) > 5 {
			return nil, fmt.Errorf("%w: invalid timeout height push", ErrInvalidScript)
		}
		// Script numbers are little-endian; heights are never negative.
		for i, b := range data {
			h.TimeoutHeight |= uint32(b) << (8 * i)
		}
	}

	if err = expectOp(txscript.OP_CHECKLOCKTIMEVERIFY, "OP_CHECKLOCKTIMEVERIFY"); err != nil {
		return nil, err
	}
	if err = expectOp(txscript.OP_DROP, "OP_DROP"); err != nil {
		return nil, err
	}
	if h.RefundPubKey, err = expectData(33, "refund pubkey"); err != nil {
		return nil, err
	}
	if err = expectOp(txscript.OP_ENDIF, "OP_ENDIF"); err != nil {
		return nil, err
	}
	if err = expectOp(txscript.OP_CHECKSIG, "OP_CHECKSIG"); err != nil {
		return nil, err
	}
	if tokenizer.Next() || tokenizer.Err() != nil {
		return nil, fmt.Errorf("%w: trailing data", ErrInvalidScript)
	}

	return h, nil
}

// P2WSHScriptPubKey returns OP_0 <sha256(script)>.
func P2WSHScriptPubKey(script []byte) []byte {
	scriptHash := sha256.Sum256(script)
	pkScript, _ := txscript.NewScriptBuilder().
		AddOp(txscript.OP_0).
		AddData(scriptHash[:]).
		Script()
	return pkScript
}

// Address derives the P2WSH lockup address of a redeem script.
func Address(script []byte, net *chaincfg.Params) (string, error) {
	scriptHash := sha256.Sum256(script)
	addr, err := btcutil.NewAddressWitnessScriptHash(scriptHash[:], net)
	if err != nil {
		return "", fmt.Errorf("failed to create P2WSH address: %w", err)
	}
	return addr.EncodeAddress(), nil
}

// ClaimWitness is [sig, preimage, 0x01, script].
func ClaimWitness(sig, preimage, script []byte) [][]byte {
	return [][]byte{sig, preimage, {0x01}, script}
}

// RefundWitness is [sig, <empty>, script].
func RefundWitness(sig, script []byte) [][]byte {
	return [][]byte{sig, {}, script}
}

// GeneratePreimage returns a random 32-byte preimage and its SHA256 hash.
func GeneratePreimage() (preimage, hash []byte, err error) {
	preimage, err = helpers.GenerateSecureRandom(32)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate preimage: %w", err)
	}
	sum := sha256.Sum256(preimage)
	return preimage, sum[:], nil
}

// VerifyPreimage checks that sha256(preimage) equals hash.
func VerifyPreimage(preimage, hash []byte) bool {
	if len(preimage) != 32 || len(hash) != 32 {
		return false
	}
	sum := sha256.Sum256(preimage)
	return helpers.ConstantTimeCompare(sum[:], hash)
}

// PreimageFromWitness returns the preimage revealed by a claim witness
// spending script, or false if the witness is a refund or belongs elsewhere.
func PreimageFromWitness(witness [][]byte, script []byte) ([]byte, bool) {
	if len(witness) != 4 || !bytes.Equal(witness[3], script) {
		return nil, false
	}
	h, err := ParseScript(script)
	if err != nil {
		return nil, false
	}
	if !VerifyPreimage(witness[1], h.PreimageHash) {
		return nil, false
	}
	return witness[1], true
}

// DecodeWitness decodes a hex witness stack as reported by block explorers.
func DecodeWitness(items []string) ([][]byte, error) {
	witness := make([][]byte, 0, len(items))
	for _, item := range items {
		b, err := hex.DecodeString(item)
		if err != nil {
			return nil, fmt.Errorf("invalid witness item: %w", err)
		}
		witness = append(witness, b)
	}
	return witness, nil
}
