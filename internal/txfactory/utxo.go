package txfactory

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/lnswap/internal/chain"
)

// Size estimates in vbytes.
const (
	// One P2WPKH input, the P2WSH HTLC output and a P2WPKH change output.
	LockupVSize = 154
	// Each wallet input beyond the first.
	LockupInputVSize = 68
	// P2WSH input with [sig, preimage, 0x01, script] and one output.
	ClaimVSize = 150
	// P2WSH input with [sig, <empty>, script] and one output.
	RefundVSize = 142
)

// UTXOBuilder builds P2WSH HTLC transactions for bitcoin-family chains.
type UTXOBuilder struct {
	params *chain.Params
	net    *chaincfg.Params
}

// NewUTXOBuilder creates a builder for a bitcoin-family currency.
func NewUTXOBuilder(params *chain.Params) *UTXOBuilder {
	return &UTXOBuilder{params: params, net: params.NetParams()}
}

// LockupFee returns the fee of a lockup with n wallet inputs.
func LockupFee(inputs int, feeRate uint64) uint64 {
	if inputs < 1 {
		inputs = 1
	}
	return uint64(LockupVSize+(inputs-1)*LockupInputVSize) * feeRate
}

// ClaimFee returns the fee of a claim transaction.
func ClaimFee(feeRate uint64) uint64 { return ClaimVSize * feeRate }

// RefundFee returns the fee of a refund transaction.
func RefundFee(feeRate uint64) uint64 { return RefundVSize * feeRate }

// BuildLockup spends wallet P2WPKH inputs into the HTLC address, with change.
func (b *UTXOBuilder) BuildLockup(req *LockupRequest) (*Tx, error) {
	if len(req.Inputs) == 0 {
		return nil, fmt.Errorf("%w: no wallet inputs", ErrInsufficientFunds)
	}
	if req.Amount < b.params.DustLimit {
		return nil, fmt.Errorf("%w: lockup amount %d", ErrDustOutput, req.Amount)
	}

	fee := LockupFee(len(req.Inputs), req.FeeRate)

	var total uint64
	for _, in := range req.Inputs {
		total += in.Amount
	}
	if total < req.Amount+fee {
		return nil, fmt.Errorf("%w: need %d, have %d", ErrInsufficientFunds, req.Amount+fee, total)
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	prevOuts := txscript.NewMultiPrevOutFetcher(make(map[wire.OutPoint]*wire.TxOut))
	pkScripts := make([][]byte, len(req.Inputs))

	for i, in := range req.Inputs {
		if in.Key == nil {
			return nil, ErrMissingKey
		}
		hash, err := chainhash.NewHashFromStr(in.TxID)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidTxID, in.TxID)
		}
		pkScript, err := p2wpkhScript(in.Key.PubKey(), b.net)
		if err != nil {
			return nil, err
		}
		outpoint := wire.NewOutPoint(hash, in.Vout)
		txIn := wire.NewTxIn(outpoint, nil, nil)
		txIn.Sequence = wire.MaxTxInSequenceNum - 2
		tx.AddTxIn(txIn)
		prevOuts.AddPrevOut(*outpoint, wire.NewTxOut(int64(in.Amount), pkScript))
		pkScripts[i] = pkScript
	}

	tx.AddTxOut(wire.NewTxOut(int64(req.Amount), P2WSHScriptPubKey(req.RedeemScript)))

	change := total - req.Amount - fee
	if change >= b.params.DustLimit {
		changeScript, err := b.addressScript(req.ChangeAddress)
		if err != nil {
			return nil, fmt.Errorf("invalid change address: %w", err)
		}
		tx.AddTxOut(wire.NewTxOut(int64(change), changeScript))
	} else {
		// Sub-dust change goes to the miner.
		fee += change
	}

	sigHashes := txscript.NewTxSigHashes(tx, prevOuts)
	for i, in := range req.Inputs {
		witness, err := txscript.WitnessSignature(tx, sigHashes, i, int64(in.Amount),
			pkScripts[i], txscript.SigHashAll, in.Key, true)
		if err != nil {
			return nil, fmt.Errorf("failed to sign input %d: %w", i, err)
		}
		tx.TxIn[i].Witness = witness
	}

	return finish(tx, fee, req.Amount, 0)
}

// BuildClaim spends the lockup output with the preimage.
func (b *UTXOBuilder) BuildClaim(req *ClaimRequest) (*Tx, error) {
	if req.Key == nil {
		return nil, ErrMissingKey
	}
	h, err := ParseScript(req.RedeemScript)
	if err != nil {
		return nil, err
	}
	if !VerifyPreimage(req.Preimage, h.PreimageHash) {
		return nil, ErrInvalidPreimage
	}
	if !bytes.Equal(req.Key.PubKey().SerializeCompressed(), h.ClaimPubKey) {
		return nil, fmt.Errorf("%w: key does not match claim pubkey", ErrMissingKey)
	}

	fee := ClaimFee(req.FeeRate)
	tx, amount, err := b.spendTx(req.Lockup, req.Destination, fee, wire.MaxTxInSequenceNum, 0)
	if err != nil {
		return nil, err
	}

	sig, err := b.sign(tx, req.RedeemScript, req.Lockup.Amount, req.Key)
	if err != nil {
		return nil, err
	}
	tx.TxIn[0].Witness = ClaimWitness(sig, req.Preimage, req.RedeemScript)

	return finish(tx, fee, amount, 0)
}

// BuildRefund spends the lockup output through the timeout branch. The
// transaction is only valid from the block at the script's timeout height.
func (b *UTXOBuilder) BuildRefund(req *RefundRequest) (*Tx, error) {
	if req.Key == nil {
		return nil, ErrMissingKey
	}
	h, err := ParseScript(req.RedeemScript)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(req.Key.PubKey().SerializeCompressed(), h.RefundPubKey) {
		return nil, fmt.Errorf("%w: key does not match refund pubkey", ErrMissingKey)
	}

	fee := RefundFee(req.FeeRate)
	// CLTV needs a non-final sequence and nLockTime at or past the timeout.
	tx, amount, err := b.spendTx(req.Lockup, req.Destination, fee, wire.MaxTxInSequenceNum-1, h.TimeoutHeight)
	if err != nil {
		return nil, err
	}

	sig, err := b.sign(tx, req.RedeemScript, req.Lockup.Amount, req.Key)
	if err != nil {
		return nil, err
	}
	tx.TxIn[0].Witness = RefundWitness(sig, req.RedeemScript)

	return finish(tx, fee, amount, 0)
}

func (b *UTXOBuilder) spendTx(lockup Outpoint, dest string, fee uint64, sequence, lockTime uint32) (*wire.MsgTx, uint64, error) {
	amount, err := outputAfterFee(lockup.Amount, fee)
	if err != nil {
		return nil, 0, err
	}
	if amount < b.params.DustLimit {
		return nil, 0, fmt.Errorf("%w: %d after fee %d", ErrDustOutput, amount, fee)
	}

	hash, err := chainhash.NewHashFromStr(lockup.TxID)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %s", ErrInvalidTxID, lockup.TxID)
	}
	destScript, err := b.addressScript(dest)
	if err != nil {
		return nil, 0, fmt.Errorf("invalid destination address: %w", err)
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	txIn := wire.NewTxIn(wire.NewOutPoint(hash, lockup.Vout), nil, nil)
	txIn.Sequence = sequence
	tx.AddTxIn(txIn)
	tx.AddTxOut(wire.NewTxOut(int64(amount), destScript))
	tx.LockTime = lockTime

	return tx, amount, nil
}

// sign returns a BIP143 SIGHASH_ALL signature of input 0 over the redeem script.
func (b *UTXOBuilder) sign(tx *wire.MsgTx, script []byte, amount uint64, key *btcec.PrivateKey) ([]byte, error) {
	prevOuts := txscript.NewCannedPrevOutputFetcher(P2WSHScriptPubKey(script), int64(amount))
	sigHashes := txscript.NewTxSigHashes(tx, prevOuts)
	sighash, err := txscript.CalcWitnessSigHash(script, sigHashes, txscript.SigHashAll, tx, 0, int64(amount))
	if err != nil {
		return nil, fmt.Errorf("failed to compute sighash: %w", err)
	}
	sig := btcecdsa.Sign(key, sighash)
	return append(sig.Serialize(), byte(txscript.SigHashAll)), nil
}

func (b *UTXOBuilder) addressScript(address string) ([]byte, error) {
	addr, err := btcutil.DecodeAddress(address, b.net)
	if err != nil {
		return nil, err
	}
	if !addr.IsForNet(b.net) {
		return nil, fmt.Errorf("address %s is not for %s", address, b.net.Name)
	}
	return txscript.PayToAddrScript(addr)
}

// WalletAddress returns the P2WPKH address of a wallet key.
func WalletAddress(pub *btcec.PublicKey, net *chaincfg.Params) (string, error) {
	addr, err := btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(pub.SerializeCompressed()), net)
	if err != nil {
		return "", err
	}
	return addr.EncodeAddress(), nil
}

func p2wpkhScript(pub *btcec.PublicKey, net *chaincfg.Params) ([]byte, error) {
	addr, err := btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(pub.SerializeCompressed()), net)
	if err != nil {
		return nil, fmt.Errorf("failed to derive input script: %w", err)
	}
	return txscript.PayToAddrScript(addr)
}

func finish(tx *wire.MsgTx, fee, amount uint64, vout uint32) (*Tx, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("failed to serialize transaction: %w", err)
	}
	return &Tx{
		TxID:   tx.TxHash().String(),
		Raw:    buf.Bytes(),
		Fee:    fee,
		Amount: amount,
		Vout:   vout,
	}, nil
}

// DecodeTx parses a serialized transaction.
func DecodeTx(raw []byte) (*wire.MsgTx, error) {
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("failed to decode transaction: %w", err)
	}
	return tx, nil
}
