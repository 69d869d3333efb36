// Package keys derives deterministic per-swap keypairs from a BIP39 seed.
//
// Every swap owns one index per currency. The claim key lives on the external
// branch and the refund key on the internal branch of the swap account:
//
//	claim:  m/purpose'/coin'/0'/0/index
//	refund: m/purpose'/coin'/0'/1/index
//
// The service wallet (sweep destination and lockup funding) uses account 1.
package keys

import (
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip39"

	"github.com/klingon-exchange/lnswap/internal/chain"
)

const (
	SwapAccount   uint32 = 0
	WalletAccount uint32 = 1

	ClaimBranch  uint32 = 0
	RefundBranch uint32 = 1
)

var (
	ErrInvalidMnemonic     = errors.New("invalid mnemonic")
	ErrUnsupportedCurrency = errors.New("unsupported currency")
	ErrIndexOutOfRange     = errors.New("key index out of range")
)

// KeyPair is the claim/refund key material of one swap index.
type KeyPair struct {
	Currency string
	Index    uint32
	Claim    *btcec.PrivateKey
	Refund   *btcec.PrivateKey
}

// ClaimPublicKey returns the compressed claim public key.
func (k *KeyPair) ClaimPublicKey() []byte {
	return k.Claim.PubKey().SerializeCompressed()
}

// RefundPublicKey returns the compressed refund public key.
func (k *KeyPair) RefundPublicKey() []byte {
	return k.Refund.PubKey().SerializeCompressed()
}

// Deriver turns (currency, index) into keys. It holds only the master key;
// derived account keys are cached since hardened steps are the expensive part.
type Deriver struct {
	master  *hdkeychain.ExtendedKey
	network chain.Network

	mu       sync.Mutex
	accounts map[string]*hdkeychain.ExtendedKey
}

// GenerateMnemonic generates a new 24-word BIP39 mnemonic.
func GenerateMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", fmt.Errorf("failed to generate entropy: %w", err)
	}
	return bip39.NewMnemonic(entropy)
}

// NewFromMnemonic creates a Deriver from a BIP39 mnemonic and optional passphrase.
func NewFromMnemonic(mnemonic, passphrase string, network chain.Network) (*Deriver, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}
	return NewFromSeed(bip39.NewSeed(mnemonic, passphrase), network)
}

// NewFromSeed creates a Deriver from a raw seed.
func NewFromSeed(seed []byte, network chain.Network) (*Deriver, error) {
	// The chaincfg params only affect xprv serialization, never the keys.
	params := &chaincfg.MainNetParams
	if network != chain.Mainnet {
		params = &chaincfg.TestNet3Params
	}

	master, err := hdkeychain.NewMaster(seed, params)
	if err != nil {
		return nil, fmt.Errorf("failed to create master key: %w", err)
	}

	return &Deriver{
		master:   master,
		network:  network,
		accounts: make(map[string]*hdkeychain.ExtendedKey),
	}, nil
}

// Network returns the network the deriver resolves currencies on.
func (d *Deriver) Network() chain.Network {
	return d.network
}

// Derive returns the claim and refund keys of a swap index.
// The same (seed, currency, index) always yields the same keys.
func (d *Deriver) Derive(currency string, index uint32) (*KeyPair, error) {
	claim, err := d.PrivateKey(currency, SwapAccount, ClaimBranch, index)
	if err != nil {
		return nil, err
	}
	refund, err := d.PrivateKey(currency, SwapAccount, RefundBranch, index)
	if err != nil {
		return nil, err
	}
	return &KeyPair{Currency: currency, Index: index, Claim: claim, Refund: refund}, nil
}

// WalletKey returns the service wallet key at the given index.
func (d *Deriver) WalletKey(currency string, index uint32) (*btcec.PrivateKey, error) {
	return d.PrivateKey(currency, WalletAccount, 0, index)
}

// PrivateKey derives m/purpose'/coin'/account'/branch/index for a currency.
func (d *Deriver) PrivateKey(currency string, account, branch, index uint32) (*btcec.PrivateKey, error) {
	if index >= hdkeychain.HardenedKeyStart || branch >= hdkeychain.HardenedKeyStart {
		return nil, ErrIndexOutOfRange
	}

	accountKey, err := d.accountKey(currency, account)
	if err != nil {
		return nil, err
	}

	branchKey, err := accountKey.Derive(branch)
	if err != nil {
		return nil, fmt.Errorf("failed to derive branch %d: %w", branch, err)
	}
	key, err := branchKey.Derive(index)
	if err != nil {
		return nil, fmt.Errorf("failed to derive index %d: %w", index, err)
	}

	priv, err := key.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("failed to get private key: %w", err)
	}
	return priv, nil
}

// Path returns the derivation path string of a key, for display.
func (d *Deriver) Path(currency string, account, branch, index uint32) (string, error) {
	params, ok := chain.Get(currency, d.network)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedCurrency, currency)
	}
	return params.DerivationPathString(account, branch, index), nil
}

func (d *Deriver) accountKey(currency string, account uint32) (*hdkeychain.ExtendedKey, error) {
	params, ok := chain.Get(currency, d.network)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCurrency, currency)
	}

	cacheKey := fmt.Sprintf("%s/%d", currency, account)

	d.mu.Lock()
	defer d.mu.Unlock()

	if key, ok := d.accounts[cacheKey]; ok {
		return key, nil
	}

	key := d.master
	// First three path elements are hardened: purpose', coin', account'.
	for _, step := range params.DerivationPath(account, 0, 0)[:3] {
		var err error
		key, err = key.Derive(step)
		if err != nil {
			return nil, fmt.Errorf("failed to derive %s account %d: %w", currency, account, err)
		}
	}

	d.accounts[cacheKey] = key
	return key, nil
}

// EVMAddress returns the account address of a secp256k1 public key.
func EVMAddress(pub *btcec.PublicKey) common.Address {
	return crypto.PubkeyToAddress(*pub.ToECDSA())
}

// IndexStore persists key index reservations.
type IndexStore interface {
	ReserveKeyIndex(currency string) (uint32, error)
}

// Allocator hands out fresh swap keys. The index is persisted before the keys
// are returned, so concurrent callers never share an index.
type Allocator struct {
	store   IndexStore
	deriver *Deriver
}

// NewAllocator creates an Allocator.
func NewAllocator(store IndexStore, deriver *Deriver) *Allocator {
	return &Allocator{store: store, deriver: deriver}
}

// Next reserves the next index for a currency and derives its keys.
func (a *Allocator) Next(currency string) (*KeyPair, error) {
	if _, ok := chain.Get(currency, a.deriver.network); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCurrency, currency)
	}
	index, err := a.store.ReserveKeyIndex(currency)
	if err != nil {
		return nil, fmt.Errorf("failed to reserve key index: %w", err)
	}
	return a.deriver.Derive(currency, index)
}
