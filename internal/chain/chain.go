// Package chain defines per-currency network parameters for the swap engine.
// Values are hardcoded; the daemon config only selects which ones are live.
package chain

import (
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/chaincfg"
)

// Network represents mainnet, testnet or regtest.
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
	Regtest Network = "regtest"
)

// ChainType represents the ledger model of a currency.
type ChainType string

const (
	ChainTypeBitcoin ChainType = "bitcoin" // UTXO ledgers: BTC, LTC
	ChainTypeEVM     ChainType = "evm"     // account ledgers with an EtherSwap contract
)

// Params contains the parameters the engine needs for one currency on one network.
type Params struct {
	Symbol   string
	Name     string
	Type     ChainType
	Network  Network
	Decimals uint8

	// BIP44 derivation
	CoinType       uint32
	DefaultPurpose uint32

	// UTXO address encoding
	PubKeyHashAddrID byte
	ScriptHashAddrID byte
	Bech32HRP        string
	HDPrivateKeyID   [4]byte
	HDPublicKeyID    [4]byte

	// DustLimit is the smallest output the engine will create, in base units.
	DustLimit uint64

	// EVM
	ChainID uint64
}

// DerivationPath returns m/purpose'/coin'/account'/change/index as BIP32 indexes.
func (p *Params) DerivationPath(account, change, index uint32) []uint32 {
	return []uint32{
		p.DefaultPurpose + 0x80000000,
		p.CoinType + 0x80000000,
		account + 0x80000000,
		change,
		index,
	}
}

// DerivationPathString formats DerivationPath for logs and RPC responses.
func (p *Params) DerivationPathString(account, change, index uint32) string {
	return fmt.Sprintf("m/%d'/%d'/%d'/%d/%d", p.DefaultPurpose, p.CoinType, account, change, index)
}

// NetParams maps the currency to btcd's chaincfg.Params so btcutil can encode
// and decode its addresses. Returns nil for non-UTXO currencies.
func (p *Params) NetParams() *chaincfg.Params {
	if p.Type != ChainTypeBitcoin {
		return nil
	}
	if p.Symbol == "BTC" {
		switch p.Network {
		case Mainnet:
			return &chaincfg.MainNetParams
		case Regtest:
			return &chaincfg.RegressionNetParams
		default:
			return &chaincfg.TestNet3Params
		}
	}

	// Forks reuse the bitcoin mainnet template with their own prefixes.
	net := chaincfg.MainNetParams
	net.Name = p.Name
	net.Bech32HRPSegwit = p.Bech32HRP
	net.PubKeyHashAddrID = p.PubKeyHashAddrID
	net.ScriptHashAddrID = p.ScriptHashAddrID
	net.HDPrivateKeyID = p.HDPrivateKeyID
	net.HDPublicKeyID = p.HDPublicKeyID
	net.HDCoinType = p.CoinType
	return &net
}

var registry = make(map[string]map[Network]*Params)

// Register adds chain params to the registry.
func Register(params *Params) {
	if registry[params.Symbol] == nil {
		registry[params.Symbol] = make(map[Network]*Params)
	}
	registry[params.Symbol][params.Network] = params
}

// Get returns chain params for a symbol and network.
func Get(symbol string, network Network) (*Params, bool) {
	nets, ok := registry[symbol]
	if !ok {
		return nil, false
	}
	params, ok := nets[network]
	return params, ok
}

// List returns all registered symbols in sorted order.
func List() []string {
	symbols := make([]string, 0, len(registry))
	for symbol := range registry {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	return symbols
}

// IsSupported returns true if the symbol is registered on any network.
func IsSupported(symbol string) bool {
	_, ok := registry[symbol]
	return ok
}

// ParseNetwork converts a config string into a Network.
func ParseNetwork(s string) (Network, error) {
	switch Network(s) {
	case Mainnet, Testnet, Regtest:
		return Network(s), nil
	case "":
		return Mainnet, nil
	default:
		return "", fmt.Errorf("unknown network %q", s)
	}
}
