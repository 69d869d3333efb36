// Package config - EVM currency settings.
package config

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/klingon-exchange/lnswap/internal/chain"
)

// EVMConfig points an account-ledger currency at its swap contract.
type EVMConfig struct {
	// Contract is the hex address of the deployed swap contract.
	Contract string `yaml:"contract"`
	// ChainID must match the chain's registered id. Zero means "use the
	// registered id".
	ChainID uint64 `yaml:"chain_id,omitempty"`
}

// ContractAddress parses the contract address.
func (e *EVMConfig) ContractAddress() (common.Address, error) {
	if e == nil || e.Contract == "" {
		return common.Address{}, errors.New("evm.contract is empty")
	}
	if !common.IsHexAddress(e.Contract) {
		return common.Address{}, fmt.Errorf("evm.contract %q is not a hex address", e.Contract)
	}
	addr := common.HexToAddress(e.Contract)
	if addr == (common.Address{}) {
		return common.Address{}, errors.New("evm.contract is the zero address")
	}
	return addr, nil
}

func (e *EVMConfig) validate(params *chain.Params) error {
	if _, err := e.ContractAddress(); err != nil {
		return err
	}
	if e.ChainID != 0 && e.ChainID != params.ChainID {
		return fmt.Errorf("evm.chain_id %d does not match %s (%d)", e.ChainID, params.Name, params.ChainID)
	}
	return nil
}
