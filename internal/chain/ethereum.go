package chain

func init() {
	// EVM chains share coin type 60 and the BIP44 purpose.
	Register(&Params{
		Symbol:         "ETH",
		Name:           "Ethereum",
		Type:           ChainTypeEVM,
		Network:        Mainnet,
		Decimals:       18,
		CoinType:       60,
		DefaultPurpose: 44,
		ChainID:        1,
	})

	Register(&Params{
		Symbol:         "ETH",
		Name:           "Ethereum Sepolia",
		Type:           ChainTypeEVM,
		Network:        Testnet,
		Decimals:       18,
		CoinType:       60,
		DefaultPurpose: 44,
		ChainID:        11155111,
	})

	Register(&Params{
		Symbol:         "ETH",
		Name:           "Ethereum Devnet",
		Type:           ChainTypeEVM,
		Network:        Regtest,
		Decimals:       18,
		CoinType:       60,
		DefaultPurpose: 44,
		ChainID:        1337,
	})

	Register(&Params{
		Symbol:         "RBTC",
		Name:           "Rootstock",
		Type:           ChainTypeEVM,
		Network:        Mainnet,
		Decimals:       18,
		CoinType:       137,
		DefaultPurpose: 44,
		ChainID:        30,
	})

	Register(&Params{
		Symbol:         "RBTC",
		Name:           "Rootstock Testnet",
		Type:           ChainTypeEVM,
		Network:        Testnet,
		Decimals:       18,
		CoinType:       37310,
		DefaultPurpose: 44,
		ChainID:        31,
	})
}
