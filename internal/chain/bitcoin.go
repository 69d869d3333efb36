package chain

func init() {
	Register(&Params{
		Symbol:           "BTC",
		Name:             "Bitcoin",
		Type:             ChainTypeBitcoin,
		Network:          Mainnet,
		Decimals:         8,
		CoinType:         0,
		DefaultPurpose:   84,
		PubKeyHashAddrID: 0x00,
		ScriptHashAddrID: 0x05,
		Bech32HRP:        "bc",
		HDPrivateKeyID:   [4]byte{0x04, 0x88, 0xad, 0xe4}, // xprv
		HDPublicKeyID:    [4]byte{0x04, 0x88, 0xb2, 0x1e}, // xpub
		DustLimit:        546,
	})

	Register(&Params{
		Symbol:           "BTC",
		Name:             "Bitcoin Testnet",
		Type:             ChainTypeBitcoin,
		Network:          Testnet,
		Decimals:         8,
		CoinType:         1,
		DefaultPurpose:   84,
		PubKeyHashAddrID: 0x6F,
		ScriptHashAddrID: 0xC4,
		Bech32HRP:        "tb",
		HDPrivateKeyID:   [4]byte{0x04, 0x35, 0x83, 0x94}, // tprv
		HDPublicKeyID:    [4]byte{0x04, 0x35, 0x87, 0xcf}, // tpub
		DustLimit:        546,
	})

	Register(&Params{
		Symbol:           "BTC",
		Name:             "Bitcoin Regtest",
		Type:             ChainTypeBitcoin,
		Network:          Regtest,
		Decimals:         8,
		CoinType:         1,
		DefaultPurpose:   84,
		PubKeyHashAddrID: 0x6F,
		ScriptHashAddrID: 0xC4,
		Bech32HRP:        "bcrt",
		HDPrivateKeyID:   [4]byte{0x04, 0x35, 0x83, 0x94},
		HDPublicKeyID:    [4]byte{0x04, 0x35, 0x87, 0xcf},
		DustLimit:        546,
	})
}
