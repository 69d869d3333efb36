package chain

func init() {
	Register(&Params{
		Symbol:           "LTC",
		Name:             "litecoin",
		Type:             ChainTypeBitcoin,
		Network:          Mainnet,
		Decimals:         8,
		CoinType:         2,
		DefaultPurpose:   84,
		PubKeyHashAddrID: 0x30, // L...
		ScriptHashAddrID: 0x32, // M...
		Bech32HRP:        "ltc",
		HDPrivateKeyID:   [4]byte{0x01, 0x9d, 0x9c, 0xfe}, // Ltpv
		HDPublicKeyID:    [4]byte{0x01, 0x9d, 0xa4, 0x62}, // Ltub
		DustLimit:        5460,
	})

	Register(&Params{
		Symbol:           "LTC",
		Name:             "litecoin-testnet",
		Type:             ChainTypeBitcoin,
		Network:          Testnet,
		Decimals:         8,
		CoinType:         1,
		DefaultPurpose:   84,
		PubKeyHashAddrID: 0x6F,
		ScriptHashAddrID: 0x3A,
		Bech32HRP:        "tltc",
		HDPrivateKeyID:   [4]byte{0x04, 0x36, 0xef, 0x7d}, // ttpv
		HDPublicKeyID:    [4]byte{0x04, 0x36, 0xf6, 0xe1}, // ttub
		DustLimit:        5460,
	})

	Register(&Params{
		Symbol:           "LTC",
		Name:             "litecoin-regtest",
		Type:             ChainTypeBitcoin,
		Network:          Regtest,
		Decimals:         8,
		CoinType:         1,
		DefaultPurpose:   84,
		PubKeyHashAddrID: 0x6F,
		ScriptHashAddrID: 0x3A,
		Bech32HRP:        "rltc",
		HDPrivateKeyID:   [4]byte{0x04, 0x36, 0xef, 0x7d},
		HDPublicKeyID:    [4]byte{0x04, 0x36, 0xf6, 0xe1},
		DustLimit:        5460,
	})
}
