package bitcoin

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcutil"
	"github.com/btcsuite/btcutil/hdkeychain"
	"github.com/shopspring/decimal"
)

// Wallet networks
const (
	NetworkMainnet = "mainnet"
	NetworkTestnet = "testnet"
)

var satoshisPerBitcoin = decimal.NewFromInt(100_000_000)

// NetworkParams maps a wallet network name to its chain parameters.
func NetworkParams(network string) (*chaincfg.Params, error) {
	switch network {
	case NetworkMainnet, "", "bitcoin":
		return &chaincfg.MainNetParams, nil
	case NetworkTestnet, "testnet3":
		return &chaincfg.TestNet3Params, nil
	default:
		return nil, fmt.Errorf("unsupported bitcoin network %q", network)
	}
}

// DeriveAddress returns the P2WPKH address at the external chain path 0/index
// of an account-level extended public key.
func DeriveAddress(xpub, network string, index uint32) (string, error) {
	params, err := NetworkParams(network)
	if err != nil {
		return "", err
	}
	if index >= hdkeychain.HardenedKeyStart {
		return "", fmt.Errorf("index %d is in the hardened range", index)
	}

	account, err := hdkeychain.NewKeyFromString(xpub)
	if err != nil {
		return "", fmt.Errorf("invalid extended public key: %w", err)
	}
	if account.IsPrivate() {
		return "", fmt.Errorf("extended private keys must never be configured")
	}

	external, err := account.Child(0)
	if err != nil {
		return "", fmt.Errorf("failed to derive external chain: %w", err)
	}
	child, err := external.Child(index)
	if err != nil {
		return "", fmt.Errorf("failed to derive index %d: %w", index, err)
	}

	pubKey, err := child.ECPubKey()
	if err != nil {
		return "", fmt.Errorf("failed to get public key: %w", err)
	}
	hash := btcutil.Hash160(pubKey.SerializeCompressed())
	address, err := btcutil.NewAddressWitnessPubKeyHash(hash, params)
	if err != nil {
		return "", fmt.Errorf("failed to encode address: %w", err)
	}
	return address.EncodeAddress(), nil
}

// ValidateXpub checks that the key parses and derives on the given network.
func ValidateXpub(xpub, network string) error {
	_, err := DeriveAddress(xpub, network, 0)
	return err
}

// UsdToSatoshis converts at the snapshot rate, rounding down.
func UsdToSatoshis(usd, rate decimal.Decimal) int64 {
	if !usd.IsPositive() || !rate.IsPositive() {
		return 0
	}
	q, _ := usd.Mul(satoshisPerBitcoin).QuoRem(rate, 0)
	return q.IntPart()
}

func SatoshisToBtc(sats int64) decimal.Decimal {
	return decimal.New(sats, -8)
}
