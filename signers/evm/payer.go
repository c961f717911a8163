package evm

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	orderpay "github.com/x402-foundation/orderpay"
)

// PayerSigner signs payment transactions with an ECDSA private key.
type PayerSigner struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewPayerSigner creates a signer from a hex-encoded private key.
//
// Args:
//
//	privateKeyHex: Hex-encoded private key (with or without "0x" prefix)
//
// Returns:
//
//	PayerSigner ready for use with mechanisms/evm.Client
//	Error wrapping orderpay.ErrSubmission if the key is invalid
//
// Example:
//
//	signer, err := evm.NewPayerSigner(os.Getenv("ORDERPAY_PAYER_KEY"))
//	if err != nil {
//	    log.Fatal(err)
//	}
func NewPayerSigner(privateKeyHex string) (*PayerSigner, error) {
	privateKeyHex = strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x")

	privateKey, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, orderpay.Wrap(orderpay.ErrSubmission, fmt.Errorf("invalid private key: %w", err))
	}

	return &PayerSigner{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
	}, nil
}

// FromCredentials creates a signer from payer credentials
func FromCredentials(creds orderpay.PayerCredentials) (*PayerSigner, error) {
	return NewPayerSigner(creds.PrivateKey)
}

// GenerateCredentials creates a fresh random payer key
func GenerateCredentials() (orderpay.PayerCredentials, common.Address, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return orderpay.PayerCredentials{}, common.Address{}, fmt.Errorf("failed to generate key: %w", err)
	}
	creds := orderpay.PayerCredentials{PrivateKey: "0x" + hex.EncodeToString(crypto.FromECDSA(key))}
	return creds, crypto.PubkeyToAddress(key.PublicKey), nil
}

// Address returns the Ethereum address of the signer.
func (s *PayerSigner) Address() common.Address {
	return s.address
}

// SignTx signs a transaction for the given chain
func (s *PayerSigner) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), s.privateKey)
	if err != nil {
		return nil, orderpay.Wrap(orderpay.ErrSubmission, fmt.Errorf("failed to sign transaction: %w", err))
	}
	return signed, nil
}

// SignHash signs a 32-byte digest, returning a 65-byte [R || S || V] signature
// with V in {27, 28}
func (s *PayerSigner) SignHash(digest []byte) ([]byte, error) {
	signature, err := crypto.Sign(digest, s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	// Adjust v value for Ethereum (recovery ID 0/1 → 27/28)
	signature[64] += 27
	return signature, nil
}
