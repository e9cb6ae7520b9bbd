package crypto

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Wallet is the agent's EVM signing identity.
type Wallet struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// LoadWallet resolves the key from cfg and derives its address.
func LoadWallet(cfg KeyConfig) (*Wallet, error) {
	hexKey, err := LoadKey(cfg)
	if err != nil {
		return nil, err
	}
	return NewWallet(hexKey)
}

// NewWallet parses a hex private key.
func NewWallet(hexKey string) (*Wallet, error) {
	key, err := ethcrypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("crypto: parse private key: %w", err)
	}
	return &Wallet{key: key, address: ethcrypto.PubkeyToAddress(key.PublicKey)}, nil
}

// Address returns the checksummed wallet address.
func (w *Wallet) Address() string {
	return w.address.Hex()
}

// SignText signs msg with the EIP-191 personal-message prefix. Venue
// adapters that authenticate by wallet signature use it.
func (w *Wallet) SignText(msg []byte) ([]byte, error) {
	sig, err := ethcrypto.Sign(accounts.TextHash(msg), w.key)
	if err != nil {
		return nil, fmt.Errorf("crypto: sign: %w", err)
	}
	sig[64] += 27
	return sig, nil
}

// VerifyText reports whether sig over msg was produced by address.
func VerifyText(address string, msg, sig []byte) bool {
	if len(sig) != 65 || !common.IsHexAddress(address) {
		return false
	}
	s := append([]byte(nil), sig...)
	if s[64] >= 27 {
		s[64] -= 27
	}
	pub, err := ethcrypto.SigToPub(accounts.TextHash(msg), s)
	if err != nil {
		return false
	}
	return ethcrypto.PubkeyToAddress(*pub) == common.HexToAddress(address)
}
