package keystore

import (
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "OpenGrant-Chain/internal/errors"
)

// AuthenticatorSecp256k1 is the authenticator type reported for every wallet
// this store produces.
const AuthenticatorSecp256k1 = "Secp256K1"

// ErrInvalidPayload 表示待签名内容不是 0x 前缀的十六进制字符串。
var ErrInvalidPayload = xerrors.New(xerrors.CodeInvalidFormat, "payload must be 0x-prefixed hex")

// SignFunc signs a 0x-prefixed hex payload and returns a 0x-prefixed hex
// signature.
type SignFunc func(hexPayload string) (string, error)

// SignerConfig bundles the authenticator identity with a signing capability
// bound to exactly one wallet record. The authorization collaborator consumes
// it without ever seeing the private key.
type SignerConfig struct {
	AuthenticatorType string
	AuthenticatorID   string
	Address           string
	SignMessage       SignFunc
}

// Provider yields the current signer config. The orchestrator holds one,
// bound to a single identity, so key rotation can swap it without touching
// the store.
type Provider func() (SignerConfig, error)

// GetSignerConfig returns the signer config for identity, or ErrWalletNotFound
// when no wallet exists. The returned SignMessage closure performs pure
// cryptographic computation; no network or disk I/O happens on the signing
// path.
func (s *Store) GetSignerConfig(identity string) (SignerConfig, error) {
	s.mu.RLock()
	rec, ok := s.records[strings.TrimSpace(identity)]
	s.mu.RUnlock()
	if !ok {
		return SignerConfig{}, ErrWalletNotFound
	}

	key := rec.privateKey
	return SignerConfig{
		AuthenticatorType: AuthenticatorSecp256k1,
		AuthenticatorID:   rec.authenticatorID,
		Address:           rec.address,
		SignMessage: func(hexPayload string) (string, error) {
			payload, err := decodeHexPayload(hexPayload)
			if err != nil {
				return "", err
			}
			signature, err := crypto.Sign(crypto.Keccak256(payload), key)
			if err != nil {
				return "", xerrors.Wrap(xerrors.CodeUnknown, err, "签名失败")
			}
			return hexutil.Encode(signature), nil
		},
	}, nil
}

// SignerProvider returns a Provider bound to identity. The lookup happens on
// every call so that a deleted wallet fails loudly instead of signing with a
// stale key.
func (s *Store) SignerProvider(identity string) Provider {
	return func() (SignerConfig, error) {
		return s.GetSignerConfig(identity)
	}
}

func decodeHexPayload(hexPayload string) ([]byte, error) {
	if !strings.HasPrefix(hexPayload, "0x") {
		return nil, ErrInvalidPayload
	}
	payload, err := hexutil.Decode(hexPayload)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidFormat, err, "payload must be 0x-prefixed hex")
	}
	return payload, nil
}
