package keystore

import (
	"crypto/ecdsa"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	xerrors "OpenGrant-Chain/internal/errors"
)

var (
	// ErrWalletNotFound 表示指定身份尚未创建会话钱包。
	ErrWalletNotFound = xerrors.New(xerrors.CodeWalletNotFound, "wallet not found")
	// ErrEmptyIdentity 表示调用方没有提供身份标识。
	ErrEmptyIdentity = xerrors.New(xerrors.CodeInvalidArgument, "identity cannot be empty")
)

// record holds the signing secret for one identity. The private key never
// leaves this package; callers only receive the address and a bound signing
// closure.
type record struct {
	privateKey      *ecdsa.PrivateKey
	address         string
	authenticatorID string
}

// Store keeps one session keypair per identity. Identities are fully
// isolated from each other; creation is idempotent and first-creator-wins
// under concurrent access.
type Store struct {
	mu      sync.RWMutex
	records map[string]*record
}

// NewStore initialises an empty key store.
func NewStore() *Store {
	return &Store{records: make(map[string]*record)}
}

// CreateWallet returns the address for identity, generating a fresh secp256k1
// keypair on first use. Repeated calls for the same identity return the
// existing address and never regenerate the key.
func (s *Store) CreateWallet(identity string) (string, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return "", ErrEmptyIdentity
	}

	s.mu.RLock()
	existing, ok := s.records[identity]
	s.mu.RUnlock()
	if ok {
		return existing.address, nil
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeUnknown, err, "生成会话密钥失败")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Check-then-act race: a concurrent creator may have won while the key
	// was being generated. The first record stays, the fresh key is dropped.
	if existing, ok := s.records[identity]; ok {
		return existing.address, nil
	}
	rec := &record{
		privateKey:      key,
		address:         crypto.PubkeyToAddress(key.PublicKey).Hex(),
		authenticatorID: uuid.NewString(),
	}
	s.records[identity] = rec
	return rec.address, nil
}

// GetWallet returns the address for identity without creating anything.
func (s *Store) GetWallet(identity string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[strings.TrimSpace(identity)]
	if !ok {
		return "", ErrWalletNotFound
	}
	return rec.address, nil
}

// DeleteWallet removes the record for identity. Deleting an unknown identity
// is a no-op.
func (s *Store) DeleteWallet(identity string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, strings.TrimSpace(identity))
}

// ClearAll drops every record in the store.
func (s *Store) ClearAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string]*record)
}

// ListIdentities returns all known identities in stable order.
func (s *Store) ListIdentities() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	identities := make([]string, 0, len(s.records))
	for identity := range s.records {
		identities = append(identities, identity)
	}
	sort.Strings(identities)
	return identities
}

// Count returns the number of stored wallets.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
