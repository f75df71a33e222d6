package keystore

import (
	"errors"
	"strings"
	"sync"
	"testing"

	xerrors "OpenGrant-Chain/internal/errors"
)

func TestCreateWalletIdempotent(t *testing.T) {
	store := NewStore()

	first, err := store.CreateWallet("u1")
	if err != nil {
		t.Fatalf("create wallet: %v", err)
	}
	second, err := store.CreateWallet("u1")
	if err != nil {
		t.Fatalf("create wallet again: %v", err)
	}
	if first != second {
		t.Fatalf("expected stable address, got %s then %s", first, second)
	}
	if store.Count() != 1 {
		t.Fatalf("expected exactly one record, got %d", store.Count())
	}

	other, err := store.CreateWallet("u2")
	if err != nil {
		t.Fatalf("create second wallet: %v", err)
	}
	if other == first {
		t.Fatalf("distinct identities must not share an address")
	}
	if store.Count() != 2 {
		t.Fatalf("expected two records, got %d", store.Count())
	}

	got, err := store.GetWallet("u1")
	if err != nil {
		t.Fatalf("get wallet: %v", err)
	}
	if got != first {
		t.Fatalf("GetWallet returned %s, want %s", got, first)
	}
}

func TestCreateWalletConcurrentSameIdentity(t *testing.T) {
	store := NewStore()

	const callers = 16
	addresses := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			addr, err := store.CreateWallet("shared")
			if err != nil {
				t.Errorf("concurrent create: %v", err)
				return
			}
			addresses[slot] = addr
		}(i)
	}
	wg.Wait()

	if store.Count() != 1 {
		t.Fatalf("expected a single record after concurrent creation, got %d", store.Count())
	}
	for i := 1; i < callers; i++ {
		if addresses[i] != addresses[0] {
			t.Fatalf("caller %d observed %s, want %s", i, addresses[i], addresses[0])
		}
	}
}

func TestGetSignerConfigUnknownIdentity(t *testing.T) {
	store := NewStore()
	if _, err := store.GetSignerConfig("ghost"); !errors.Is(err, ErrWalletNotFound) {
		t.Fatalf("expected ErrWalletNotFound, got %v", err)
	}
	if xerrors.CodeOf(ErrWalletNotFound) != xerrors.CodeWalletNotFound {
		t.Fatalf("wallet not found should map to WALLET_NOT_FOUND, got %s", xerrors.CodeOf(ErrWalletNotFound))
	}
}

func TestSignMessageDeterministic(t *testing.T) {
	store := NewStore()
	if _, err := store.CreateWallet("signer"); err != nil {
		t.Fatalf("create wallet: %v", err)
	}
	cfg, err := store.GetSignerConfig("signer")
	if err != nil {
		t.Fatalf("get signer config: %v", err)
	}
	if cfg.AuthenticatorType != AuthenticatorSecp256k1 {
		t.Fatalf("unexpected authenticator type %s", cfg.AuthenticatorType)
	}
	if cfg.AuthenticatorID == "" {
		t.Fatalf("authenticator id must not be empty")
	}

	first, err := cfg.SignMessage("0xdeadbeef")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	second, err := cfg.SignMessage("0xdeadbeef")
	if err != nil {
		t.Fatalf("sign again: %v", err)
	}
	if first != second {
		t.Fatalf("signature must be deterministic: %s vs %s", first, second)
	}
	if !strings.HasPrefix(first, "0x") {
		t.Fatalf("signature must be 0x-prefixed hex, got %s", first)
	}
}

func TestSignMessageRejectsMalformedPayload(t *testing.T) {
	store := NewStore()
	if _, err := store.CreateWallet("signer"); err != nil {
		t.Fatalf("create wallet: %v", err)
	}
	cfg, err := store.GetSignerConfig("signer")
	if err != nil {
		t.Fatalf("get signer config: %v", err)
	}

	for _, payload := range []string{"deadbeef", "0xzz", "", "0x123"} {
		if _, err := cfg.SignMessage(payload); xerrors.CodeOf(err) != xerrors.CodeInvalidFormat {
			t.Fatalf("payload %q: expected INVALID_FORMAT, got %v", payload, err)
		}
	}
}

func TestAdministrativeOperations(t *testing.T) {
	store := NewStore()
	for _, identity := range []string{"a", "b", "c"} {
		if _, err := store.CreateWallet(identity); err != nil {
			t.Fatalf("create %s: %v", identity, err)
		}
	}

	identities := store.ListIdentities()
	if len(identities) != 3 || identities[0] != "a" || identities[2] != "c" {
		t.Fatalf("unexpected identity list: %v", identities)
	}

	store.DeleteWallet("b")
	if store.Count() != 2 {
		t.Fatalf("expected 2 records after delete, got %d", store.Count())
	}
	if _, err := store.GetWallet("b"); !errors.Is(err, ErrWalletNotFound) {
		t.Fatalf("deleted wallet should be gone, got %v", err)
	}

	store.ClearAll()
	if store.Count() != 0 {
		t.Fatalf("expected empty store after clear, got %d", store.Count())
	}
}

func TestCreateWalletRejectsEmptyIdentity(t *testing.T) {
	store := NewStore()
	if _, err := store.CreateWallet("  "); !errors.Is(err, ErrEmptyIdentity) {
		t.Fatalf("expected ErrEmptyIdentity, got %v", err)
	}
}
