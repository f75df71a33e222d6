package chain

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleDefinitions = `
chains:
  testnet:
    chain_id: grantnet-testnet-1
    rpc_url: https://rpc.testnet.example.org
    rest_url: https://api.testnet.example.org
    gas_price: 0.025ugrant
    address_prefix: grant
  mainnet:
    chain_id: grantnet-1
    rpc_url: https://rpc.example.org
    rest_url: https://api.example.org
    gas_price: 0.025ugrant
    address_prefix: grant
`

func writeDefinitions(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chains.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write definitions: %v", err)
	}
	return path
}

func TestNewRegistry(t *testing.T) {
	registry, err := NewRegistry(writeDefinitions(t, sampleDefinitions), "testnet")
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	if registry.DefaultName() != "testnet" {
		t.Fatalf("unexpected default chain %s", registry.DefaultName())
	}
	if registry.Default().ChainID != "grantnet-testnet-1" {
		t.Fatalf("unexpected default chain id %s", registry.Default().ChainID)
	}
	if _, ok := registry.Lookup("mainnet"); !ok {
		t.Fatalf("mainnet should resolve")
	}
	if _, ok := registry.Lookup("devnet"); ok {
		t.Fatalf("devnet should not resolve")
	}
	names := registry.Names()
	if len(names) != 2 || names[0] != "mainnet" {
		t.Fatalf("unexpected name order: %v", names)
	}
}

func TestNewRegistryDefaultsToFirstName(t *testing.T) {
	registry, err := NewRegistry(writeDefinitions(t, sampleDefinitions), "")
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	if registry.DefaultName() != "mainnet" {
		t.Fatalf("expected alphabetical default, got %s", registry.DefaultName())
	}
}

func TestNewRegistryRejectsUnknownDefault(t *testing.T) {
	if _, err := NewRegistry(writeDefinitions(t, sampleDefinitions), "devnet"); err == nil {
		t.Fatalf("expected error for unknown default chain")
	}
}

func TestNewRegistryRejectsIncompleteDefinition(t *testing.T) {
	broken := `
chains:
  testnet:
    rpc_url: https://rpc.testnet.example.org
`
	if _, err := NewRegistry(writeDefinitions(t, broken), ""); err == nil {
		t.Fatalf("expected error for missing chain_id")
	}
}
