package chain

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Definitions models the structure of configs/chains.yaml.
type Definitions struct {
	Chains map[string]Definition `yaml:"chains"`
}

// Definition describes one chain a session can be established against.
type Definition struct {
	ChainID       string `yaml:"chain_id"`
	RPCURL        string `yaml:"rpc_url"`
	RESTURL       string `yaml:"rest_url"`
	GasPrice      string `yaml:"gas_price"`
	AddressPrefix string `yaml:"address_prefix"`
	IndexerURL    string `yaml:"indexer_url"`
	Description   string `yaml:"description"`
}

// LoadDefinitions parses the YAML file containing chain metadata.
func LoadDefinitions(path string) (Definitions, error) {
	if strings.TrimSpace(path) == "" {
		return Definitions{Chains: map[string]Definition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return Definitions{}, fmt.Errorf("读取链配置失败: %w", err)
	}

	var defs Definitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return Definitions{}, fmt.Errorf("解析链配置失败: %w", err)
	}
	if defs.Chains == nil {
		defs.Chains = map[string]Definition{}
	}
	return defs, nil
}

// Registry resolves chain definitions by their human readable names.
type Registry struct {
	defaultChain string
	chains       map[string]Definition
}

// NewRegistry loads the definitions file and validates the default selection.
func NewRegistry(path, defaultChain string) (*Registry, error) {
	defs, err := LoadDefinitions(path)
	if err != nil {
		return nil, err
	}
	if len(defs.Chains) == 0 {
		return nil, errors.New("未配置任何链定义")
	}

	for name, def := range defs.Chains {
		if strings.TrimSpace(def.ChainID) == "" {
			return nil, fmt.Errorf("链 %s 缺少 chain_id", name)
		}
		if strings.TrimSpace(def.RPCURL) == "" {
			return nil, fmt.Errorf("链 %s 缺少 rpc_url", name)
		}
	}

	if defaultChain == "" {
		names := make([]string, 0, len(defs.Chains))
		for name := range defs.Chains {
			names = append(names, name)
		}
		sort.Strings(names)
		defaultChain = names[0]
	}
	if _, ok := defs.Chains[defaultChain]; !ok {
		return nil, fmt.Errorf("默认链 %s 未在配置中找到", defaultChain)
	}

	return &Registry{defaultChain: defaultChain, chains: defs.Chains}, nil
}

// Default returns the definition configured as the default chain.
func (r *Registry) Default() Definition {
	return r.chains[r.defaultChain]
}

// DefaultName returns the name of the default chain.
func (r *Registry) DefaultName() string {
	return r.defaultChain
}

// Lookup returns the definition identified by name.
func (r *Registry) Lookup(name string) (Definition, bool) {
	if r == nil {
		return Definition{}, false
	}
	def, ok := r.chains[name]
	return def, ok
}

// Names lists all configured chains in stable order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.chains))
	for name := range r.chains {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
