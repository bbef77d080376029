package web3

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ChainDefinitions models the structure of configs/chains.yaml.
type ChainDefinitions struct {
	Chains map[string]ChainDefinition `yaml:"chains"`
}

// ChainDefinition describes a single chain endpoint and the protocol
// deployments available on it.
type ChainDefinition struct {
	RPCURL      string            `yaml:"rpc_url"`
	ChainID     int64             `yaml:"chain_id"`
	GasStation  string            `yaml:"gas_station"`
	Description string            `yaml:"description"`
	Contracts   ContractAddresses `yaml:"contracts"`
}

// ContractAddresses lists the protocol contracts the accumulator talks to.
type ContractAddresses struct {
	Incentives   string `yaml:"incentives"`
	DataProvider string `yaml:"data_provider"`
	LendingPool  string `yaml:"lending_pool"`
	Router       string `yaml:"router"`
}

// LoadChainDefinitions parses the YAML file containing chain metadata.
func LoadChainDefinitions(path string) (ChainDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return ChainDefinitions{Chains: map[string]ChainDefinition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return ChainDefinitions{}, fmt.Errorf("读取链配置失败: %w", err)
	}
	return ParseChainDefinitions(content)
}

// ParseChainDefinitions decodes chain metadata from YAML bytes.
func ParseChainDefinitions(content []byte) (ChainDefinitions, error) {
	var defs ChainDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return ChainDefinitions{}, fmt.Errorf("解析链配置失败: %w", err)
	}
	if defs.Chains == nil {
		defs.Chains = map[string]ChainDefinition{}
	}
	return defs, nil
}

// Lookup returns the definition registered under name, case-insensitively.
func (d ChainDefinitions) Lookup(name string) (ChainDefinition, bool) {
	name = strings.TrimSpace(name)
	if def, ok := d.Chains[name]; ok {
		return def, true
	}
	for key, def := range d.Chains {
		if strings.EqualFold(key, name) {
			return def, true
		}
	}
	return ChainDefinition{}, false
}
