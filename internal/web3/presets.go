package web3

import (
	_ "embed"
	"fmt"
)

//go:embed presets.yaml
var presetsYAML []byte

// DefaultChainDefinitions returns the built-in chain presets.
func DefaultChainDefinitions() ChainDefinitions {
	defs, err := ParseChainDefinitions(presetsYAML)
	if err != nil {
		panic(fmt.Sprintf("invalid embedded chain presets: %v", err))
	}
	return defs
}
