// Package web3 houses blockchain connectivity utilities: the chain-facing
// interfaces consumed by the transaction engine, the unsigned operation type
// produced by contract encoders, and YAML chain presets describing RPC
// endpoints and protocol contract addresses for supported EVM networks.
package web3
