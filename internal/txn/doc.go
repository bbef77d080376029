// Package txn turns encoded contract calls into confirmed transactions.
//
// A call flows through three pieces in order: the Signer reads the latest
// nonce and the live gas price, asks the CostGuard whether that price is
// acceptable and signs a legacy EIP-155 transaction with a fixed gas limit;
// the Broadcaster submits the signed transaction exactly once and polls for
// its receipt until one appears or the context is cancelled.
package txn
