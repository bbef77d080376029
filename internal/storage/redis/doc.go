// Package redis provides the distributed run lock used when several
// accumulator processes share one wallet.
package redis
