// Package api exposes the HTTP trigger, run status, audit history and
// Prometheus endpoints of the accumulator daemon.
package api
