// Package scheduler runs the accumulation pipeline on demand and on a cron
// schedule, never more than one run at a time.
package scheduler
