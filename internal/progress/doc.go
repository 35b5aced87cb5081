// Package progress derives queue-wide download statistics and measures byte
// progress of individual transfers.
//
// The Aggregator turns registry snapshots into (count, average) pairs and
// publishes a progress-changed event only when the pair changes, so observers
// are not flooded with one notification per received chunk.
//
// The Reader wraps an io.Reader and reports cumulative bytes read at a
// configurable byte interval.
package progress
