// Package ledger reads purchase events from an external ledger over JSON-RPC.
//
// The ledger is a collaborator, not something this service verifies: we read
// the current tip, fetch logs for a block range, and decode the ones that
// match the configured purchase event. Nothing here is persisted.
package ledger

import (
	"context"
	"math/big"
)

// RawLog is one undecoded log entry returned by a range fetch.
type RawLog struct {
	Position uint64   `json:"-"`
	TxHash   string   `json:"transactionHash"`
	Topics   []string `json:"topics"`
	Data     string   `json:"data"`
}

// Event is a decoded purchase record. It exists only for the duration of one
// trigger dispatch.
type Event struct {
	// SubjectID identifies what was purchased (the token/slot id).
	SubjectID string

	// Actor is the address that made the purchase.
	Actor string

	// Amount is the purchase amount in the ledger's smallest unit.
	Amount *big.Int
}

// Client is the read-only view of the ledger the poller needs.
type Client interface {
	// CurrentPosition returns the ledger's current tip.
	CurrentPosition(ctx context.Context) (uint64, error)

	// Logs fetches the raw logs in the inclusive range [from, to] whose
	// first topic matches the configured event signature.
	Logs(ctx context.Context, from, to uint64) ([]RawLog, error)

	// Decode extracts an Event from a raw log. It returns false for logs
	// that do not carry a well-formed purchase event.
	Decode(raw RawLog) (*Event, bool)
}
