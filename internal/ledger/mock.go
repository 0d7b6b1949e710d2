package ledger

import (
	"context"
	"math/big"
	"sync"
)

// MockClient implements Client with a scripted tip and log stream. Used by
// the poller tests and by -dev mode, where it synthesises a purchase every
// few ticks.
type MockClient struct {
	mu       sync.Mutex
	tip      uint64
	tipErr   error
	logs     map[uint64][]RawLog
	logsErr  error
	fetches  []FetchRange
	decodeOK bool
}

// FetchRange records one range requested through Logs.
type FetchRange struct {
	From, To uint64
}

// NewMockClient creates a MockClient at tip 0 whose Decode accepts every log.
func NewMockClient() *MockClient {
	return &MockClient{
		logs:     make(map[uint64][]RawLog),
		decodeOK: true,
	}
}

// SetTip moves the ledger tip.
func (c *MockClient) SetTip(tip uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tip = tip
}

// SetTipError makes CurrentPosition fail until cleared with nil.
func (c *MockClient) SetTipError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tipErr = err
}

// AddLog places a raw log at the given position.
func (c *MockClient) AddLog(position uint64, raw RawLog) {
	c.mu.Lock()
	defer c.mu.Unlock()
	raw.Position = position
	c.logs[position] = append(c.logs[position], raw)
}

// SetLogsError makes Logs fail until cleared with nil.
func (c *MockClient) SetLogsError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logsErr = err
}

// SetDecodeOK controls whether Decode accepts logs.
func (c *MockClient) SetDecodeOK(ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.decodeOK = ok
}

// CurrentPosition returns the scripted tip.
func (c *MockClient) CurrentPosition(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tipErr != nil {
		return 0, c.tipErr
	}
	return c.tip, nil
}

// Logs returns the scripted logs in [from, to], in position order, and
// records the requested range.
func (c *MockClient) Logs(ctx context.Context, from, to uint64) ([]RawLog, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.fetches = append(c.fetches, FetchRange{From: from, To: to})
	if c.logsErr != nil {
		return nil, c.logsErr
	}

	var out []RawLog
	for pos := from; pos <= to; pos++ {
		out = append(out, c.logs[pos]...)
	}
	return out, nil
}

// Decode turns any log into a minimal Event while decoding is enabled.
func (c *MockClient) Decode(raw RawLog) (*Event, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.decodeOK {
		return nil, false
	}

	ev := &Event{SubjectID: "1", Actor: "0xmock", Amount: big.NewInt(1)}
	if len(raw.Topics) > 1 {
		ev.SubjectID = raw.Topics[1]
	}
	return ev, true
}

// Fetches returns every range requested through Logs.
func (c *MockClient) Fetches() []FetchRange {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]FetchRange, len(c.fetches))
	copy(out, c.fetches)
	return out
}

// FetchCount returns the number of Logs calls.
func (c *MockClient) FetchCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.fetches)
}
