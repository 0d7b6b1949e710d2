// Package poller watches the ledger for purchase events and forwards a door
// command to the device manager for each one.
//
// Scans are strictly sequential and the cursor only moves forward: every
// ledger position is scanned at most once. A failed range fetch is logged
// and skipped rather than retried, trading completeness for liveness.
package poller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/recircle-data/sortbridge/internal/db"
	"github.com/recircle-data/sortbridge/internal/ledger"
	"github.com/recircle-data/sortbridge/internal/monitoring"
	"github.com/recircle-data/sortbridge/internal/timeutil"
)

// Config carries the poller's settings.
type Config struct {
	// Interval between scans. Defaults to 15s.
	Interval time.Duration

	// Command dispatched to the device for each purchase event.
	// Defaults to "OPEN".
	Command string

	// RetryAttempts bounds the per-event dispatch retry. Defaults to 3.
	RetryAttempts int

	// RetryDelay is the fixed wait between dispatch attempts.
	// Defaults to 2s.
	RetryDelay time.Duration

	// Resume restores the checkpointed cursor at startup instead of
	// starting from the current tip. Requires a store.
	Resume bool
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 15 * time.Second
	}
	if c.Command == "" {
		c.Command = "OPEN"
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 2 * time.Second
	}
	return c
}

// Poller drives the scan loop. One Poller owns one ScanCursor.
type Poller struct {
	ledger ledger.Client
	device Dispatcher
	store  *db.DB // optional; nil disables persistence
	cfg    Config
	clock  timeutil.Clock

	mu      sync.Mutex
	running bool
	cursor  uint64
	stop    chan struct{}
	done    chan struct{}
}

// New creates a Poller. A nil store disables dispatch recording and cursor
// checkpointing; a nil clock uses the real one.
func New(l ledger.Client, d Dispatcher, store *db.DB, cfg Config, clock timeutil.Clock) *Poller {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Poller{
		ledger: l,
		device: d,
		store:  store,
		cfg:    cfg.withDefaults(),
		clock:  clock,
	}
}

// Cursor returns the last scanned ledger position.
func (p *Poller) Cursor() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cursor
}

// Start captures the ledger tip as the initial cursor, runs one immediate
// scan, and then scans on every interval tick until Stop. Calling Start on a
// running poller is a no-op.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = true
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	stop, done := p.stop, p.done
	p.mu.Unlock()

	tip, err := p.ledger.CurrentPosition(ctx)
	if err != nil {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
		return fmt.Errorf("read ledger tip: %w", err)
	}

	cursor := tip
	if p.cfg.Resume && p.store != nil {
		pos, found, err := p.store.Cursor()
		switch {
		case err != nil:
			monitoring.Logf("failed to restore scan cursor, starting at tip %d: %v", tip, err)
		case found:
			cursor = pos
			monitoring.Logf("resuming scan from checkpointed position %d (tip %d)", pos, tip)
		}
	}

	p.mu.Lock()
	p.cursor = cursor
	p.mu.Unlock()
	monitoring.Logf("poller started at position %d, scanning every %v", cursor, p.cfg.Interval)

	go p.run(ctx, stop, done)
	return nil
}

// Stop cancels the scan loop and waits for an in-flight scan to finish.
// Safe to call even if the poller was never started, and more than once.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	stop, done := p.stop, p.done
	p.mu.Unlock()

	close(stop)
	<-done
}

// run is the scan loop. Scans are strictly sequential: a tick that fires
// while a scan is still dispatching is simply the next loop iteration.
func (p *Poller) run(ctx context.Context, stop, done chan struct{}) {
	defer close(done)

	ticker := p.clock.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.scan(ctx)
	for {
		select {
		case <-ticker.C():
			p.scan(ctx)
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// scan fetches the range (cursor, tip] once and dispatches every decoded
// event in ledger order. The cursor advances to tip as soon as the fetch has
// been attempted, regardless of fetch or dispatch outcome.
func (p *Poller) scan(ctx context.Context) {
	tip, err := p.ledger.CurrentPosition(ctx)
	if err != nil {
		monitoring.Logf("scan: failed to read ledger tip: %v", err)
		return
	}

	p.mu.Lock()
	cursor := p.cursor
	p.mu.Unlock()

	if tip <= cursor {
		return
	}

	logs, err := p.ledger.Logs(ctx, cursor+1, tip)
	p.advanceCursor(tip)
	if err != nil {
		// liveness over completeness: this range's events are gone
		monitoring.Logf("scan: fetch (%d, %d] failed, skipping range: %v", cursor, tip, err)
		return
	}

	monitoring.Debugf("scan: (%d, %d] returned %d logs", cursor, tip, len(logs))
	for _, raw := range logs {
		ev, ok := p.ledger.Decode(raw)
		if !ok {
			continue
		}
		p.dispatchEvent(ctx, ev)
	}
}

func (p *Poller) advanceCursor(tip uint64) {
	p.mu.Lock()
	p.cursor = tip
	p.mu.Unlock()

	if p.store != nil {
		if err := p.store.SaveCursor(tip); err != nil {
			monitoring.Logf("failed to checkpoint scan cursor %d: %v", tip, err)
		}
	}
}

// dispatchEvent forwards one purchase event to the device through the retry
// wrapper and records the outcome. A failed dispatch is logged for this
// event only; it never halts the scan.
func (p *Poller) dispatchEvent(ctx context.Context, ev *ledger.Event) {
	err := Dispatch(ctx, p.clock, p.device, p.cfg.Command, p.cfg.RetryAttempts, p.cfg.RetryDelay)
	if err != nil {
		monitoring.Logf("dispatch %q for subject %s (actor %s) failed: %v", p.cfg.Command, ev.SubjectID, ev.Actor, err)
	} else {
		monitoring.Logf("dispatched %q for subject %s (actor %s)", p.cfg.Command, ev.SubjectID, ev.Actor)
	}

	if p.store == nil {
		return
	}
	d := db.Dispatch{
		ID:        uuid.NewString(),
		Source:    "ledger",
		Command:   p.cfg.Command,
		SubjectID: ev.SubjectID,
		Actor:     ev.Actor,
		Success:   err == nil,
	}
	if ev.Amount != nil {
		d.Amount = ev.Amount.String()
	}
	if err != nil {
		d.Error = err.Error()
	}
	if rerr := p.store.RecordDispatch(d); rerr != nil {
		monitoring.Logf("failed to record dispatch: %v", rerr)
	}
}
