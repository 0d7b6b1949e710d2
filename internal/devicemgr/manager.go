// Package devicemgr owns the single serial connection to the sorting machine.
//
// The manager keeps one transport alive indefinitely across unplug/replug
// cycles, serializes every command written to it, queues commands issued
// while disconnected, and replays them in submission order once the device
// comes back. It is the only component allowed to touch the transport.
package devicemgr

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/recircle-data/sortbridge/internal/monitoring"
	"github.com/recircle-data/sortbridge/internal/timeutil"
)

var (
	// ErrShuttingDown resolves queued commands purged by Close.
	ErrShuttingDown = errors.New("device manager shutting down")

	// ErrNotConnected is returned by TrySendCommand when no transport is open.
	ErrNotConnected = errors.New("device not connected")

	// ErrWriteFailed indicates a short write to the device.
	ErrWriteFailed = errors.New("short write to device")
)

// State is the connection state of the manager.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config carries the per-instance settings for a Manager. There is no
// process-wide state; every Manager is independently constructed and testable.
type Config struct {
	// Path is the device path, e.g. /dev/ttyUSB0.
	Path string

	// Options are the serial parameters used when opening the port.
	Options PortOptions

	// AppendNewline terminates command payloads with "\n" when the firmware
	// expects line-oriented input. Some firmware revisions read single raw
	// bytes instead, so this is configurable.
	AppendNewline bool

	// InitialBackoff is the delay before the first reconnect retry.
	// Defaults to 1s.
	InitialBackoff time.Duration

	// MaxBackoff caps the exponential reconnect delay. Defaults to 30s.
	MaxBackoff time.Duration

	// MaxAttempts bounds a reconnection episode. 0 retries forever.
	MaxAttempts int

	// PresenceInterval is how often to poll for the device file appearing or
	// vanishing. 0 disables the presence check.
	PresenceInterval time.Duration

	// OnLine, when set, receives every line the device prints.
	OnLine func(line string)
}

func (c Config) withDefaults() Config {
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	return c
}

// pendingCommand is a command issued while disconnected. Exactly one value is
// ever sent on done: the write error once executed, or ErrShuttingDown if the
// queue is purged.
type pendingCommand struct {
	command string
	done    chan error
}

// Manager owns the transport lifecycle, the reconnect state machine and the
// FIFO command queue.
type Manager struct {
	cfg     Config
	factory Factory
	clock   timeutil.Clock

	// writeMu serializes transport writes, including the queue drain after a
	// reconnect. Always acquired before mu when both are held.
	writeMu sync.Mutex

	mu      sync.Mutex
	state   State
	port    Transport
	queue   []*pendingCommand
	attempt int
	episode bool
	waiters []chan error
	closed  bool

	stop     chan struct{}
	presence timeutil.Ticker
	wg       sync.WaitGroup
}

// New creates a Manager for the device at cfg.Path. A nil clock uses the
// real one. The manager does not open the transport until Connect is called
// or a command is queued.
func New(cfg Config, factory Factory, clock timeutil.Clock) *Manager {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	m := &Manager{
		cfg:     cfg.withDefaults(),
		factory: factory,
		clock:   clock,
		stop:    make(chan struct{}),
	}

	if m.cfg.PresenceInterval > 0 {
		m.presence = clock.NewTicker(m.cfg.PresenceInterval)
		m.wg.Add(1)
		go m.presenceLoop(m.presence)
	}

	return m
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// QueueLen returns the number of commands waiting for reconnection.
func (m *Manager) QueueLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Connect brings the transport up. It is idempotent: while Connected it
// returns immediately without touching the transport. Otherwise it resets
// the backoff episode and resolves with the outcome of the next open
// attempt; a failure leaves the reconnection machine running.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrShuttingDown
	}
	if m.state == StateConnected {
		m.mu.Unlock()
		return nil
	}
	m.attempt = 0
	w := make(chan error, 1)
	m.waiters = append(m.waiters, w)
	m.ensureEpisodeLocked()
	m.mu.Unlock()

	select {
	case err := <-w:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-m.stop:
		return ErrShuttingDown
	}
}

// SendCommand writes the command to the device. While Connected the write
// happens immediately. Otherwise the command joins the FIFO queue, a
// reconnection episode is started if none is running, and the call blocks
// until the command is eventually executed, the queue is purged, or ctx is
// done. A ctx cancellation abandons the wait but does not dequeue the
// command; it may still execute after reconnection.
func (m *Manager) SendCommand(ctx context.Context, command string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrShuttingDown
	}
	if m.state == StateConnected && m.port != nil {
		port := m.port
		m.mu.Unlock()

		m.writeMu.Lock()
		defer m.writeMu.Unlock()
		return m.write(port, command)
	}

	p := &pendingCommand{command: command, done: make(chan error, 1)}
	m.queue = append(m.queue, p)
	monitoring.Debugf("queued command %q (%d pending)", command, len(m.queue))
	m.ensureEpisodeLocked()
	m.mu.Unlock()

	select {
	case err := <-p.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySendCommand writes the command only if a transport is currently open.
// It never queues; callers that cannot wait (debug endpoints) use this.
func (m *Manager) TrySendCommand(command string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrShuttingDown
	}
	if m.state != StateConnected || m.port == nil {
		m.mu.Unlock()
		return ErrNotConnected
	}
	port := m.port
	m.mu.Unlock()

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return m.write(port, command)
}

// Close shuts the manager down: stops the presence ticker and any pending
// retry, purges the queue (every pending command resolves with
// ErrShuttingDown), fails outstanding Connect calls, and closes the
// transport. Safe to call more than once.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.stop)
	if m.presence != nil {
		m.presence.Stop()
	}
	m.purgeQueueLocked(ErrShuttingDown)
	m.notifyWaitersLocked(ErrShuttingDown)
	port := m.port
	m.port = nil
	m.state = StateDisconnected
	m.mu.Unlock()

	var err error
	if port != nil {
		err = port.Close()
	}
	m.wg.Wait()
	return err
}

// write performs the raw transport write. Callers must hold writeMu. A
// failure demotes the connection for subsequent commands but is returned,
// not retried, for this one.
func (m *Manager) write(port Transport, command string) error {
	payload := command
	if m.cfg.AppendNewline && !strings.HasSuffix(payload, "\n") {
		payload += "\n"
	}

	n, err := port.Write([]byte(payload))
	if err != nil {
		m.transportLost(port, err)
		return fmt.Errorf("write %q: %w", command, err)
	}
	if n != len(payload) {
		m.transportLost(port, ErrWriteFailed)
		return fmt.Errorf("write %q: %w", command, ErrWriteFailed)
	}

	monitoring.Debugf("wrote command %q", command)
	return nil
}

// ensureEpisodeLocked starts a reconnection episode unless one is already
// running. Callers must hold mu.
func (m *Manager) ensureEpisodeLocked() {
	if m.episode || m.closed {
		return
	}
	m.episode = true
	m.state = StateConnecting
	m.wg.Add(1)
	go m.runEpisode()
}

// runEpisode attempts to open the transport, retrying with exponential
// backoff until it succeeds, the attempt cap is reached, or the manager
// shuts down. Only one episode runs at a time, so at most one retry timer
// is ever outstanding.
func (m *Manager) runEpisode() {
	defer m.wg.Done()

	for {
		m.mu.Lock()
		if m.closed {
			m.episode = false
			m.mu.Unlock()
			return
		}
		attempt := m.attempt
		m.mu.Unlock()

		port, err := m.factory.Open(m.cfg.Path, &m.cfg.Options)
		if err == nil {
			m.becomeConnected(port)
			return
		}

		openErr := fmt.Errorf("open %s: %w", m.cfg.Path, err)
		monitoring.Logf("device open failed (attempt %d): %v", attempt+1, err)

		m.mu.Lock()
		m.notifyWaitersLocked(openErr)
		m.attempt++
		if m.cfg.MaxAttempts > 0 && m.attempt >= m.cfg.MaxAttempts {
			monitoring.Logf("device unreachable after %d attempts, purging %d queued commands", m.attempt, len(m.queue))
			m.purgeQueueLocked(openErr)
			m.episode = false
			m.state = StateDisconnected
			m.attempt = 0
			m.mu.Unlock()
			return
		}
		delay := backoffDelay(m.cfg.InitialBackoff, m.cfg.MaxBackoff, attempt)
		m.mu.Unlock()

		timer := m.clock.NewTimer(delay)
		select {
		case <-timer.C():
		case <-m.stop:
			timer.Stop()
			m.mu.Lock()
			m.episode = false
			m.mu.Unlock()
			return
		}
	}
}

// becomeConnected installs the freshly opened transport and drains the
// queue in submission order. writeMu is held for the whole drain so
// commands sent concurrently cannot interleave with the backlog.
func (m *Manager) becomeConnected(port Transport) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.episode = false
		m.mu.Unlock()
		port.Close()
		return
	}

	m.port = port
	m.state = StateConnected
	m.attempt = 0
	m.episode = false
	m.notifyWaitersLocked(nil)
	monitoring.Logf("device connected at %s, draining %d queued commands", m.cfg.Path, len(m.queue))

	m.wg.Add(1)
	go m.readLoop(port)

	for len(m.queue) > 0 {
		p := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()

		err := m.write(port, p.command)
		p.done <- err

		m.mu.Lock()
		if err != nil {
			// transport already demoted; the rest of the backlog stays
			// queued for the next episode
			break
		}
	}
	m.mu.Unlock()
}

// readLoop consumes lines from the device until the transport dies. The
// scanner terminating is the close/error notification that triggers
// reconnection.
func (m *Manager) readLoop(port Transport) {
	defer m.wg.Done()

	scan := bufio.NewScanner(port)
	for scan.Scan() {
		line := scan.Text()
		monitoring.Debugf("device: %s", line)
		if m.cfg.OnLine != nil {
			m.cfg.OnLine(line)
		}
	}
	m.transportLost(port, scan.Err())
}

// transportLost detaches and closes the given transport if it is still the
// live one, then starts a fresh reconnection episode. Losing an established
// connection resets the attempt counter: these are new-failure retries, not
// a continuation of first-time connect retries.
func (m *Manager) transportLost(port Transport, cause error) {
	m.mu.Lock()
	if m.closed || m.port != port {
		m.mu.Unlock()
		return
	}
	m.port = nil
	port.Close()
	m.state = StateDisconnected
	m.attempt = 0
	if cause != nil {
		monitoring.Logf("device connection lost: %v", cause)
	} else {
		monitoring.Logf("device connection closed")
	}
	m.ensureEpisodeLocked()
	m.mu.Unlock()
}

func (m *Manager) presenceLoop(t timeutil.Ticker) {
	defer m.wg.Done()
	for {
		select {
		case <-t.C():
			m.checkPresence()
		case <-m.stop:
			return
		}
	}
}

// checkPresence reconciles the connection state with the physical presence
// of the device file. A device that vanished while Connected is treated the
// same as an explicit close.
func (m *Manager) checkPresence() {
	present := m.factory.Exists(m.cfg.Path)

	m.mu.Lock()
	switch {
	case present && m.state == StateDisconnected && !m.episode && !m.closed:
		monitoring.Logf("device appeared at %s, reconnecting", m.cfg.Path)
		m.ensureEpisodeLocked()
		m.mu.Unlock()
	case !present && m.state == StateConnected:
		port := m.port
		m.mu.Unlock()
		m.transportLost(port, fmt.Errorf("device vanished from %s", m.cfg.Path))
	default:
		m.mu.Unlock()
	}
}

// notifyWaitersLocked resolves every outstanding Connect call with err.
// Callers must hold mu.
func (m *Manager) notifyWaitersLocked(err error) {
	for _, w := range m.waiters {
		w <- err
	}
	m.waiters = nil
}

// purgeQueueLocked resolves every queued command with err and empties the
// queue. Callers must hold mu.
func (m *Manager) purgeQueueLocked(err error) {
	for _, p := range m.queue {
		p.done <- err
	}
	m.queue = nil
}

// backoffDelay returns min(initial << attempt, max).
func backoffDelay(initial, max time.Duration, attempt int) time.Duration {
	if attempt > 30 {
		return max
	}
	d := initial << uint(attempt)
	if d > max || d <= 0 {
		return max
	}
	return d
}
