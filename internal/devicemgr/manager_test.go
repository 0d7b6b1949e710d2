package devicemgr

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/recircle-data/sortbridge/internal/timeutil"
)

var errNoDevice = errors.New("no such device")

// waitFor polls cond until it holds or the test times out. The manager does
// its work on background goroutines, so state transitions are asynchronous.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestManager(t *testing.T, cfg Config) (*Manager, *MockFactory, *timeutil.MockClock) {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = "/dev/ttyUSB0"
	}
	if cfg.InitialBackoff == 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	factory := NewMockFactory()
	clock := timeutil.NewMockClock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	m := New(cfg, factory, clock)
	t.Cleanup(func() { m.Close() })
	return m, factory, clock
}

func TestConnectOpensTransport(t *testing.T) {
	m, factory, _ := newTestManager(t, Config{})

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if got := m.State(); got != StateConnected {
		t.Errorf("state = %v, want connected", got)
	}
	if factory.OpenCalls() != 1 {
		t.Errorf("open calls = %d, want 1", factory.OpenCalls())
	}
}

func TestConnectIdempotentWhileConnected(t *testing.T) {
	m, factory, _ := newTestManager(t, Config{})

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	// a second Connect must not touch the transport
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect failed: %v", err)
	}
	if factory.OpenCalls() != 1 {
		t.Errorf("open calls = %d, want 1", factory.OpenCalls())
	}
	if factory.Port(0).Closed() {
		t.Error("transport was closed by an idempotent Connect")
	}
}

func TestConnectFailureStartsRetrying(t *testing.T) {
	m, factory, clock := newTestManager(t, Config{})
	factory.FailNext(errNoDevice)

	err := m.Connect(context.Background())
	if !errors.Is(err, errNoDevice) {
		t.Fatalf("Connect error = %v, want %v", err, errNoDevice)
	}

	// the failure must leave the reconnection machine running
	clock.BlockUntilTimers(1)
	clock.Advance(time.Second)
	waitFor(t, "reconnect", func() bool { return m.State() == StateConnected })
	if factory.OpenCalls() != 2 {
		t.Errorf("open calls = %d, want 2", factory.OpenCalls())
	}
}

func TestSendCommandWhileConnected(t *testing.T) {
	m, factory, _ := newTestManager(t, Config{})

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := m.SendCommand(context.Background(), "OPEN"); err != nil {
		t.Fatalf("SendCommand failed: %v", err)
	}
	if got := factory.Port(0).WrittenData(); got != "OPEN" {
		t.Errorf("written = %q, want %q", got, "OPEN")
	}
}

func TestSendCommandAppendsNewline(t *testing.T) {
	m, factory, _ := newTestManager(t, Config{AppendNewline: true})

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := m.SendCommand(context.Background(), "OPEN"); err != nil {
		t.Fatalf("SendCommand failed: %v", err)
	}
	if err := m.SendCommand(context.Background(), "CLOSE\n"); err != nil {
		t.Fatalf("SendCommand failed: %v", err)
	}
	if got := factory.Port(0).WrittenData(); got != "OPEN\nCLOSE\n" {
		t.Errorf("written = %q, want %q", got, "OPEN\nCLOSE\n")
	}
}

// Commands issued while disconnected must be written exactly once, in
// submission order, once the transport comes back.
func TestQueuedCommandsDrainInOrder(t *testing.T) {
	m, factory, clock := newTestManager(t, Config{})
	factory.FailNext(errNoDevice)

	results := make([]chan error, 3)
	for i, cmd := range []string{"1", "2", "3"} {
		results[i] = make(chan error, 1)
		go func(cmd string, ch chan error) {
			ch <- m.SendCommand(context.Background(), cmd)
		}(cmd, results[i])
		want := i + 1
		waitFor(t, "command queued", func() bool { return m.QueueLen() == want })
	}

	clock.BlockUntilTimers(1)
	clock.Advance(time.Second)

	for i, ch := range results {
		select {
		case err := <-ch:
			if err != nil {
				t.Fatalf("command %d failed: %v", i, err)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("command %d never resolved", i)
		}
	}

	if got := factory.Port(0).WrittenData(); got != "123" {
		t.Errorf("written = %q, want %q (FIFO order)", got, "123")
	}
	if got := factory.Port(0).WriteCalls(); got != 3 {
		t.Errorf("write calls = %d, want 3", got)
	}
}

// A single command queued while disconnected resolves only after the write
// completes, and the write happens exactly once.
func TestQueuedCommandWrittenOnceAfterReconnect(t *testing.T) {
	m, factory, clock := newTestManager(t, Config{})
	factory.FailNext(errNoDevice)

	done := make(chan error, 1)
	go func() {
		done <- m.SendCommand(context.Background(), "4")
	}()
	waitFor(t, "command queued", func() bool { return m.QueueLen() == 1 })

	select {
	case err := <-done:
		t.Fatalf("command resolved before reconnection: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	clock.BlockUntilTimers(1)
	clock.Advance(time.Second)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("command failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("command never resolved")
	}

	if got := factory.Port(0).WrittenData(); got != "4" {
		t.Errorf("written = %q, want %q", got, "4")
	}
	if got := factory.Port(0).WriteCalls(); got != 1 {
		t.Errorf("write calls = %d, want exactly 1", got)
	}
}

// Reconnection delay after N consecutive failed opens is
// min(initial * 2^N, max), and resets after a successful open.
func TestBackoffSchedule(t *testing.T) {
	m, factory, clock := newTestManager(t, Config{
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
	})
	factory.FailNext(errNoDevice, errNoDevice, errNoDevice)

	done := make(chan error, 1)
	go func() {
		done <- m.SendCommand(context.Background(), "4")
	}()

	clock.BlockUntilTimers(1)
	clock.Advance(time.Second)
	clock.BlockUntilTimers(2)
	clock.Advance(2 * time.Second)
	clock.BlockUntilTimers(3)
	clock.Advance(4 * time.Second)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("command failed after reconnect: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("command never resolved")
	}

	scheduled := clock.Scheduled()
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	if len(scheduled) != len(want) {
		t.Fatalf("scheduled delays = %v, want %v", scheduled, want)
	}
	for i := range want {
		if scheduled[i] != want[i] {
			t.Errorf("delay %d = %v, want %v", i, scheduled[i], want[i])
		}
	}
	if factory.OpenCalls() != 4 {
		t.Errorf("open calls = %d, want 4", factory.OpenCalls())
	}
}

// Losing an established connection starts a fresh episode: the first retry
// delay is back at the initial value, not a continuation of earlier failures.
func TestBackoffResetsAfterSuccessfulOpen(t *testing.T) {
	m, factory, clock := newTestManager(t, Config{
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
	})
	factory.FailNext(errNoDevice, errNoDevice)

	done := make(chan error, 1)
	go func() {
		done <- m.SendCommand(context.Background(), "1")
	}()

	clock.BlockUntilTimers(1)
	clock.Advance(time.Second)
	clock.BlockUntilTimers(2)
	clock.Advance(2 * time.Second)
	<-done
	waitFor(t, "connected", func() bool { return m.State() == StateConnected })

	// kill the connection and fail the next open; the scheduled delay must
	// be the initial one again
	factory.FailNext(errNoDevice)
	factory.Port(0).Close()

	clock.BlockUntilTimers(3)
	scheduled := clock.Scheduled()
	if got := scheduled[len(scheduled)-1]; got != time.Second {
		t.Errorf("post-reconnect delay = %v, want %v", got, time.Second)
	}
}

func TestBackoffDelayCapped(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{20, 30 * time.Second},
		{100, 30 * time.Second},
	}
	for _, tc := range cases {
		if got := backoffDelay(time.Second, 30*time.Second, tc.attempt); got != tc.want {
			t.Errorf("backoffDelay(attempt=%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

// A write failure resolves only the failing command; the connection is
// demoted and comes back for subsequent commands.
func TestWriteFailureDemotesConnection(t *testing.T) {
	m, factory, _ := newTestManager(t, Config{})

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	wErr := errors.New("input/output error")
	factory.Port(0).SetWriteError(wErr)

	err := m.SendCommand(context.Background(), "2")
	if !errors.Is(err, wErr) {
		t.Fatalf("SendCommand error = %v, want %v", err, wErr)
	}
	if !factory.Port(0).Closed() {
		t.Error("failed transport was not closed")
	}

	// the reconnection machine replaces the transport on its own
	waitFor(t, "reconnect", func() bool { return m.State() == StateConnected && factory.OpenCalls() == 2 })

	if err := m.SendCommand(context.Background(), "3"); err != nil {
		t.Fatalf("SendCommand after reconnect failed: %v", err)
	}
	if got := factory.Port(1).WrittenData(); got != "3" {
		t.Errorf("written to new transport = %q, want %q", got, "3")
	}
}

func TestShortWriteFails(t *testing.T) {
	m, factory, _ := newTestManager(t, Config{})

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	factory.Port(0).ShortWriteNext()

	err := m.SendCommand(context.Background(), "OPEN")
	if !errors.Is(err, ErrWriteFailed) {
		t.Fatalf("SendCommand error = %v, want %v", err, ErrWriteFailed)
	}
}

// A dead read loop (device stopped talking, port error) must trigger
// reconnection just like an explicit close.
func TestReadErrorTriggersReconnect(t *testing.T) {
	m, factory, _ := newTestManager(t, Config{})

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	factory.Port(0).Close()
	waitFor(t, "reconnect", func() bool { return m.State() == StateConnected && factory.OpenCalls() == 2 })
}

func TestOnLineCallback(t *testing.T) {
	var mu sync.Mutex
	var lines []string

	m, factory, _ := newTestManager(t, Config{
		OnLine: func(line string) {
			mu.Lock()
			lines = append(lines, line)
			mu.Unlock()
		},
	})

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	factory.Port(0).AddReadData([]byte("ACK OPEN\nACK CLOSE\n"))

	waitFor(t, "lines delivered", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(lines) == 2
	})

	mu.Lock()
	defer mu.Unlock()
	if lines[0] != "ACK OPEN" || lines[1] != "ACK CLOSE" {
		t.Errorf("lines = %v, want [ACK OPEN, ACK CLOSE]", lines)
	}
}

// Close purges the queue with ErrShuttingDown, resolves each pending command
// exactly once, and is idempotent.
func TestClosePurgesQueue(t *testing.T) {
	m, factory, _ := newTestManager(t, Config{})
	factory.FailNext(errNoDevice)

	first := make(chan error, 1)
	second := make(chan error, 1)
	go func() { first <- m.SendCommand(context.Background(), "1") }()
	waitFor(t, "first queued", func() bool { return m.QueueLen() == 1 })
	go func() { second <- m.SendCommand(context.Background(), "2") }()
	waitFor(t, "second queued", func() bool { return m.QueueLen() == 2 })

	if err := m.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	for name, ch := range map[string]chan error{"first": first, "second": second} {
		select {
		case err := <-ch:
			if !errors.Is(err, ErrShuttingDown) {
				t.Errorf("%s command error = %v, want %v", name, err, ErrShuttingDown)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("%s command never resolved", name)
		}
	}

	// second Close produces no additional resolutions or errors
	if err := m.Close(); err != nil {
		t.Errorf("second Close = %v, want nil", err)
	}

	if err := m.SendCommand(context.Background(), "3"); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("SendCommand after Close = %v, want %v", err, ErrShuttingDown)
	}
	if err := m.Connect(context.Background()); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("Connect after Close = %v, want %v", err, ErrShuttingDown)
	}
}

func TestCloseClosesTransport(t *testing.T) {
	m, factory, _ := newTestManager(t, Config{})

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !factory.Port(0).Closed() {
		t.Error("transport left open after Close")
	}
}

// With a bounded attempt cap, exhaustion purges the queue with the open
// error instead of retrying forever.
func TestBoundedRetryExhaustion(t *testing.T) {
	m, factory, clock := newTestManager(t, Config{MaxAttempts: 2})
	factory.FailNext(errNoDevice, errNoDevice)

	done := make(chan error, 1)
	go func() { done <- m.SendCommand(context.Background(), "1") }()
	waitFor(t, "command queued", func() bool { return m.QueueLen() == 1 })

	clock.BlockUntilTimers(1)
	clock.Advance(time.Second)

	select {
	case err := <-done:
		if !errors.Is(err, errNoDevice) {
			t.Fatalf("command error = %v, want %v", err, errNoDevice)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("command never resolved after retry exhaustion")
	}

	if got := m.State(); got != StateDisconnected {
		t.Errorf("state = %v, want disconnected", got)
	}
	if factory.OpenCalls() != 2 {
		t.Errorf("open calls = %d, want 2", factory.OpenCalls())
	}
}

// The presence check starts an episode when the device file appears while
// disconnected, and forces a disconnect when it vanishes while connected.
func TestPresenceCheck(t *testing.T) {
	m, factory, clock := newTestManager(t, Config{
		MaxAttempts:      1,
		PresenceInterval: 5 * time.Second,
	})
	factory.SetPresent(false)
	factory.FailNext(errNoDevice)

	// exhaust the single attempt so the manager sits disconnected with no
	// episode running
	err := m.Connect(context.Background())
	if !errors.Is(err, errNoDevice) {
		t.Fatalf("Connect error = %v, want %v", err, errNoDevice)
	}
	waitFor(t, "episode over", func() bool { return m.State() == StateDisconnected })

	// ticks while absent must not reconnect
	clock.Advance(5 * time.Second)
	time.Sleep(20 * time.Millisecond)
	if factory.OpenCalls() != 1 {
		t.Fatalf("open calls = %d after absent tick, want 1", factory.OpenCalls())
	}

	// device replugged
	factory.SetPresent(true)
	clock.Advance(5 * time.Second)
	waitFor(t, "reconnect on presence", func() bool { return m.State() == StateConnected })

	// device yanked without any I/O error: next tick forces the disconnect
	factory.SetPresent(false)
	port := factory.LastPort()
	clock.Advance(5 * time.Second)
	waitFor(t, "forced close", func() bool { return port.Closed() })
}

func TestTrySendCommand(t *testing.T) {
	m, factory, _ := newTestManager(t, Config{})

	if err := m.TrySendCommand("1"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("TrySendCommand while disconnected = %v, want %v", err, ErrNotConnected)
	}

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := m.TrySendCommand("1"); err != nil {
		t.Errorf("TrySendCommand while connected = %v, want nil", err)
	}
	if got := factory.Port(0).WrittenData(); got != "1" {
		t.Errorf("written = %q, want %q", got, "1")
	}
}

func TestSendCommandContextCancelled(t *testing.T) {
	m, factory, _ := newTestManager(t, Config{})
	factory.FailNext(errNoDevice)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.SendCommand(ctx, "1") }()
	waitFor(t, "command queued", func() bool { return m.QueueLen() == 1 })

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("SendCommand = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("SendCommand did not observe cancellation")
	}
}
