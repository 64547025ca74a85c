// Package guard implements a best-effort runtime integrity check: it verifies
// a compiled-in block, takes a baseline checksum of the process code, and then
// watches for code modification or an attached debugger. A violation ends the
// process after notifying the user; it is never returned to callers.
package guard

import (
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
)

// State is the guard's lifecycle position.
type State int32

const (
	Uninitialized State = iota
	StaticBlockVerified
	Armed
	ShuttingDown
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case StaticBlockVerified:
		return "static-block-verified"
	case Armed:
		return "armed"
	case ShuttingDown:
		return "shutting-down"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// ErrUnsupported is returned by a Platform that cannot perform a check. The
// guard then stays in StaticBlockVerified and performs no further checks.
var ErrUnsupported = errors.New("guard: not supported on this platform")

// Platform supplies the OS-specific checks.
type Platform interface {
	// CodeChecksum returns a CRC-32 over the process's executable code.
	CodeChecksum() (uint32, error)
	// DebuggerAttached reports whether any debugging indicator is present.
	DebuggerAttached() (bool, error)
}

// Violation describes why the process is being shut down.
type Violation struct {
	Reason string
}

func (v Violation) Error() string { return "integrity violation: " + v.Reason }

const (
	integrityBlock           = "ShipmentLedgerIntegrityBlock_v1"
	integrityExpected uint32 = 0xBB12CCF0

	DefaultRecheckInterval   = 3 * time.Second
	DefaultDebugPollInterval = 1 * time.Second
)

// Config tunes a Guard. Zero values select the defaults.
type Config struct {
	Platform          Platform
	RecheckInterval   time.Duration
	DebugPollInterval time.Duration
	Notify            func(Violation) // shown to the user before exit
	Exit              func(code int)
	Logger            log.Logger
}

// Guard is one running instance of the integrity state machine.
type Guard struct {
	cfg      Config
	logger   log.Logger
	state    atomic.Int32
	shutdown atomic.Bool
	baseline uint32

	violations chan Violation
	done       chan struct{}
	doneOnce   sync.Once
	dispatched chan struct{}
	wg         sync.WaitGroup
}

var (
	installOnce sync.Once
	installedMu sync.Mutex
	installed   *Guard
)

// Install starts the process-wide guard. Later calls do nothing. It should
// run before any user-facing work begins: when a construction check fails,
// Install does not return until the violation has been handled, which with
// the default Exit means never.
func Install(cfg Config) {
	installOnce.Do(func() {
		g := New(cfg)
		if g.State() == ShuttingDown {
			g.Wait()
		}
		installedMu.Lock()
		installed = g
		installedMu.Unlock()
	})
}

// CurrentState reports the state of the process-wide guard, or Uninitialized
// when Install has not run.
func CurrentState() State {
	installedMu.Lock()
	defer installedMu.Unlock()
	if installed == nil {
		return Uninitialized
	}
	return installed.State()
}

// New runs the construction checks and, when the platform supports it, arms
// the background loops.
func New(cfg Config) *Guard {
	return newGuard(cfg, []byte(integrityBlock))
}

func newGuard(cfg Config, block []byte) *Guard {
	if cfg.Platform == nil {
		cfg.Platform = DefaultPlatform()
	}
	if cfg.RecheckInterval <= 0 {
		cfg.RecheckInterval = DefaultRecheckInterval
	}
	if cfg.DebugPollInterval <= 0 {
		cfg.DebugPollInterval = DefaultDebugPollInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = log.NewNopLogger()
	}
	if cfg.Exit == nil {
		cfg.Exit = os.Exit
	}
	g := &Guard{
		cfg:        cfg,
		logger:     log.With(cfg.Logger, "component", "guard"),
		violations: make(chan Violation, 1),
		done:       make(chan struct{}),
		dispatched: make(chan struct{}),
	}
	if g.cfg.Notify == nil {
		g.cfg.Notify = g.defaultNotify
	}

	go g.dispatch()

	if crc32.ChecksumIEEE(block) != integrityExpected {
		g.requestShutdown("static block checksum mismatch")
		return g
	}
	g.state.Store(int32(StaticBlockVerified))

	sum, err := cfg.Platform.CodeChecksum()
	switch {
	case errors.Is(err, ErrUnsupported):
		level.Info(g.logger).Log("msg", "code checksum unsupported, guard is advisory")
		return g
	case err != nil || sum == 0:
		level.Error(g.logger).Log("msg", "code checksum failed", "err", err)
		g.requestShutdown("cannot initialize application checksum")
		return g
	}
	g.baseline = sum

	// Checked once here so a process started under a debugger never gets
	// past construction.
	if attached, err := cfg.Platform.DebuggerAttached(); err == nil && attached {
		g.requestShutdown("active debugging of the process detected")
		return g
	}
	g.state.Store(int32(Armed))
	level.Debug(g.logger).Log("msg", "armed", "baseline", fmt.Sprintf("%08x", sum))

	g.wg.Add(2)
	go g.recheckLoop()
	go g.debugLoop()
	return g
}

// State returns the current lifecycle state.
func (g *Guard) State() State { return State(g.state.Load()) }

// Baseline returns the code checksum captured when the guard was armed.
func (g *Guard) Baseline() uint32 { return g.baseline }

// Wait blocks until a violation has been notified and Exit has returned, or
// the guard was stopped without one.
func (g *Guard) Wait() { <-g.dispatched }

func (g *Guard) recheckLoop() {
	defer g.wg.Done()
	t := time.NewTicker(g.cfg.RecheckInterval)
	defer t.Stop()
	for {
		select {
		case <-g.done:
			return
		case <-t.C:
		}
		if g.shutdown.Load() {
			return
		}
		cur, err := g.cfg.Platform.CodeChecksum()
		if err != nil || cur == 0 || cur != g.baseline {
			level.Error(g.logger).Log("msg", "code checksum mismatch", "err", err, "current", fmt.Sprintf("%08x", cur))
			g.requestShutdown("code integrity violated")
			return
		}
	}
}

func (g *Guard) debugLoop() {
	defer g.wg.Done()
	for !g.shutdown.Load() {
		attached, err := g.cfg.Platform.DebuggerAttached()
		switch {
		case errors.Is(err, ErrUnsupported):
			return
		case err != nil:
			level.Warn(g.logger).Log("msg", "debugger check failed", "err", err)
		case attached:
			g.requestShutdown("active debugging of the process detected")
			return
		}
		select {
		case <-g.done:
			return
		case <-time.After(g.cfg.DebugPollInterval):
		}
	}
}

// requestShutdown hands the first violation to the dispatcher; later calls
// are ignored.
func (g *Guard) requestShutdown(reason string) {
	if g.shutdown.Swap(true) {
		return
	}
	g.state.Store(int32(ShuttingDown))
	g.violations <- Violation{Reason: reason}
	g.doneOnce.Do(func() { close(g.done) })
}

// dispatch runs notify then exit for the winning violation.
func (g *Guard) dispatch() {
	defer close(g.dispatched)
	var v Violation
	select {
	case v = <-g.violations:
	case <-g.done:
		select {
		case v = <-g.violations:
		default:
			return
		}
	}
	level.Error(g.logger).Log("msg", "shutting down", "reason", v.Reason)
	g.cfg.Notify(v)
	g.cfg.Exit(1)
}

// halt stops the loops without a violation.
func (g *Guard) halt() {
	g.shutdown.Store(true)
	g.doneOnce.Do(func() { close(g.done) })
	g.wg.Wait()
}

func (g *Guard) defaultNotify(v Violation) {
	fmt.Fprintf(os.Stderr, "Application protection: %s\n", v.Reason)
}
