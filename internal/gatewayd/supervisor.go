package gatewayd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/nerrad567/gray-logic-beacon/internal/beacon"
	"github.com/nerrad567/gray-logic-beacon/internal/infrastructure/config"
)

// Status represents the current state of the supervised gateway.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusFailed   Status = "failed"
)

// Defaults for Config.
const (
	DefaultRestartDelay    = 5 * time.Second
	DefaultMaxRestartDelay = 5 * time.Minute
	DefaultStableThreshold = 2 * time.Minute
	DefaultGracefulTimeout = 10 * time.Second
	DefaultCheckInterval   = 15 * time.Second
)

const (
	// killWait bounds the wait for a killed process to be reaped.
	killWait = 5 * time.Second

	// maxOutputLine flushes unterminated output once it grows this large.
	maxOutputLine = 4096

	restartJitter = 0.1
)

// Liveness reports when a gateway last published. *ble.GatewayRadio
// satisfies it. listening is false while no reports are expected.
type Liveness interface {
	LastReport(gateway string) (at time.Time, listening bool)
}

// Config holds configuration for a supervised gateway process.
type Config struct {
	// Gateway is the name the process reports under, used for the
	// watchdog and in logs.
	Gateway string

	Binary string
	Args   []string

	// Env adds key=value pairs to the inherited environment.
	Env []string

	RestartOnFailure bool

	// RestartDelay is the first backoff delay. It doubles per consecutive
	// failure up to MaxRestartDelay.
	RestartDelay    time.Duration
	MaxRestartDelay time.Duration

	// StableThreshold is how long a run must last to reset the backoff and
	// the attempt count.
	StableThreshold time.Duration

	// MaxRestartAttempts limits consecutive restarts. 0 means unlimited.
	MaxRestartAttempts int

	// GracefulTimeout is how long to wait after SIGTERM before SIGKILL.
	GracefulTimeout time.Duration

	// StaleAfter kills a gateway that sends no reports for this long while
	// Liveness is listening. Zero or a nil Liveness disables the watchdog.
	StaleAfter    time.Duration
	CheckInterval time.Duration
	Liveness      Liveness
}

// ConfigFrom converts the beacon.gateway_process config section.
func ConfigFrom(cfg config.GatewayProcessConfig) Config {
	return Config{
		Gateway:            cfg.Gateway,
		Binary:             cfg.Binary,
		Args:               cfg.Args,
		RestartOnFailure:   cfg.RestartOnFailure,
		RestartDelay:       cfg.RestartDelay,
		MaxRestartDelay:    cfg.MaxRestartDelay,
		MaxRestartAttempts: cfg.MaxRestartAttempts,
		StaleAfter:         cfg.StaleAfter,
	}
}

func (c Config) withDefaults() Config {
	if c.RestartDelay <= 0 {
		c.RestartDelay = DefaultRestartDelay
	}
	if c.MaxRestartDelay < c.RestartDelay {
		c.MaxRestartDelay = max(DefaultMaxRestartDelay, c.RestartDelay)
	}
	if c.StableThreshold <= 0 {
		c.StableThreshold = DefaultStableThreshold
	}
	if c.GracefulTimeout <= 0 {
		c.GracefulTimeout = DefaultGracefulTimeout
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = DefaultCheckInterval
	}
	return c
}

// Supervisor runs one gateway process and restarts it when it fails.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - One monitor goroutine per Start owns the restart loop.
type Supervisor struct {
	cfg Config

	logger   beacon.Logger
	loggerMu sync.RWMutex

	mu        sync.RWMutex
	cmd       *exec.Cmd
	status    Status
	restarts  int
	lastErr   error
	startedAt time.Time
	stopping  bool
	stopCh    chan struct{}
	done      chan struct{}
}

// NewSupervisor creates a stopped supervisor. Zero durations take defaults.
func NewSupervisor(cfg Config) *Supervisor {
	return &Supervisor{
		cfg:    cfg.withDefaults(),
		status: StatusStopped,
		logger: beacon.NoopLogger{},
	}
}

// SetLogger sets the logger for the supervisor.
func (s *Supervisor) SetLogger(logger beacon.Logger) {
	s.loggerMu.Lock()
	defer s.loggerMu.Unlock()
	if logger == nil {
		logger = beacon.NoopLogger{}
	}
	s.logger = logger
}

func (s *Supervisor) log() beacon.Logger {
	s.loggerMu.RLock()
	defer s.loggerMu.RUnlock()
	return s.logger
}

// Start launches the gateway and begins supervising it.
//
// Returns ErrAlreadyRunning if a previous Start has not been stopped, or the
// exec error if the first launch fails. Later failures are retried in the
// background when RestartOnFailure is set.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil && !isClosed(s.done) {
		s.mu.Unlock()
		return fmt.Errorf("starting gateway %s: %w", s.cfg.Gateway, ErrAlreadyRunning)
	}
	s.status = StatusStarting
	s.stopping = false
	s.restarts = 0
	s.stopCh = make(chan struct{})
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	cmd, err := s.launch(ctx)
	if err != nil {
		s.mu.Lock()
		s.status = StatusFailed
		s.lastErr = err
		s.done = nil
		s.mu.Unlock()
		return err
	}

	go s.monitor(ctx, cmd, done)
	return nil
}

// launch starts one run of the gateway binary in its own process group.
func (s *Supervisor) launch(ctx context.Context) (*exec.Cmd, error) {
	s.log().Info("starting gateway process",
		"gateway", s.cfg.Gateway,
		"binary", s.cfg.Binary,
		"args", s.cfg.Args,
	)

	cmd := exec.CommandContext(ctx, s.cfg.Binary, s.cfg.Args...) //nolint:gosec // binary comes from operator config
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error { return signalGroup(cmd, syscall.SIGTERM) }
	cmd.WaitDelay = s.cfg.GracefulTimeout
	if s.cfg.Env != nil {
		cmd.Env = append(os.Environ(), s.cfg.Env...)
	}
	cmd.Stdout = s.outputLogger("stdout")
	cmd.Stderr = s.outputLogger("stderr")

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting gateway %s: %w", s.cfg.Gateway, err)
	}

	s.mu.Lock()
	s.cmd = cmd
	s.status = StatusRunning
	s.startedAt = time.Now()
	stopping := s.stopping
	s.mu.Unlock()

	s.log().Info("gateway process started", "gateway", s.cfg.Gateway, "pid", cmd.Process.Pid)

	// Stop raced the relaunch and saw no running process.
	if stopping {
		//nolint:errcheck // monitor observes the exit either way
		signalGroup(cmd, syscall.SIGTERM)
	}
	return cmd, nil
}

// monitor waits for each run to end and restarts it with backoff.
func (s *Supervisor) monitor(ctx context.Context, cmd *exec.Cmd, done chan struct{}) {
	defer close(done)

	b := s.newBackOff()
	attempts := 0

	for {
		err := s.waitForExit(cmd)

		if s.isStopping() || ctx.Err() != nil {
			s.setStopped()
			return
		}

		s.log().Warn("gateway process exited unexpectedly", "gateway", s.cfg.Gateway, "error", err)
		s.recordFailure(err)

		if !s.cfg.RestartOnFailure {
			return
		}
		if time.Since(s.runStart()) >= s.cfg.StableThreshold {
			b.Reset()
			attempts = 0
		}

		next, ok := s.restart(ctx, b, &attempts)
		if !ok {
			return
		}
		cmd = next
	}
}

// restart waits out the backoff and relaunches until a launch succeeds,
// attempts run out, or the supervisor is stopped.
func (s *Supervisor) restart(ctx context.Context, b backoff.BackOff, attempts *int) (*exec.Cmd, bool) {
	for {
		*attempts++
		if s.cfg.MaxRestartAttempts > 0 && *attempts > s.cfg.MaxRestartAttempts {
			s.log().Error("gateway restart attempts exhausted",
				"gateway", s.cfg.Gateway,
				"attempts", *attempts-1,
			)
			return nil, false
		}

		delay := b.NextBackOff()
		s.log().Info("restarting gateway process",
			"gateway", s.cfg.Gateway,
			"attempt", *attempts,
			"delay", delay,
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.setStopped()
			return nil, false
		case <-s.stopSignal():
			timer.Stop()
			s.setStopped()
			return nil, false
		case <-timer.C:
		}

		cmd, err := s.launch(ctx)
		if err == nil {
			s.mu.Lock()
			s.restarts++
			s.mu.Unlock()
			return cmd, true
		}
		s.log().Error("failed to restart gateway process", "gateway", s.cfg.Gateway, "error", err)
		s.recordFailure(err)
	}
}

// waitForExit waits for the run to end. With the watchdog enabled it kills
// a gateway that has been silent for longer than StaleAfter.
func (s *Supervisor) waitForExit(cmd *exec.Cmd) error {
	exitCh := make(chan error, 1)
	go func() {
		exitCh <- cmd.Wait()
	}()

	if s.cfg.StaleAfter <= 0 || s.cfg.Liveness == nil {
		return <-exitCh
	}

	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case err := <-exitCh:
			return err
		case now := <-ticker.C:
			silent, stale := s.silentFor(now)
			if !stale {
				continue
			}

			s.log().Error("gateway silent, killing process",
				"gateway", s.cfg.Gateway,
				"silent_for", silent.Round(time.Second),
			)
			//nolint:errcheck // process may already be gone
			signalGroup(cmd, syscall.SIGKILL)

			select {
			case <-exitCh:
			case <-time.After(killWait):
			}
			return fmt.Errorf("%w: %s silent for %s", ErrGatewayStale, s.cfg.Gateway, silent.Round(time.Second))
		}
	}
}

// silentFor reports how long the gateway has gone without a report,
// counting from the current run's start at the earliest.
func (s *Supervisor) silentFor(now time.Time) (time.Duration, bool) {
	last, listening := s.cfg.Liveness.LastReport(s.cfg.Gateway)
	if !listening {
		return 0, false
	}
	if start := s.runStart(); start.After(last) {
		last = start
	}
	silent := now.Sub(last)
	return silent, silent > s.cfg.StaleAfter
}

// Stop terminates the gateway's process group and ends supervision.
// SIGTERM is followed by SIGKILL after GracefulTimeout. Stop is a no-op
// when nothing is supervised.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	if s.done == nil || s.stopping || isClosed(s.done) {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	close(s.stopCh)
	cmd := s.cmd
	running := s.status == StatusRunning
	done := s.done
	s.mu.Unlock()

	if running && cmd != nil && cmd.Process != nil {
		s.log().Info("stopping gateway process", "gateway", s.cfg.Gateway, "pid", cmd.Process.Pid)
		if err := signalGroup(cmd, syscall.SIGTERM); err != nil {
			s.log().Warn("failed to signal gateway process", "gateway", s.cfg.Gateway, "error", err)
		}

		select {
		case <-done:
			s.log().Info("gateway process stopped", "gateway", s.cfg.Gateway)
			return nil
		case <-time.After(s.cfg.GracefulTimeout):
			s.log().Warn("graceful shutdown timeout, sending SIGKILL",
				"gateway", s.cfg.Gateway,
				"timeout", s.cfg.GracefulTimeout,
			)
		}

		if err := signalGroup(cmd, syscall.SIGKILL); err != nil {
			return fmt.Errorf("killing gateway %s: %w", s.cfg.Gateway, err)
		}
	}

	<-done
	return nil
}

// Status returns the current supervision status.
func (s *Supervisor) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// IsRunning returns true if the gateway process is running.
func (s *Supervisor) IsRunning() bool {
	return s.Status() == StatusRunning
}

// LastError returns the error that ended the most recent failed run.
func (s *Supervisor) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// RestartCount returns how many times the gateway has been relaunched
// since Start.
func (s *Supervisor) RestartCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.restarts
}

// PID returns the process ID of the current run, or 0 if not running.
func (s *Supervisor) PID() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status == StatusRunning && s.cmd != nil && s.cmd.Process != nil {
		return s.cmd.Process.Pid
	}
	return 0
}

// Stats describes the supervised gateway.
type Stats struct {
	Gateway       string `json:"gateway"`
	Status        Status `json:"status"`
	PID           int    `json:"pid,omitempty"`
	UptimeSeconds int64  `json:"uptime_seconds,omitempty"`
	Restarts      int    `json:"restarts"`
	LastError     string `json:"last_error,omitempty"`
}

// Stats returns current statistics for the gateway process.
func (s *Supervisor) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{
		Gateway:  s.cfg.Gateway,
		Status:   s.status,
		Restarts: s.restarts,
	}
	if s.status == StatusRunning {
		if s.cmd != nil && s.cmd.Process != nil {
			st.PID = s.cmd.Process.Pid
		}
		st.UptimeSeconds = int64(time.Since(s.startedAt).Seconds())
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

func (s *Supervisor) newBackOff() backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = s.cfg.RestartDelay
	exp.MaxInterval = s.cfg.MaxRestartDelay
	exp.Multiplier = 2
	exp.RandomizationFactor = restartJitter
	exp.MaxElapsedTime = 0
	exp.Reset()
	return exp
}

func (s *Supervisor) isStopping() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stopping
}

func (s *Supervisor) stopSignal() <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stopCh
}

func (s *Supervisor) runStart() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.startedAt
}

func (s *Supervisor) setStopped() {
	s.mu.Lock()
	s.status = StatusStopped
	s.mu.Unlock()
	s.log().Info("gateway supervision stopped", "gateway", s.cfg.Gateway)
}

func (s *Supervisor) recordFailure(err error) {
	s.mu.Lock()
	s.status = StatusFailed
	s.lastErr = err
	s.mu.Unlock()
}

// outputLogger forwards process output to the log one line at a time.
func (s *Supervisor) outputLogger(stream string) *lineWriter {
	return &lineWriter{emit: func(line string) {
		s.log().Debug("gateway output", "gateway", s.cfg.Gateway, "stream", stream, "line", line)
	}}
}

// signalGroup signals the process group created via Setpgid.
func signalGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd.Process == nil {
		return nil
	}
	err := syscall.Kill(-cmd.Process.Pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

func isClosed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// lineWriter splits a byte stream into lines.
type lineWriter struct {
	mu   sync.Mutex
	buf  []byte
	emit func(line string)
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		if line := strings.TrimRight(string(w.buf[:i]), "\r"); line != "" {
			w.emit(line)
		}
		w.buf = w.buf[i+1:]
	}
	if len(w.buf) >= maxOutputLine {
		w.emit(string(w.buf))
		w.buf = w.buf[:0]
	}
	return len(p), nil
}
