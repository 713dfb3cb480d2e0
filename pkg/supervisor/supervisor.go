package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/znlabs/zn-vault-agent/pkg/events"
	"github.com/znlabs/zn-vault-agent/pkg/log"
	"github.com/znlabs/zn-vault-agent/pkg/metrics"
)

const (
	// maxRestartDelay caps the restart backoff
	maxRestartDelay = 60 * time.Second

	// stableRunThreshold resets the restart counter after the child has
	// run this long without exiting
	stableRunThreshold = 60 * time.Second

	// stopGracePeriod is how long a child gets between SIGTERM and
	// SIGKILL on a supervisor-initiated stop
	stopGracePeriod = 10 * time.Second
)

// Options configures the supervisor.
type Options struct {
	Command []string

	// Env maps variable names to mapping specs, see resolveMapping
	Env map[string]string

	// SecretsDir receives sensitive values as files (NAME_FILE
	// indirection). Expected to be tmpfs.
	SecretsDir string

	// RestartOnEvents restarts the child when a subscribed secret is
	// redeployed or the managed key rotates
	RestartOnEvents bool

	// MaxRestarts bounds automatic restarts; 0 means no restarting
	MaxRestarts int
}

// Supervisor runs one child process with secrets injected into its
// environment and restarts it when those secrets change.
type Supervisor struct {
	opts   Options
	vault  Resolver
	broker *events.Broker
	logger zerolog.Logger

	mu               sync.Mutex
	cmd              *exec.Cmd
	files            []string
	restartRequested bool
}

// New creates a supervisor.
func New(opts Options, vaultClient Resolver, broker *events.Broker) *Supervisor {
	return &Supervisor{
		opts:   opts,
		vault:  vaultClient,
		broker: broker,
		logger: log.WithComponent("supervisor"),
	}
}

// Run executes the child until it exits for a reason other than a
// secret rotation, and returns the exit code to propagate. Signal
// deaths map to 128+signo, so SIGINT is 130 and SIGTERM is 143.
func (s *Supervisor) Run(ctx context.Context) (int, error) {
	if len(s.opts.Command) == 0 {
		return 1, errors.New("no command to supervise")
	}

	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	var cancelEvents func()
	if s.opts.RestartOnEvents && s.broker != nil {
		cancelEvents = s.broker.Handle(func(ev *events.Event) {
			s.logger.Info().Str("event", string(ev.Type)).Msg("restart-triggering event, stopping child")
			s.requestRestart()
		}, events.EventSecretDeployed, events.EventKeyRotated)
		defer cancelEvents()
	}

	restarts := 0
	for {
		started := time.Now()
		code, err := s.runOnce(ctx, sigCh)
		if err != nil {
			return 1, err
		}

		s.mu.Lock()
		wantRestart := s.restartRequested
		s.restartRequested = false
		s.mu.Unlock()

		if !wantRestart || ctx.Err() != nil {
			return code, nil
		}

		if time.Since(started) >= stableRunThreshold {
			restarts = 0
		}
		restarts++
		if s.opts.MaxRestarts > 0 && restarts > s.opts.MaxRestarts {
			s.logger.Error().Int("max", s.opts.MaxRestarts).Msg("restart limit reached, giving up")
			s.broker.Publish(&events.Event{
				Type:    events.EventChildMaxRestarts,
				Message: fmt.Sprintf("child restart limit (%d) reached", s.opts.MaxRestarts),
			})
			return code, nil
		}

		delay := restartDelay(restarts)
		s.logger.Info().Int("restart", restarts).Dur("delay", delay).Msg("restarting child")
		metrics.ChildRestartsTotal.Inc()
		s.broker.Publish(&events.Event{
			Type:     events.EventChildRestarted,
			Message:  "child restarted after secret rotation",
			Metadata: map[string]string{"restart": fmt.Sprintf("%d", restarts)},
		})

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return code, nil
		}
	}
}

// restartDelay is min(1s*2^(n-1), 60s)
func restartDelay(restart int) time.Duration {
	if restart > 7 {
		restart = 7
	}
	d := time.Second * time.Duration(1<<uint(restart-1))
	if d > maxRestartDelay {
		d = maxRestartDelay
	}
	return d
}

// runOnce builds the environment, starts the child, and waits for it.
// Secret files are zeroed and removed before it returns.
func (s *Supervisor) runOnce(ctx context.Context, sigCh <-chan os.Signal) (int, error) {
	env, files, err := s.buildEnv(ctx)
	if err != nil {
		return 1, err
	}
	defer s.cleanupFiles(files)

	cmd := exec.Command(s.opts.Command[0], s.opts.Command[1:]...)
	cmd.Env = env
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	// Own process group so signals reach the whole child tree
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return 1, fmt.Errorf("failed to start child: %w", err)
	}

	s.mu.Lock()
	s.cmd = cmd
	s.files = files
	s.mu.Unlock()

	s.logger.Info().Str("command", s.opts.Command[0]).Int("pid", cmd.Process.Pid).Msg("child started")

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	for {
		select {
		case sig := <-sigCh:
			s.logger.Debug().Str("signal", sig.String()).Msg("forwarding signal to child")
			s.signalChild(sig)

		case <-ctx.Done():
			s.stopChild()
			err := <-waitCh
			return exitCode(cmd, err), nil

		case err := <-waitCh:
			s.mu.Lock()
			s.cmd = nil
			s.mu.Unlock()
			code := exitCode(cmd, err)
			s.logger.Info().Int("code", code).Msg("child exited")
			return code, nil
		}
	}
}

// requestRestart flags a restart and terminates the running child.
func (s *Supervisor) requestRestart() {
	s.mu.Lock()
	s.restartRequested = true
	running := s.cmd != nil
	s.mu.Unlock()
	if running {
		s.stopChild()
	}
}

// signalChild forwards a signal to the child's process group.
func (s *Supervisor) signalChild(sig os.Signal) {
	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}

	sysSig, ok := sig.(syscall.Signal)
	if !ok {
		return
	}
	if err := syscall.Kill(-cmd.Process.Pid, sysSig); err != nil {
		cmd.Process.Signal(sig)
	}
}

// stopChild sends SIGTERM and escalates to SIGKILL after the grace
// period.
func (s *Supervisor) stopChild() {
	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}

	pid := cmd.Process.Pid
	syscall.Kill(-pid, syscall.SIGTERM)
	time.AfterFunc(stopGracePeriod, func() {
		// No-op if the group is already gone
		syscall.Kill(-pid, syscall.SIGKILL)
	})
}

// exitCode maps a wait result to the code the supervisor propagates.
func exitCode(cmd *exec.Cmd, waitErr error) int {
	if waitErr == nil {
		return 0
	}

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			return 128 + int(status.Signal())
		}
		return exitErr.ExitCode()
	}
	return 1
}

// Files returns the secret files currently backing the child env.
func (s *Supervisor) Files() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.files))
	copy(out, s.files)
	return out
}
