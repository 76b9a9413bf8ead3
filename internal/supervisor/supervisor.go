// Package supervisor manages the downstream daemons: start each child,
// wait for its health endpoint, and stop everything in reverse order on
// shutdown.
package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"eva/internal/logging"
)

const healthPollInterval = 250 * time.Millisecond

// Child describes one supervised subprocess.
type Child struct {
	Name            string
	Command         []string
	Cwd             string
	HealthURL       string
	ReadyTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// Supervisor owns the running children in startup order.
type Supervisor struct {
	httpClient *http.Client

	mu      sync.Mutex
	running []*runningChild
}

type runningChild struct {
	child Child
	cmd   *exec.Cmd
	pumps *errgroup.Group
}

// New builds a supervisor with a short health-probe timeout.
func New() *Supervisor {
	return &Supervisor{httpClient: &http.Client{Timeout: 2 * time.Second}}
}

// StartAll launches the children in order, waiting for each health endpoint
// before starting the next. On any failure the already-started children are
// stopped in reverse and the error returned.
func (s *Supervisor) StartAll(ctx context.Context, children []Child) error {
	for _, child := range children {
		rc, err := s.start(child)
		if err != nil {
			s.StopAll()
			return fmt.Errorf("failed to start %s: %w", child.Name, err)
		}
		s.mu.Lock()
		s.running = append(s.running, rc)
		s.mu.Unlock()

		if err := s.waitHealthy(ctx, child); err != nil {
			s.StopAll()
			return fmt.Errorf("%s never became healthy: %w", child.Name, err)
		}
		logging.Supervisor("%s is healthy", child.Name)
	}
	return nil
}

// start spawns the child in its own process group with prefixed output
// pipes.
func (s *Supervisor) start(child Child) (*runningChild, error) {
	if len(child.Command) == 0 {
		return nil, fmt.Errorf("no command configured")
	}

	cmd := exec.Command(child.Command[0], child.Command[1:]...)
	cmd.Dir = child.Cwd
	cmd.Env = os.Environ()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	logging.Supervisor("Started %s (pid %d)", child.Name, cmd.Process.Pid)

	pumps := &errgroup.Group{}
	pumps.Go(func() error { pumpLines(child.Name, "out", stdout); return nil })
	pumps.Go(func() error { pumpLines(child.Name, "err", stderr); return nil })

	return &runningChild{child: child, cmd: cmd, pumps: pumps}, nil
}

func pumpLines(name, stream string, r interface{ Read([]byte) (int, error) }) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		logging.Supervisor("[%s/%s] %s", name, stream, scanner.Text())
	}
}

// waitHealthy polls the child's health endpoint until 200 or the ready
// timeout. A child without a health URL is considered ready immediately.
func (s *Supervisor) waitHealthy(ctx context.Context, child Child) error {
	if child.HealthURL == "" {
		return nil
	}
	timeout := child.ReadyTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	deadline := time.Now().Add(timeout)

	ticker := time.NewTicker(healthPollInterval)
	defer ticker.Stop()
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, child.HealthURL, nil)
		if err != nil {
			return err
		}
		resp, err := s.httpClient.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("health check timed out after %s", timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// StopAll stops the children in reverse startup order. Kill failures are
// logged, never raised.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	running := s.running
	s.running = nil
	s.mu.Unlock()

	for i := len(running) - 1; i >= 0; i-- {
		s.stop(running[i])
	}
}

// stop sends SIGTERM to the child's process group, waits for the shutdown
// timeout, then escalates to SIGKILL.
func (s *Supervisor) stop(rc *runningChild) {
	child := rc.child
	if rc.cmd.Process == nil {
		return
	}
	pid := rc.cmd.Process.Pid

	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		logging.SupervisorDebug("SIGTERM %s: %v", child.Name, err)
	}

	timeout := child.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	done := make(chan error, 1)
	go func() { done <- rc.cmd.Wait() }()

	select {
	case <-done:
		logging.Supervisor("%s exited", child.Name)
	case <-time.After(timeout):
		logging.Get(logging.CategorySupervisor).Warn("%s did not exit in %s, sending SIGKILL", child.Name, timeout)
		if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
			logging.SupervisorDebug("SIGKILL %s: %v", child.Name, err)
		}
		<-done
	}
	rc.pumps.Wait()
}
