//go:build linux

package procsource

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/edirooss/logstream-server/internal/domain/logentry"
	"github.com/edirooss/logstream-server/internal/infrastructure/logbroker"
	"go.uber.org/zap"
)

// StopGrace is how long a child gets between SIGTERM and SIGKILL.
const StopGrace = 3 * time.Second

// OutputDrain bounds how long output is still read after a child exits, for
// pipes that a background grandchild keeps open.
const OutputDrain = 250 * time.Millisecond

// Program describes one supervised command.
type Program struct {
	Name            string
	Argv            []string
	Env             []string      // appended to the server's environment
	RestartCooldown time.Duration // delay between exit and respawn
}

func (p Program) validate() error {
	if p.Name == "" {
		return errors.New("program name is empty")
	}
	if len(p.Argv) == 0 || p.Argv[0] == "" {
		return fmt.Errorf("program %q: argv is empty", p.Name)
	}
	return nil
}

// Supervisor runs local programs and reports their lifecycle and output to a
// logbroker.Sink. It is safe for concurrent use.
//
// Process Lifecycle:
//   - Start(prog): spawns a supervisor goroutine for prog.Name. No-op if the
//     name is already supervised.
//   - Stop(name): signals the supervisor to shut down and forgets the name.
//     The goroutine keeps running until the child is gone.
//
// Events per program, in order:
//
//	start → log* → exit → (cooldown) → restart → log* → exit → ... → stop
//
// stop is only emitted when a child was running at shutdown.
type Supervisor struct {
	log  *zap.Logger
	sink logbroker.Sink
	env  []string

	mu       sync.Mutex
	programs map[string]*managedProgram
	wg       sync.WaitGroup
}

// NewSupervisor returns an idle supervisor.
func NewSupervisor(log *zap.Logger, sink logbroker.Sink) *Supervisor {
	return &Supervisor{
		log:      log.Named("procsource"),
		sink:     sink,
		env:      os.Environ(),
		programs: make(map[string]*managedProgram),
	}
}

// Start begins supervising prog.
func (s *Supervisor) Start(prog Program) error {
	if err := prog.validate(); err != nil {
		return err
	}

	s.mu.Lock()
	if _, ok := s.programs[prog.Name]; ok {
		s.mu.Unlock()
		return nil
	}
	p := newManagedProgram(prog)
	s.programs[prog.Name] = p
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer close(p.done)
		s.supervise(p)
	}()
	return nil
}

// Stop terminates a supervised program. Non-blocking; use Wait or the
// returned channel to observe completion.
func (s *Supervisor) Stop(name string) <-chan struct{} {
	s.mu.Lock()
	p, ok := s.programs[name]
	if ok {
		delete(s.programs, name)
	}
	s.mu.Unlock()

	if !ok {
		done := make(chan struct{})
		close(done)
		return done
	}
	p.cancel()
	return p.done
}

// Names returns the supervised program names, sorted.
func (s *Supervisor) Names() []string {
	s.mu.Lock()
	out := make([]string, 0, len(s.programs))
	for name := range s.programs {
		out = append(out, name)
	}
	s.mu.Unlock()

	sort.Strings(out)
	return out
}

// Wait blocks until every supervisor goroutine has returned.
func (s *Supervisor) Wait() { s.wg.Wait() }

// Run starts progs, blocks until ctx is cancelled, then stops everything and
// waits for the children to go away.
func (s *Supervisor) Run(ctx context.Context, progs []Program) error {
	for _, prog := range progs {
		if err := s.Start(prog); err != nil {
			s.stopAll()
			return fmt.Errorf("procsource: %w", err)
		}
	}
	s.log.Info("supervising programs", zap.Strings("names", s.Names()))

	<-ctx.Done()
	s.stopAll()
	return nil
}

func (s *Supervisor) stopAll() {
	for _, name := range s.Names() {
		s.Stop(name)
	}
	s.Wait()
}

// supervise runs the spawn/wait/cooldown loop until p is cancelled.
func (s *Supervisor) supervise(p *managedProgram) {
	log := s.log.With(zap.String("name", p.Name), zap.Strings("argv", p.Argv))
	log.Debug("supervisor started")

	timer := time.NewTimer(0)
	defer timer.Stop()

	spawned := false
	for {
		select {
		case <-p.ctx.Done():
			log.Debug("supervisor shutdown during restart cooldown")
			return

		case <-timer.C:
			cmd := exec.Command(p.Argv[0], p.Argv[1:]...)
			cmd.SysProcAttr = &syscall.SysProcAttr{
				Pdeathsig: syscall.SIGKILL,
				Setpgid:   true,
			}
			cmd.Env = append(append([]string(nil), s.env...), p.Env...)

			out, err := newOutputPipes(cmd)
			if err != nil {
				log.Error("pipe setup failed", zap.Error(err))
				timer.Reset(p.RestartCooldown)
				continue
			}
			if err := cmd.Start(); err != nil {
				out.close()
				log.Error("failed to spawn process", zap.Error(err))
				timer.Reset(p.RestartCooldown)
				continue
			}
			out.closeWriters() // the child holds its own copies

			pid := cmd.Process.Pid
			event := logbroker.EventStart
			if spawned {
				event = logbroker.EventRestart
			}
			spawned = true
			s.sink.IngestLifecycle(pid, p.Name, event)
			log.Info("process started", zap.Int("pid", pid), zap.String("event", string(event)))

			var readers sync.WaitGroup
			readers.Add(2)
			go s.scan(log, &readers, pid, logentry.Stdout, out.stdout)
			go s.scan(log, &readers, pid, logentry.Stderr, out.stderr)

			// Wait does not depend on pipe EOF: a background grandchild may
			// keep the write ends open long after the child is gone.
			doneCh := make(chan error, 1)
			go func() { doneCh <- cmd.Wait() }()

			select {
			case err := <-doneCh:
				out.drain(log, &readers, pid)
				logExit(log, pid, err)
				s.sink.IngestLifecycle(pid, p.Name, logbroker.EventExit)
				timer.Reset(p.RestartCooldown)

			case <-p.ctx.Done():
				err := terminate(log, pid, doneCh)
				out.drain(log, &readers, pid)
				log.Info("process stopped", zap.Int("pid", pid), zap.NamedError("wait", err))
				s.sink.IngestLifecycle(pid, p.Name, logbroker.EventStop)
				return
			}
		}
	}
}

// scan forwards r line by line to the sink.
func (s *Supervisor) scan(log *zap.Logger, wg *sync.WaitGroup, pid int, kind logentry.StreamKind, r io.Reader) {
	defer wg.Done()

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		s.sink.IngestLog(pid, kind, sc.Bytes())
	}
	if err := sc.Err(); err != nil && !errors.Is(err, os.ErrClosed) && !errors.Is(err, os.ErrDeadlineExceeded) {
		log.Warn("output reader failed", zap.Int("pid", pid), zap.String("kind", kind.String()), zap.Error(err))
	}
}

// terminate sends SIGTERM to the process group and escalates to SIGKILL after
// StopGrace. Returns the Wait result.
func terminate(log *zap.Logger, pid int, doneCh <-chan error) error {
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		log.Warn("SIGTERM failed", zap.Int("pgid", pid), zap.Error(err))
	}

	t := time.NewTimer(StopGrace)
	defer t.Stop()

	select {
	case err := <-doneCh:
		return err
	case <-t.C:
		log.Warn("grace timeout expired; sending SIGKILL", zap.Int("pgid", pid), zap.Duration("timeout", StopGrace))
		_ = syscall.Kill(-pid, syscall.SIGKILL)
		return <-doneCh
	}
}

func logExit(log *zap.Logger, pid int, err error) {
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		log.Info("process exited normally", zap.Int("pid", pid))
	case errors.As(err, &exitErr):
		log.Warn("process exited abnormally", zap.Int("pid", pid), zap.Int("exit_code", exitErr.ExitCode()))
	default:
		log.Warn("process wait failed", zap.Int("pid", pid), zap.Error(err))
	}
}

// outputPipes connects a child's stdout and stderr to os.Pipe read ends owned
// by the supervisor.
type outputPipes struct {
	stdout, stderr   *os.File // read ends
	stdoutW, stderrW *os.File // write ends, handed to the child
}

// newOutputPipes wires cmd.Stdout and cmd.Stderr; on failure nothing leaks.
func newOutputPipes(cmd *exec.Cmd) (*outputPipes, error) {
	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		_ = outR.Close()
		_ = outW.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	cmd.Stdout, cmd.Stderr = outW, errW
	return &outputPipes{stdout: outR, stderr: errR, stdoutW: outW, stderrW: errW}, nil
}

func (o *outputPipes) closeWriters() {
	_ = o.stdoutW.Close()
	_ = o.stderrW.Close()
}

func (o *outputPipes) close() {
	o.closeWriters()
	_ = o.stdout.Close()
	_ = o.stderr.Close()
}

// drain gives the readers OutputDrain to reach EOF after the child is gone,
// then cuts them off with a read deadline and releases the pipes.
func (o *outputPipes) drain(log *zap.Logger, readers *sync.WaitGroup, pid int) {
	drained := make(chan struct{})
	go func() {
		readers.Wait()
		close(drained)
	}()

	t := time.NewTimer(OutputDrain)
	defer t.Stop()

	select {
	case <-drained:
	case <-t.C:
		log.Debug("output still held open after exit; detaching", zap.Int("pid", pid), zap.Duration("waited", OutputDrain))
		_ = o.stdout.SetReadDeadline(time.Now())
		_ = o.stderr.SetReadDeadline(time.Now())
		<-drained
	}
	_ = o.stdout.Close()
	_ = o.stderr.Close()
}

// managedProgram is the supervision state of one program.
type managedProgram struct {
	Program
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newManagedProgram(prog Program) *managedProgram {
	ctx, cancel := context.WithCancel(context.Background())
	return &managedProgram{
		Program: prog,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}
