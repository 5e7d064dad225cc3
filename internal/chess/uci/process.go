package uci

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"go.uber.org/zap"
)

var ErrClosed = errors.New("engine channel closed")

// Process is a running engine speaking the line protocol. Lines is closed
// once the engine's output ends or Close is called.
type Process interface {
	Send(cmd string) error
	Lines() <-chan string
	Close() error
}

type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	lines  chan string
	done   chan struct{}
	logger *zap.Logger

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
	closeErr  error
}

func StartProcess(binaryPath string, logger *zap.Logger) (Process, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cmd := exec.Command(binaryPath)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("start engine: %w", err)
	}

	p := &execProcess{
		cmd:    cmd,
		stdin:  stdin,
		lines:  make(chan string, 64),
		done:   make(chan struct{}),
		logger: logger,
	}
	go p.pump(stdout)
	logger.Debug("engine_process_start", zap.String("binary", binaryPath), zap.Int("pid", cmd.Process.Pid))
	return p, nil
}

func (p *execProcess) pump(r io.Reader) {
	defer close(p.lines)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	for sc.Scan() {
		select {
		case p.lines <- sc.Text():
		case <-p.done:
			return
		}
	}
	if err := sc.Err(); err != nil {
		select {
		case <-p.done:
		default:
			p.logger.Warn("engine_read_error", zap.Error(err))
		}
	}
}

func (p *execProcess) Send(cmd string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if !strings.HasSuffix(cmd, "\n") {
		cmd += "\n"
	}
	_, err := io.WriteString(p.stdin, cmd)
	return err
}

func (p *execProcess) Lines() <-chan string { return p.lines }

func (p *execProcess) Close() error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.stdin.Close()
		p.mu.Unlock()
		close(p.done)

		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
		err := p.cmd.Wait()
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// killed on purpose
			err = nil
		}
		p.closeErr = err
	})
	return p.closeErr
}
