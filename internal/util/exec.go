package util

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/rowjay/registry-backup/internal/apperr"
)

// RequireBinary verifies the binary is on PATH.
func RequireBinary(name string) error {
	if _, err := exec.LookPath(name); err != nil {
		return apperr.ExternalTool(name, fmt.Errorf("required binary not found"), "")
	}
	return nil
}

// Command builds an exec.Cmd inheriting the process env plus extra entries.
func Command(ctx context.Context, name string, args []string, env map[string]string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}
	return cmd
}

// Tool pairs a started command with a capture of its stderr.
type Tool struct {
	Name   string
	Cmd    *exec.Cmd
	Stderr *TailBuffer
}

// NewTool attaches a stderr capture to cmd. Call before Start.
func NewTool(name string, cmd *exec.Cmd) *Tool {
	stderr := NewTailBuffer(8 << 10)
	cmd.Stderr = stderr
	return &Tool{Name: name, Cmd: cmd, Stderr: stderr}
}

// Start runs the command, classifying failures as external tool errors.
func (t *Tool) Start() error {
	if err := t.Cmd.Start(); err != nil {
		return apperr.ExternalTool(t.Name, err, "")
	}
	return nil
}

// Wait waits for exit and attaches captured stderr to a non-zero exit.
func (t *Tool) Wait() error {
	if err := t.Cmd.Wait(); err != nil {
		return apperr.ExternalTool(t.Name, err, t.Stderr.String())
	}
	return nil
}

// Run starts and waits.
func (t *Tool) Run() error {
	if err := t.Start(); err != nil {
		return err
	}
	return t.Wait()
}

// TailBuffer keeps the last Max bytes written to it.
type TailBuffer struct {
	Max int

	mu  sync.Mutex
	buf []byte
}

func NewTailBuffer(max int) *TailBuffer {
	return &TailBuffer{Max: max}
}

func (b *TailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if b.Max > 0 && len(b.buf) > b.Max {
		b.buf = append(b.buf[:0], b.buf[len(b.buf)-b.Max:]...)
	}
	return len(p), nil
}

func (b *TailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
