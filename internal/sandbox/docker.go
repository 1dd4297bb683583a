package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/opensource-finance/cfdi-analytics/internal/domain"
)

// maxOutputBytes bounds what is kept of an execution's stdout and stderr.
const maxOutputBytes = 8 << 20

func errNoRuntime(image string) error {
	return &domain.ExecutionError{Reason: fmt.Sprintf("no runtime available for image %q", image)}
}

// DockerRunner drives the docker CLI. Containers run without network,
// with a read-only root filesystem and the mount dir bound read-only at
// /app.
type DockerRunner struct {
	bin       string
	killGrace time.Duration
	maxOutput int
}

// NewDockerRunner creates a runner for the docker binary at bin.
func NewDockerRunner(bin string, killGrace time.Duration) *DockerRunner {
	if bin == "" {
		bin = "docker"
	}
	if killGrace <= 0 {
		killGrace = 5 * time.Second
	}
	return &DockerRunner{bin: bin, killGrace: killGrace, maxOutput: maxOutputBytes}
}

// runArgs builds the docker run argv for spec.
func (d *DockerRunner) runArgs(spec RunSpec) []string {
	args := []string{
		"run", "--rm",
		"--name", spec.Name,
		"--network", "none",
		"--cpus", strconv.FormatFloat(spec.CPU, 'f', -1, 64),
		"--memory", spec.Memory,
		"--read-only",
		"--security-opt", "no-new-privileges",
		"--pids-limit", "64",
		"--tmpfs", "/tmp:rw,size=64m",
		"-v", spec.MountDir + ":/app:ro",
		spec.Image,
	}
	return append(args, spec.Command...)
}

// Run implements Runner. An execution that prints more than the output
// bound is stopped and reported as an ExecutionError.
func (d *DockerRunner) Run(ctx context.Context, spec RunSpec) (*RunOutput, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.CommandContext(runCtx, d.bin, d.runArgs(spec)...)
	cmd.WaitDelay = d.killGrace

	stdout := &limitedBuffer{limit: d.maxOutput, overflow: cancel}
	stderr := &limitedBuffer{limit: d.maxOutput, overflow: cancel}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	slog.Debug("starting container",
		"name", spec.Name,
		"image", spec.Image,
		"cpus", spec.CPU,
		"memory", spec.Memory,
	)

	err := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if stdout.exceeded() || stderr.exceeded() {
		return nil, &domain.ExecutionError{
			Reason: fmt.Sprintf("script output exceeds %d bytes", d.maxOutput),
			Detail: truncate(string(bytes.TrimSpace(stderr.Bytes()))),
		}
	}

	out := &RunOutput{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		out.ExitCode = exitErr.ExitCode()
	default:
		return nil, fmt.Errorf("docker run: %w", err)
	}
	return out, nil
}

// limitedBuffer keeps up to limit bytes and calls overflow once when a
// write would pass it.
type limitedBuffer struct {
	mu       sync.Mutex
	buf      bytes.Buffer
	limit    int
	over     bool
	overflow func()
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.over {
		return len(p), nil
	}
	if room := b.limit - b.buf.Len(); len(p) > room {
		b.buf.Write(p[:max(room, 0)])
		b.over = true
		if b.overflow != nil {
			b.overflow()
		}
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *limitedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Bytes()
}

func (b *limitedBuffer) exceeded() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.over
}

// Kill implements Runner.
func (d *DockerRunner) Kill(ctx context.Context, name string) error {
	return d.quiet(ctx, "kill", name)
}

// Remove implements Runner.
func (d *DockerRunner) Remove(ctx context.Context, name string) error {
	return d.quiet(ctx, "rm", "-f", name)
}

// Health implements Runner.
func (d *DockerRunner) Health(ctx context.Context) error {
	out, err := exec.CommandContext(ctx, d.bin, "version", "--format", "{{.Server.Version}}").CombinedOutput()
	if err != nil {
		return fmt.Errorf("docker version: %w: %s", err, bytes.TrimSpace(out))
	}
	return nil
}

// quiet runs a management command. A missing container is not an error.
func (d *DockerRunner) quiet(ctx context.Context, args ...string) error {
	out, err := exec.CommandContext(ctx, d.bin, args...).CombinedOutput()
	if err != nil && !bytes.Contains(out, []byte("No such container")) && !bytes.Contains(out, []byte("is not running")) {
		return fmt.Errorf("docker %s: %w: %s", args[0], err, bytes.TrimSpace(out))
	}
	return nil
}
