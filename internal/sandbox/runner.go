package sandbox

import (
	"context"
	"time"
)

// RunSpec describes one isolated execution.
type RunSpec struct {
	Name     string
	Image    string
	Command  []string
	MountDir string
	CPU      float64
	Memory   string
	Timeout  time.Duration
}

// RunOutput is what an execution printed and how it exited.
type RunOutput struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Runner executes a RunSpec in an isolated runtime.
type Runner interface {
	// Run blocks until the execution exits or ctx is done. A non-zero exit
	// status is reported through RunOutput, not as an error.
	Run(ctx context.Context, spec RunSpec) (*RunOutput, error)

	// Kill stops a running execution.
	Kill(ctx context.Context, name string) error

	// Remove releases whatever the execution left behind. It is safe to
	// call for executions that already exited.
	Remove(ctx context.Context, name string) error

	// Health checks that the runtime is reachable.
	Health(ctx context.Context) error
}

// Dispatch routes sqlite executions to the local runner and everything
// else to the container runner.
type Dispatch struct {
	Local     Runner
	Container Runner
}

func (d *Dispatch) pick(image string) Runner {
	if image == SQLiteTag || d.Container == nil {
		return d.Local
	}
	return d.Container
}

// Run implements Runner.
func (d *Dispatch) Run(ctx context.Context, spec RunSpec) (*RunOutput, error) {
	r := d.pick(spec.Image)
	if r == nil {
		return nil, errNoRuntime(spec.Image)
	}
	return r.Run(ctx, spec)
}

// Kill implements Runner. The name is forwarded to every runtime.
func (d *Dispatch) Kill(ctx context.Context, name string) error {
	return d.each(func(r Runner) error { return r.Kill(ctx, name) })
}

// Remove implements Runner.
func (d *Dispatch) Remove(ctx context.Context, name string) error {
	return d.each(func(r Runner) error { return r.Remove(ctx, name) })
}

// Health reports the container runtime health, or the local one when no
// container runtime is configured.
func (d *Dispatch) Health(ctx context.Context) error {
	if d.Container != nil {
		return d.Container.Health(ctx)
	}
	if d.Local != nil {
		return d.Local.Health(ctx)
	}
	return errNoRuntime("")
}

func (d *Dispatch) each(fn func(Runner) error) error {
	var first error
	for _, r := range []Runner{d.Local, d.Container} {
		if r == nil {
			continue
		}
		if err := fn(r); err != nil && first == nil {
			first = err
		}
	}
	return first
}
