package runtime

import (
	"context"
	"strings"

	"github.com/wkaandemir/branch-nexus/internal/errors"
	"github.com/wkaandemir/branch-nexus/internal/logging"
)

// DefaultEngine is the container CLI used when none is configured.
const DefaultEngine = "docker"

var containerUnreachableMarkers = []string{
	"no such container",
	"is not running",
	"cannot connect to the docker daemon",
	"error response from daemon",
}

// Container runs commands inside a named, already running container.
type Container struct {
	engine string
	name   string
	logger *logging.Logger
}

// NewContainer creates a handle for the container called name.
func NewContainer(engine, name string, logger *logging.Logger) (*Container, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.NewConfigurationError("container runtime needs a container name").
			WithField("runtime.container")
	}
	if engine == "" {
		engine = DefaultEngine
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Container{engine: engine, name: name, logger: logger.With("container", name)}, nil
}

// Kind returns KindContainer.
func (c *Container) Kind() Kind { return KindContainer }

// Name returns the container name.
func (c *Container) Name() string { return c.name }

// String describes the handle.
func (c *Container) String() string { return "container:" + c.name }

// PaneEntry enters path through a login shell.
func (c *Container) PaneEntry(path string) string { return entryScript(path) }

// Argv returns the host argv that runs cmd inside the container.
func (c *Container) Argv(cmd Command, opts Options) []string {
	argv := []string{c.engine, "exec"}
	if opts.Interactive {
		argv = append(argv, "-it")
	}
	if opts.Dir != "" {
		argv = append(argv, "-w", opts.Dir)
	}
	for _, pair := range envPairs(opts.Env) {
		argv = append(argv, "-e", pair)
	}
	argv = append(argv, c.name)
	return append(argv, cmd.Args...)
}

// Execute runs cmd inside the container.
func (c *Container) Execute(ctx context.Context, cmd Command, opts Options) (Result, error) {
	spec := launchSpec{argv: c.Argv(cmd, opts)}
	return launch(ctx, c.logger, cmd, spec, opts, c.checkReachable)
}

func (c *Container) checkReachable(res Result) error {
	if res.ExitCode == 0 {
		return nil
	}
	stderr := strings.ToLower(res.Stderr)
	for _, m := range containerUnreachableMarkers {
		if strings.Contains(stderr, m) {
			return errors.NewExecutionError("container "+c.name+" is unreachable", nil).
				WithCommand(c.engine + " exec " + c.name).
				WithHint("start the container or set runtime.container to a running one")
		}
	}
	return nil
}
