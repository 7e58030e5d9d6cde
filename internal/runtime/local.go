package runtime

import (
	"context"

	"github.com/wkaandemir/branch-nexus/internal/logging"
)

// Local runs commands directly on the host.
type Local struct {
	logger *logging.Logger
}

// NewLocal creates a local handle. A nil logger discards logs.
func NewLocal(logger *logging.Logger) *Local {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Local{logger: logger}
}

// Kind returns KindLocal.
func (l *Local) Kind() Kind { return KindLocal }

// String describes the handle.
func (l *Local) String() string { return "local" }

// PaneEntry returns "" because local panes start in their directory.
func (l *Local) PaneEntry(string) string { return "" }

// Execute runs cmd on the host.
func (l *Local) Execute(ctx context.Context, cmd Command, opts Options) (Result, error) {
	spec := launchSpec{argv: cmd.Args, dir: opts.Dir, env: envPairs(opts.Env)}
	return launch(ctx, l.logger, cmd, spec, opts, nil)
}
