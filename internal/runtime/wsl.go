package runtime

import (
	"context"
	"slices"
	"strings"

	"github.com/wkaandemir/branch-nexus/internal/errors"
	"github.com/wkaandemir/branch-nexus/internal/logging"
)

// WSLExecutable is the launcher used to enter a distribution.
const WSLExecutable = "wsl.exe"

var (
	wslMissingMarkers = []string{
		"wsl_e_distro_not_found",
		"there is no distribution with the supplied name",
	}
	wslServiceMarkers = []string{
		"failed to connect",
		"cannot connect",
		"service unavailable",
		"wsl/service",
	}
)

// WSL wraps every command with a distribution-selection prefix.
type WSL struct {
	distribution string
	logger       *logging.Logger
}

// NewWSL creates a handle for distribution. The id must be one of
// discovered, as returned by ListDistributions.
func NewWSL(distribution string, discovered []string, logger *logging.Logger) (*WSL, error) {
	distribution = strings.TrimSpace(distribution)
	if distribution == "" {
		return nil, errors.NewConfigurationError("wsl runtime needs a distribution").
			WithField("runtime.distribution").
			WithCause(errors.ErrUnknownDistribution).
			WithHint("run 'branchnexus distros' and set runtime.distribution")
	}
	if !slices.Contains(discovered, distribution) {
		return nil, errors.NewConfigurationError("distribution "+distribution+" was not found").
			WithField("runtime.distribution").
			WithCause(errors.ErrUnknownDistribution).
			WithHint("available distributions: " + strings.Join(discovered, ", "))
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &WSL{distribution: distribution, logger: logger.With("distribution", distribution)}, nil
}

// Kind returns KindWSL.
func (w *WSL) Kind() Kind { return KindWSL }

// Distribution returns the bound distribution id.
func (w *WSL) Distribution() string { return w.distribution }

// String describes the handle.
func (w *WSL) String() string { return "wsl:" + w.distribution }

// PaneEntry enters path through a login shell.
func (w *WSL) PaneEntry(path string) string { return entryScript(path) }

// Argv returns the host argv that runs cmd inside the distribution.
func (w *WSL) Argv(cmd Command, opts Options) []string {
	argv := []string{WSLExecutable, "-d", w.distribution}
	if opts.Dir != "" {
		argv = append(argv, "--cd", opts.Dir)
	}
	argv = append(argv, "--")
	if pairs := envPairs(opts.Env); len(pairs) > 0 {
		argv = append(argv, "env")
		argv = append(argv, pairs...)
	}
	return append(argv, cmd.Args...)
}

// Execute runs cmd inside the distribution.
func (w *WSL) Execute(ctx context.Context, cmd Command, opts Options) (Result, error) {
	spec := launchSpec{argv: w.Argv(cmd, opts)}
	return launch(ctx, w.logger, cmd, spec, opts, w.checkReachable)
}

func (w *WSL) checkReachable(res Result) error {
	if res.ExitCode == 0 {
		return nil
	}
	stderr := strings.ToLower(decodeConsole([]byte(res.Stderr)))
	for _, m := range wslMissingMarkers {
		if strings.Contains(stderr, m) {
			return errors.NewExecutionError("distribution "+w.distribution+" is unreachable", nil).
				WithHint("check 'wsl.exe -l -v' and start the distribution")
		}
	}
	for _, m := range wslServiceMarkers {
		if strings.Contains(stderr, m) {
			return errors.NewRecoverableError("wsl service not ready", nil).
				WithHint("restart WSL with 'wsl.exe --shutdown' if this persists")
		}
	}
	return nil
}

// ToWSLPath converts a Windows drive path to its /mnt form. Other paths are
// returned unchanged.
func ToWSLPath(p string) string {
	if len(p) >= 2 && p[1] == ':' {
		drive := strings.ToLower(p[:1])
		rest := strings.ReplaceAll(p[2:], `\`, "/")
		rest = strings.TrimPrefix(rest, "/")
		if rest == "" {
			return "/mnt/" + drive
		}
		return "/mnt/" + drive + "/" + rest
	}
	return p
}
