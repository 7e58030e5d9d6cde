// Package tmux builds and runs tmux commands through a runtime handle.
//
// When a socket name is configured every command carries "-L <socket>", so
// branchnexus sessions live on their own tmux server and a crash there
// cannot take down the user's other sessions. An empty socket uses the
// default server.
package tmux

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/wkaandemir/branch-nexus/internal/errors"
	"github.com/wkaandemir/branch-nexus/internal/logging"
	"github.com/wkaandemir/branch-nexus/internal/runtime"
)

// Binary is the multiplexer executable.
const Binary = "tmux"

// DefaultTimeout bounds a single non-interactive tmux command.
const DefaultTimeout = 15 * time.Second

// Client runs tmux through a runtime handle.
type Client struct {
	rt      runtime.Handle
	socket  string
	timeout time.Duration
	logger  *logging.Logger
}

// NewClient creates a client for socket ("" for the default server).
func NewClient(rt runtime.Handle, socket string, logger *logging.Logger) *Client {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Client{rt: rt, socket: socket, timeout: DefaultTimeout, logger: logger}
}

// Socket returns the socket name, "" for the default server.
func (c *Client) Socket() string {
	return c.socket
}

// Runtime returns the handle tmux runs through.
func (c *Client) Runtime() runtime.Handle {
	return c.rt
}

// BaseArgs returns the socket arguments, e.g. [-L branchnexus].
func BaseArgs(socket string) []string {
	if socket == "" {
		return nil
	}
	return []string{"-L", socket}
}

// Args returns the full argv for a tmux subcommand.
func (c *Client) Args(args ...string) []string {
	argv := append([]string{Binary}, BaseArgs(c.socket)...)
	return append(argv, args...)
}

// Run executes a tmux subcommand and returns the result even on a
// non-zero exit.
func (c *Client) Run(ctx context.Context, args ...string) (runtime.Result, error) {
	return c.rt.Execute(ctx, runtime.Cmd(c.Args(args...)...), runtime.Options{Timeout: c.timeout})
}

// Check executes a tmux subcommand and turns a non-zero exit into a
// TmuxError. Lost-server and busy-socket failures are Recoverable.
func (c *Client) Check(ctx context.Context, args ...string) (string, error) {
	res, err := c.Run(ctx, args...)
	if err != nil {
		return "", err
	}
	if res.Success() {
		return res.Output(), nil
	}
	sub := ""
	if len(args) > 0 {
		sub = args[0]
	}
	return "", errors.NewTmuxError(fmt.Sprintf("tmux %s failed", sub), fmt.Errorf("exit status %d", res.ExitCode)).
		WithKind(classify(res.Stderr)).
		WithOutput(res.Stderr)
}

var transientMarkers = []string{
	"server exited unexpectedly",
	"lost server",
	"resource temporarily unavailable",
	"error connecting to",
}

func classify(stderr string) errors.Kind {
	lower := strings.ToLower(stderr)
	for _, m := range transientMarkers {
		if strings.Contains(lower, m) {
			return errors.Recoverable
		}
	}
	return errors.Fatal
}

// -----------------------------------------------------------------------------
// Sessions
// -----------------------------------------------------------------------------

// HasSession reports whether session exists on the client's server. Only
// tmux's own "no such session" diagnostics count as absent; any other
// failure is a TmuxError, Recoverable when the server was briefly
// unreachable.
func (c *Client) HasSession(ctx context.Context, session string) (bool, error) {
	res, err := c.Run(ctx, "has-session", "-t", "="+session)
	if err != nil {
		return false, err
	}
	if res.Success() {
		return true, nil
	}
	if IsNoSession(res.Stderr) {
		return false, nil
	}
	return false, errors.NewTmuxError("tmux has-session failed", fmt.Errorf("exit status %d", res.ExitCode)).
		WithKind(classify(res.Stderr)).
		WithSession(session).
		WithOutput(res.Stderr)
}

// KillSession kills session. A missing session or server is not an error.
func (c *Client) KillSession(ctx context.Context, session string) error {
	res, err := c.Run(ctx, "kill-session", "-t", "="+session)
	if err != nil {
		return err
	}
	if res.Success() || IsNoSession(res.Stderr) {
		return nil
	}
	return errors.NewTmuxError("failed to kill session", nil).
		WithSession(session).
		WithOutput(res.Stderr)
}

// IsNoSession reports tmux's diagnostics for a session or server that does
// not exist.
func IsNoSession(stderr string) bool {
	lower := strings.ToLower(stderr)
	return strings.Contains(lower, "can't find session") ||
		strings.Contains(lower, "no server running") ||
		strings.Contains(lower, "session not found") ||
		strings.Contains(lower, "no such file or directory")
}

// IsDuplicateSession reports tmux's diagnostic for new-session on a taken name.
func IsDuplicateSession(stderr string) bool {
	return strings.Contains(strings.ToLower(stderr), "duplicate session")
}

// Attach hands the terminal to session until the user detaches or the
// session ends.
func (c *Client) Attach(ctx context.Context, session string) error {
	res, err := c.rt.Execute(ctx, runtime.Cmd(c.Args("attach-session", "-t", "="+session)...), runtime.Options{Interactive: true})
	if err != nil {
		return err
	}
	if !res.Success() {
		return errors.NewTmuxError("attach failed", fmt.Errorf("exit status %d", res.ExitCode)).
			WithSession(session).
			WithStage(errors.StageAttach)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Version
// -----------------------------------------------------------------------------

// Version is a tmux release number such as 3.3a.
type Version struct {
	Major  int
	Minor  int
	Suffix string
}

// String renders the version as tmux prints it.
func (v Version) String() string {
	return fmt.Sprintf("%d.%d%s", v.Major, v.Minor, v.Suffix)
}

// AtLeast reports whether v >= floor, ignoring letter suffixes.
func (v Version) AtLeast(floor Version) bool {
	if v.Major != floor.Major {
		return v.Major > floor.Major
	}
	return v.Minor >= floor.Minor
}

// ParseVersion parses "tmux 3.3a", "tmux next-3.4", "3.2" and similar.
func ParseVersion(s string) (Version, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "tmux ")
	s = strings.TrimPrefix(s, "next-")
	s = strings.TrimPrefix(s, "openbsd-")

	majorStr, rest, ok := strings.Cut(s, ".")
	if !ok {
		return Version{}, fmt.Errorf("unrecognized tmux version %q", s)
	}
	major, err := strconv.Atoi(majorStr)
	if err != nil {
		return Version{}, fmt.Errorf("unrecognized tmux version %q", s)
	}
	i := 0
	for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
		i++
	}
	if i == 0 {
		return Version{}, fmt.Errorf("unrecognized tmux version %q", s)
	}
	minor, _ := strconv.Atoi(rest[:i])
	return Version{Major: major, Minor: minor, Suffix: rest[i:]}, nil
}

// Version asks the server binary for its version.
func (c *Client) Version(ctx context.Context) (Version, error) {
	res, err := c.rt.Execute(ctx, runtime.Cmd(Binary, "-V"), runtime.Options{Timeout: c.timeout})
	if err != nil {
		return Version{}, err
	}
	if !res.Success() {
		return Version{}, errors.NewTmuxError("tmux -V failed", nil).WithOutput(res.Stderr)
	}
	return ParseVersion(res.Output())
}
