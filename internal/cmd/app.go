package cmd

import (
	"context"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/wkaandemir/branch-nexus/internal/config"
	"github.com/wkaandemir/branch-nexus/internal/errors"
	"github.com/wkaandemir/branch-nexus/internal/event"
	"github.com/wkaandemir/branch-nexus/internal/logging"
	"github.com/wkaandemir/branch-nexus/internal/resolver"
	"github.com/wkaandemir/branch-nexus/internal/retry"
	"github.com/wkaandemir/branch-nexus/internal/runtime"
	"github.com/wkaandemir/branch-nexus/internal/worktree"
)

// flagKeys maps global flags onto configuration keys.
var flagKeys = map[string]string{
	"runtime":        "runtime.kind",
	"distribution":   "runtime.distribution",
	"container":      "runtime.container",
	"workspace-root": "paths.workspace_root",
	"log-level":      "logging.level",
}

// newViper returns a viper instance with defaults, environment and the
// config file loaded and cmd's flags bound.
func newViper(cmd *cobra.Command) (*viper.Viper, error) {
	v := viper.New()
	config.SetDefaults(v)
	config.BindEnv(v)

	path, explicit := configPath, configPath != ""
	if !explicit {
		path = config.ConfigFile()
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		missing := errors.Is(err, fs.ErrNotExist) || errors.As(err, &notFound)
		if explicit || !missing {
			return nil, errors.NewConfigurationError("failed to read config file " + path).
				WithCause(err).
				WithHint("check the file syntax or pass another file with --config")
		}
	}

	inherited := cmd.InheritedFlags()
	for name, key := range flagKeys {
		f := cmd.Flags().Lookup(name)
		if f == nil {
			f = inherited.Lookup(name)
		}
		if f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, errors.Wrapf(err, "failed to bind flag %s", name)
			}
		}
	}
	return v, nil
}

// loadConfig builds the effective configuration for cmd.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	v, err := newViper(cmd)
	if err != nil {
		return nil, err
	}
	return config.Load(v)
}

// app holds the components shared by the commands.
type app struct {
	cfg       *config.Config
	logger    *logging.Logger
	rt        runtime.Handle
	git       *worktree.Git
	root      string
	tracker   *retry.Tracker
	bus       *event.Bus
	worktrees *worktree.Manager
	resolver  *resolver.Resolver
}

// newLogger opens the log sink for cfg. The CLI logs to the state
// directory unless logging.dir says otherwise.
func newLogger(cfg *config.Config) (*logging.Logger, error) {
	logDir := cfg.Logging.Dir
	if logDir == "" {
		logDir = filepath.Join(config.StateDir(), "logs")
	}
	logger, err := logging.NewLogger(logging.Options{
		Dir:   logDir,
		Level: cfg.Logging.Level,
		Rotation: logging.RotationConfig{
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
		},
	})
	if err != nil {
		return nil, errors.NewConfigurationError("cannot open log file in " + logDir).
			WithField("logging.dir").
			WithCause(err)
	}
	return logger, nil
}

// newApp wires the runtime, git, worktree manager and resolver for cfg.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}
	a, err := wire(ctx, cfg, logger)
	if err != nil {
		_ = logger.Close()
		return nil, err
	}
	return a, nil
}

func wire(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*app, error) {
	kind, err := runtime.ParseKind(cfg.Runtime.Kind)
	if err != nil {
		return nil, err
	}
	rt, err := runtime.Select(ctx, runtime.Spec{
		Kind:         kind,
		Distribution: cfg.Runtime.Distribution,
		Container:    cfg.Runtime.Container,
		Engine:       cfg.Runtime.Engine,
	}, logger)
	if err != nil {
		return nil, err
	}

	root, err := resolveRoot(ctx, rt, cfg.Paths)
	if err != nil {
		return nil, err
	}

	tracker := retry.NewTracker()
	git := worktree.NewGit(rt, cfg.Runtime.CommandTimeout).WithToken(cfg.Auth.Token)
	worktrees := worktree.NewManager(git, root, worktree.Options{
		Retry:   cfg.Retry,
		Tracker: tracker,
		Logger:  logger,
	})
	res, err := resolver.New(git, resolver.Options{
		WorkspaceRoot: root,
		Retry:         cfg.Retry,
		Tracker:       tracker,
		Locks:         worktrees.Locks(),
		Logger:        logger,
		Ignore:        cfg.Discovery.Ignore,
		MaxDepth:      cfg.Discovery.MaxDepth,
	})
	if err != nil {
		return nil, err
	}

	logger.Debug("components wired", "runtime", rt.String(), "root", root)
	return &app{
		cfg:       cfg,
		logger:    logger,
		rt:        rt,
		git:       git,
		root:      root,
		tracker:   tracker,
		bus:       event.NewBus(logger),
		worktrees: worktrees,
		resolver:  res,
	}, nil
}

// resolveRoot expands the workspace root inside the execution context.
func resolveRoot(ctx context.Context, rt runtime.Handle, paths config.PathsConfig) (string, error) {
	home := ""
	if strings.HasPrefix(paths.WorkspaceRoot, "~") {
		h, err := runtime.HomeDir(ctx, rt)
		if err != nil {
			return "", err
		}
		home = h
	}
	root := paths.ResolveWorkspaceRoot(home)
	if rt.Kind() == runtime.KindWSL {
		root = runtime.ToWSLPath(root)
	}
	return filepath.ToSlash(root), nil
}

func (a *app) Close() error {
	return a.logger.Close()
}
