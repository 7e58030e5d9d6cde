// Package logging provides structured logging for branchnexus runs.
//
// Logs are JSON lines written through log/slog. Child loggers carry the
// session id, branch and stage of the work they describe so a single run
// can be filtered after the fact:
//
//	logger, err := logging.NewLogger(logging.Options{Dir: dir, Level: "INFO"})
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//
//	log := logger.WithSession(id).WithBranch("feature-x")
//	log.Info("worktree ready", "path", path)
//
// The file sink rotates by size through [RotatingWriter], which writes
// through an afero filesystem so tests can use memory-backed storage.
//
// Command lines and git output pass through [Sanitize] before they are
// logged; bearer tokens, GitHub tokens and URL credentials never reach the
// sink.
//
// # Thread Safety
//
// All types in this package are safe for concurrent use. Child loggers
// created via With* methods share the underlying writer.
package logging
