package worktree

import (
	"path"
	"regexp"
	"strings"
)

var unsafeRun = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// SanitizeSegment turns a branch or repository name into one path segment.
// Every run of characters outside [A-Za-z0-9._-] becomes a single "-",
// leading and trailing "-" and "." are trimmed, and an empty result becomes
// "default".
func SanitizeSegment(name string) string {
	s := unsafeRun.ReplaceAllString(name, "-")
	s = strings.Trim(s, "-.")
	if s == "" {
		return "default"
	}
	return s
}

// RepoName derives a repository name from a local path or clone URL.
func RepoName(repo string) string {
	r := strings.TrimRight(strings.ReplaceAll(repo, `\`, "/"), "/")
	r = strings.TrimSuffix(r, ".git")
	if i := strings.LastIndexAny(r, "/:"); i >= 0 {
		r = r[i+1:]
	}
	return SanitizeSegment(r)
}

// PathFor returns the deterministic worktree path of branch in repo under
// root. It is a pure function of its inputs.
func PathFor(root, repo, branch string) string {
	return path.Join(root, RepoName(repo), SanitizeSegment(branch))
}

// provisioningMarker is written beside a worktree path while it is being
// created and removed once the worktree is Ready.
func provisioningMarker(p string) string {
	return p + ".provisioning"
}

// under reports whether p is root or inside it.
func under(root, p string) bool {
	root = path.Clean(root)
	p = path.Clean(p)
	return p == root || strings.HasPrefix(p, root+"/")
}
