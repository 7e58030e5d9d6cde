package logging

import "regexp"

var secretPatterns = []struct {
	re   *regexp.Regexp
	repl string
}{
	{regexp.MustCompile(`(?i)(authorization:\s*bearer\s+)[^\s'"]+`), "${1}***"},
	{regexp.MustCompile(`(?i)(bearer\s+)[A-Za-z0-9._~+/=-]{8,}`), "${1}***"},
	{regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{10,}`), "gh*_***"},
	{regexp.MustCompile(`\bgithub_pat_[A-Za-z0-9_]{10,}`), "github_pat_***"},
	{regexp.MustCompile(`(https?://)[^/\s:@]+:[^/\s@]+@`), "${1}***@"},
	{regexp.MustCompile(`(https?://)[^/\s:@]{20,}@`), "${1}***@"},
}

// Sanitize masks credentials in s: bearer tokens, GitHub tokens and
// userinfo embedded in URLs.
func Sanitize(s string) string {
	for _, p := range secretPatterns {
		s = p.re.ReplaceAllString(s, p.repl)
	}
	return s
}
