package sync

import (
	gitignore "github.com/sabhiram/go-gitignore"
)

// defaultIgnoreLines excludes the litter no vault wants synced.
// Patterns are gitignore globs, matched with dot-files included.
var defaultIgnoreLines = []string{
	// our own internals
	".reconcile/",
	".reconcile.tmp.*",
	// VCS
	".git/",
	".hg/",
	".svn/",
	// editors
	".vscode/",
	".idea/",
	"*.swp",
	"*~",
	// OS litter
	".DS_Store",
	"Thumbs.db",
	"desktop.ini",
	// generic temp
	"*.tmp",
	"*.log",
}

// IgnoreList decides which vault paths stay out of sync entirely.
type IgnoreList struct {
	matcher *gitignore.GitIgnore
}

// NewIgnoreList combines the built-in exclusions with the user's
// configured patterns (one glob per line).
func NewIgnoreList(userPatterns []string) *IgnoreList {
	lines := make([]string, 0, len(defaultIgnoreLines)+len(userPatterns))
	lines = append(lines, defaultIgnoreLines...)
	lines = append(lines, userPatterns...)
	return &IgnoreList{
		matcher: gitignore.CompileIgnoreLines(lines...),
	}
}

// ShouldIgnore reports whether the vault-relative path is excluded.
func (l *IgnoreList) ShouldIgnore(path string) bool {
	return l.matcher.MatchesPath(path)
}
