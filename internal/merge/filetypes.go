package merge

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// mergeablePatterns lists the path shapes whose contents are plain
// text with meaningful token-level merges. Everything else is
// overwritten whole on divergence.
var mergeablePatterns = []string{
	"**/*.md",
	"**/*.markdown",
	"**/*.txt",
	"**/*.org",
	"**/*.tex",
	"**/*.csv",
	"**/*.json",
	"**/*.yaml",
	"**/*.yml",
	"**/*.toml",
	"**/*.ini",
	"**/*.xml",
	"**/*.html",
	"**/*.css",
	"**/*.js",
	"**/*.ts",
	"**/*.py",
	"**/*.go",
	"**/*.canvas",
}

// IsFileTypeMergeable reports whether the path's suffix marks a
// text-mergeable document.
func IsFileTypeMergeable(path string) bool {
	path = strings.ToLower(path)
	for _, pattern := range mergeablePatterns {
		if ok, err := doublestar.Match(pattern, path); err == nil && ok {
			return true
		}
	}
	return false
}
