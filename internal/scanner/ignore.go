package scanner

import (
	"os"
	"path/filepath"
	"peersync/internal/util"
	"strings"

	gitignore "github.com/sabhiram/go-gitignore"
)

// IgnoreFile holds per-workspace rules in gitignore syntax.
const IgnoreFile = ".peersyncignore"

var builtinRules = []string{
	".*",
	"!.gitignore",
	"!.gitattributes",
	"!" + IgnoreFile,
	".git",
	".peersync",
	".lokus",
	"node_modules",
	".DS_Store",
	"*.tmp",
	"*.backup",
	"*~",
	"*" + util.TempSuffix,
}

type Ignore struct {
	matcher *gitignore.GitIgnore
}

// NewIgnore combines the built-in exclusions, the configured patterns and
// the workspace's ignore file when present.
func NewIgnore(root string, extra []string) *Ignore {
	lines := append(append([]string{}, builtinRules...), extra...)

	if data, err := os.ReadFile(filepath.Join(root, IgnoreFile)); err == nil {
		lines = append(lines, strings.Split(string(data), "\n")...)
	}

	return &Ignore{matcher: gitignore.CompileIgnoreLines(lines...)}
}

// Match reports whether the workspace-relative path is excluded.
func (i *Ignore) Match(rel string) bool {
	rel = filepath.ToSlash(rel)
	if rel == "" || rel == "." {
		return false
	}

	return i.matcher.MatchesPath(rel)
}
