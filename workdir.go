package worlds

import (
	"os"
	"path/filepath"
	"strings"
)

// ParseVariables parses line-oriented key=value text, the format of
// World.Variables. Blank lines and lines without '=' are skipped; later
// keys win. Values keep any embedded '='.
func ParseVariables(text string) map[string]string {
	vars := make(map[string]string)
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		vars[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return vars
}

// WorkdirMismatch builds the literal containment failure string tools
// return and adapters match on.
func WorkdirMismatch(path string) string {
	return "Working directory mismatch: " + path
}

// ExpandTilde resolves ~ and ~/... against the user home directory. A bare
// tilde form is treated as an absolute path for containment purposes.
func ExpandTilde(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		if path == "~" {
			return home
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

// ResolveInRoot normalizes path against root and reports whether the
// result stays inside root. Relative paths resolve against root; tilde
// paths are expanded first. When root is empty, every path is allowed and
// relative paths resolve against the process working directory.
func ResolveInRoot(root, path string) (string, bool) {
	path = ExpandTilde(path)
	if root == "" {
		return filepath.Clean(path), true
	}
	root = filepath.Clean(ExpandTilde(root))
	var resolved string
	if filepath.IsAbs(path) {
		resolved = filepath.Clean(path)
	} else {
		resolved = filepath.Clean(filepath.Join(root, path))
	}
	if resolved == root || strings.HasPrefix(resolved, root+string(filepath.Separator)) {
		return resolved, true
	}
	return resolved, false
}

// CheckPath enforces containment for one path argument. Out-of-root paths
// fail with PermissionError carrying the literal mismatch message before
// any process is launched.
func CheckPath(root, path string) (string, error) {
	resolved, ok := ResolveInRoot(root, path)
	if !ok {
		return "", &PermissionError{Message: WorkdirMismatch(path)}
	}
	return resolved, nil
}

// PathCandidates extracts the argument substrings that resolve as paths
// for containment checking: positional parameters verbatim, the value of
// --flag=/path forms, and the suffix of -I/path style short flags. Bare
// flags without an embedded value contribute nothing.
func PathCandidates(params []string) []string {
	var out []string
	for _, p := range params {
		switch {
		case strings.HasPrefix(p, "--"):
			if _, v, ok := strings.Cut(p, "="); ok && v != "" {
				out = append(out, v)
			}
		case strings.HasPrefix(p, "-") && len(p) > 2:
			rest := p[2:]
			if strings.HasPrefix(rest, "/") || strings.HasPrefix(rest, "~") || strings.HasPrefix(rest, ".") {
				out = append(out, rest)
			}
		case p == "-" || strings.HasPrefix(p, "-"):
			// Bare short flags carry no path.
		default:
			out = append(out, p)
		}
	}
	return out
}

// CheckParams runs containment over every path candidate in params.
func CheckParams(root string, params []string) error {
	if root == "" {
		return nil
	}
	for _, candidate := range PathCandidates(params) {
		if _, err := CheckPath(root, candidate); err != nil {
			return err
		}
	}
	return nil
}
