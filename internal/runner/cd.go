package runner

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"

	"github.com/xkilldash9x/poweragent-cli/internal/apperr"
)

// parseCd reports whether command is a cd invocation and returns its argument.
func parseCd(command string) (string, bool) {
	if len(command) < 2 || !strings.EqualFold(command[:2], "cd") {
		return "", false
	}
	if len(command) == 2 {
		return "", true
	}
	rest := command[2:]
	// "cd.." and "cd\" are accepted the way cmd.exe accepts them.
	if !strings.HasPrefix(rest, " ") && !strings.HasPrefix(rest, "\t") && !strings.HasPrefix(rest, "..") && !strings.HasPrefix(rest, `\`) {
		return "", false
	}
	return strings.TrimSpace(rest), true
}

func unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

// ResolveDir resolves a cd argument against cwd without touching the
// filesystem. An empty argument resolves to the home directory.
func ResolveDir(arg, cwd string) (string, error) {
	target := unquote(arg)
	if target == "" {
		target = "~"
	}
	expanded, err := homedir.Expand(target)
	if err != nil {
		return "", err
	}
	if !filepath.IsAbs(expanded) {
		expanded = filepath.Join(cwd, expanded)
	}
	return filepath.Clean(expanded), nil
}

func (r *Runner) changeDir(arg, cwd string) Result {
	res := Result{NewCwd: cwd}
	resolved, err := ResolveDir(arg, cwd)
	if err != nil {
		res.Err = apperr.Wrap(apperr.DirectoryNotFound, err, "Could not resolve directory '%s'", unquote(arg))
		res.Stderr = res.Err.UserMessage()
		return res
	}

	info, err := os.Stat(resolved)
	switch {
	case err == nil && info.IsDir():
		r.logger.Debug("Changed directory.", zap.String("from", cwd), zap.String("to", resolved))
		res.NewCwd = resolved
	case err == nil:
		res.Err = apperr.New(apperr.DirectoryNotFound, "Not a directory: '%s' (Resolved from '%s')", resolved, unquote(arg))
	case os.IsPermission(err):
		res.Err = apperr.Wrap(apperr.PermissionDenied, err, "Permission denied accessing directory: '%s'", resolved)
	default:
		res.Err = apperr.New(apperr.DirectoryNotFound, "Directory not found: '%s' (Resolved from '%s')", resolved, unquote(arg))
	}
	if res.Err != nil {
		res.Stderr = res.Err.UserMessage()
	}
	return res
}
