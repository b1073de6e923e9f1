package environment

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"unicode"

	"github.com/oshokin/snipvault-installer/internal/domain/resource"
	"github.com/oshokin/snipvault-installer/internal/logger"
)

var errLauncherIncomplete = errors.New("launcher requires product name, entry point and command")

// Launcher describes the entry point written into the root's bin directory.
type Launcher struct {
	// Product names the application and the prefix of the exported variables.
	Product string
	// Version is exported to the application as <PREFIX>_VERSION.
	Version string
	// EntryPoint is the launcher file name, e.g. "snipvault".
	EntryPoint string
	// Command is executed with the caller's arguments, e.g. "python3 -m snipvault".
	Command string
}

// launcherTemplate renders a POSIX shell shim. Every argument, `--version`
// included, reaches the installed application. The environment is inherited
// untouched apart from the installer-provided variables.
//
//nolint:gochecknoglobals // Parsed once, read-only afterwards.
var launcherTemplate = template.Must(template.New("launcher").Funcs(template.FuncMap{
	"quote": shellQuote,
}).Parse(`#!/bin/sh
# {{ .Product }} launcher generated by snipvault-installer. Do not edit.
{{ .EnvPrefix }}_HOME={{ quote .Root }}
{{ .EnvPrefix }}_RESOURCES={{ quote .Resources }}
{{ .EnvPrefix }}_VERSION={{ quote .Version }}
export {{ .EnvPrefix }}_HOME {{ .EnvPrefix }}_RESOURCES {{ .EnvPrefix }}_VERSION
exec {{ .Command }} "$@"
`))

// WriteLauncher renders the entry point into <root>/bin and returns its path.
// The content depends only on its inputs, so repeated calls leave the same file.
func (b *Builder) WriteLauncher(ctx context.Context, root *InstallationRoot, l Launcher) (string, error) {
	if root == nil {
		return "", &Error{Op: "write launcher", Err: errNilRoot}
	}

	if l.Product == "" || l.EntryPoint == "" || strings.TrimSpace(l.Command) == "" {
		return "", &Error{Op: "write launcher", Path: root.Path, Err: errLauncherIncomplete}
	}

	if err := resource.ValidateName(l.EntryPoint); err != nil {
		return "", &Error{Op: "write launcher", Path: root.Path, Err: err}
	}

	var script bytes.Buffer

	err := launcherTemplate.Execute(&script, map[string]string{
		"Product":   l.Product,
		"Version":   l.Version,
		"EnvPrefix": envPrefix(l.Product),
		"Root":      root.Path,
		"Resources": filepath.Join(root.Path, ResourcesDir),
		"Command":   strings.TrimSpace(l.Command),
	})
	if err != nil {
		return "", &Error{Op: "write launcher", Path: root.Path, Err: fmt.Errorf("render: %w", err)}
	}

	path := filepath.Join(root.Path, BinDir, l.EntryPoint)

	if err = writeFileAtomic(path, script.Bytes(), ExecutableMode); err != nil {
		return "", &Error{Op: "write launcher", Path: path, Err: err}
	}

	logger.InfoKV(ctx, "Entry point written", "path", path)

	return path, nil
}

// writeFileAtomic replaces path with data through a temporary file in the same directory.
func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	if current, err := os.ReadFile(path); err == nil && bytes.Equal(current, data) {
		return os.Chmod(path, mode)
	}

	if err := os.MkdirAll(filepath.Dir(path), DirMode); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}

	tmpName := tmp.Name()

	defer func() {
		_ = os.Remove(tmpName)
	}()

	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()

		return err
	}

	if err = tmp.Close(); err != nil {
		return err
	}

	if err = os.Chmod(tmpName, mode); err != nil {
		return err
	}

	return os.Rename(tmpName, path)
}

// envPrefix turns a product name into an environment variable prefix, e.g. SNIPVAULT.
func envPrefix(product string) string {
	var b strings.Builder

	for _, r := range strings.ToUpper(product) {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}

	prefix := b.String()
	if prefix == "" || unicode.IsDigit(rune(prefix[0])) {
		prefix = "APP_" + prefix
	}

	return prefix
}

// shellQuote wraps s in single quotes for POSIX shells.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
