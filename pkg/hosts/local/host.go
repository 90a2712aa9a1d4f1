// Package local implements engine.Host with operating system calls on the
// machine running harden, optionally rooted at an offline image directory.
package local

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/openfroyo/harden/pkg/engine"
)

const (
	// TargetLocal selects the machine running harden.
	TargetLocal = "local"

	// chrootPrefix selects an offline image: "chroot:/srv/image".
	chrootPrefix = "chroot:"

	defaultProcSys = "/proc/sys"
	defaultShell   = "/bin/sh"

	// maxSymlinks matches the Linux MAXSYMLINKS limit.
	maxSymlinks = 40
)

// Host is an engine.Host backed by local OS calls.
type Host struct {
	name    string
	root    string
	procSys string
	runner  Runner
	logger  zerolog.Logger
}

var _ engine.Host = (*Host)(nil)

// Option configures a Host.
type Option func(*Host)

// WithRoot roots every path at dir and runs commands through chroot(8).
// Service, sysctl and remount operations are unsupported on a rooted host.
func WithRoot(dir string) Option {
	return func(h *Host) {
		h.root = filepath.Clean(dir)
	}
}

// WithRunner replaces the process runner.
func WithRunner(r Runner) Option {
	return func(h *Host) {
		h.runner = r
	}
}

// WithName overrides the host name used in reports.
func WithName(name string) Option {
	return func(h *Host) {
		h.name = name
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(h *Host) {
		h.logger = logger
	}
}

// New creates a host.
func New(opts ...Option) *Host {
	h := &Host{
		procSys: defaultProcSys,
		runner:  ExecRunner{},
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.name == "" {
		h.name = TargetLocal
		if h.root != "" {
			h.name = chrootPrefix + h.root
		}
	}
	h.logger = h.logger.With().Str("component", "local-host").Str("host", h.name).Logger()
	return h
}

// Parse builds a host from a target string: "local" or "chroot:<dir>".
func Parse(target string, opts ...Option) (*Host, error) {
	switch {
	case target == TargetLocal:
		return New(opts...), nil
	case strings.HasPrefix(target, chrootPrefix):
		dir := strings.TrimPrefix(target, chrootPrefix)
		if dir == "" {
			return nil, fmt.Errorf("target %q: missing image directory", target)
		}
		info, err := os.Stat(dir)
		if err != nil {
			return nil, fmt.Errorf("target %q: %w", target, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("target %q: not a directory", target)
		}
		abs, err := filepath.Abs(dir)
		if err != nil {
			return nil, fmt.Errorf("target %q: %w", target, err)
		}
		return New(append([]Option{WithRoot(abs)}, opts...)...), nil
	default:
		return nil, fmt.Errorf("unsupported target %q: want %q or %s<dir>", target, TargetLocal, chrootPrefix)
	}
}

// Name implements engine.Host.
func (h *Host) Name() string { return h.name }

// Root returns the image directory, or "" for the live host.
func (h *Host) Root() string { return h.root }

func (h *Host) rooted() bool { return h.root != "" }

// resolve maps a host path to a path on this machine. On a rooted host
// symlinks are resolved inside the image.
func (h *Host) resolve(path string) (string, error) {
	clean := filepath.Clean("/" + path)
	if !h.rooted() {
		return clean, nil
	}
	return h.realPath(clean)
}

// realPath resolves every symlink in path the way the kernel would if the
// process were chrooted to the host root. Absolute link targets restart at
// the root and ".." stops there, so the result never leaves the image.
// Components that do not exist are kept as written.
func (h *Host) realPath(path string) (string, error) {
	root := h.root
	if root == "" {
		root = "/"
	}

	resolved := "/"
	pending := strings.Split(filepath.Clean("/"+path), "/")
	links := 0
	for len(pending) > 0 {
		part := pending[0]
		pending = pending[1:]
		switch part {
		case "", ".":
			continue
		case "..":
			resolved = filepath.Dir(resolved)
			continue
		}

		next := filepath.Join(resolved, part)
		onDisk := filepath.Join(root, next)
		info, err := os.Lstat(onDisk)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				resolved = next
				continue
			}
			return "", fmt.Errorf("failed to resolve %s: %w", path, err)
		}
		if info.Mode()&fs.ModeSymlink == 0 {
			resolved = next
			continue
		}

		if links++; links > maxSymlinks {
			return "", fmt.Errorf("resolve %s: too many levels of symbolic links", path)
		}
		target, err := os.Readlink(onDisk)
		if err != nil {
			return "", fmt.Errorf("failed to resolve %s: %w", path, err)
		}
		if filepath.IsAbs(target) {
			resolved = "/"
		}
		pending = append(strings.Split(target, "/"), pending...)
	}
	return filepath.Join(root, resolved), nil
}

// liveOnly rejects kernel and service state on an offline image.
func (h *Host) liveOnly(what string) error {
	if h.rooted() {
		return fmt.Errorf("%s on %s: %w", what, h.name, errors.ErrUnsupported)
	}
	return nil
}

func isProcPath(path string) bool {
	clean := filepath.Clean("/" + path)
	return clean == "/proc" || strings.HasPrefix(clean, "/proc/")
}

// ReadFile implements engine.Host.
func (h *Host) ReadFile(ctx context.Context, path string) ([]byte, error) {
	if isProcPath(path) {
		if err := h.liveOnly("read " + path); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	target, err := h.resolve(path)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(target)
}

// RunCommand implements engine.Host. Scripts run through /bin/sh -c.
func (h *Host) RunCommand(ctx context.Context, cmd engine.Command) (engine.CommandResult, error) {
	var argv []string
	switch {
	case cmd.Script != "":
		argv = []string{defaultShell, "-c", cmd.Script}
	case len(cmd.Argv) > 0:
		argv = append(argv, cmd.Argv...)
	default:
		return engine.CommandResult{}, errors.New("command has neither script nor argv")
	}
	if h.rooted() {
		argv = append([]string{"chroot", h.root}, argv...)
	}

	env := make([]string, 0, len(cmd.Env))
	for k, v := range cmd.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)

	h.logger.Debug().Strs("argv", argv).Msg("Running command")
	return h.runner.Run(ctx, argv, env)
}

// run executes a host tool and turns a non-zero exit into an error.
func (h *Host) run(ctx context.Context, argv ...string) (engine.CommandResult, error) {
	res, err := h.runner.Run(ctx, argv, nil)
	if err != nil {
		return res, err
	}
	if res.ExitCode != 0 {
		return res, fmt.Errorf("%s exited %d: %s", strings.Join(argv, " "), res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return res, nil
}
