package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Supported package managers, in detection order.
var packageManagers = []string{"apt", "dnf", "yum", "zypper"}

// managerProbe is the binary whose presence identifies a package manager.
var managerProbe = map[string]string{
	"apt":    "dpkg-query",
	"dnf":    "dnf",
	"yum":    "yum",
	"zypper": "zypper",
}

func detectPackageManager(ctx context.Context, h Host) (string, error) {
	for _, mgr := range packageManagers {
		res, err := h.RunCommand(ctx, Command{Script: "command -v " + managerProbe[mgr]})
		if err != nil {
			return "", err
		}
		if res.ExitCode == 0 {
			return mgr, nil
		}
	}
	return "", fmt.Errorf("no supported package manager found: %w", errors.ErrUnsupported)
}

func runPackageCommand(ctx context.Context, h Host, manager string, argv ...string) (CommandResult, error) {
	cmd := Command{Argv: argv}
	if manager == "apt" {
		cmd.Env = map[string]string{"DEBIAN_FRONTEND": "noninteractive"}
	}
	return h.RunCommand(ctx, cmd)
}

// queryInstalled returns whether name is installed and its version.
func queryInstalled(ctx context.Context, h Host, manager, name string) (bool, string, error) {
	var argv []string
	switch manager {
	case "apt":
		argv = []string{"dpkg-query", "-W", "-f=${Status}|${Version}", name}
	case "dnf", "yum", "zypper":
		argv = []string{"rpm", "-q", "--queryformat", "%{VERSION}-%{RELEASE}", name}
	default:
		return false, "", fmt.Errorf("unsupported package manager: %s", manager)
	}

	res, err := runPackageCommand(ctx, h, manager, argv...)
	if err != nil {
		return false, "", err
	}
	if res.ExitCode != 0 {
		return false, "", nil
	}

	out := strings.TrimSpace(res.Stdout)
	if manager == "apt" {
		status, version, _ := strings.Cut(out, "|")
		if !strings.HasSuffix(status, " installed") {
			return false, "", nil
		}
		return true, version, nil
	}
	return true, out, nil
}

// queryCandidate returns the version the package manager would install, or
// "" when it cannot tell.
func queryCandidate(ctx context.Context, h Host, manager, name string) (string, error) {
	var argv []string
	switch manager {
	case "apt":
		argv = []string{"apt-cache", "policy", name}
	case "dnf":
		argv = []string{"dnf", "repoquery", "--quiet", "--latest-limit=1", "--queryformat", "%{version}-%{release}", name}
	case "yum":
		argv = []string{"repoquery", "--quiet", "--queryformat", "%{version}-%{release}", name}
	case "zypper":
		argv = []string{"zypper", "--non-interactive", "--quiet", "info", name}
	default:
		return "", fmt.Errorf("unsupported package manager: %s", manager)
	}

	res, err := runPackageCommand(ctx, h, manager, argv...)
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", nil
	}

	switch manager {
	case "apt":
		return fieldValue(res.Stdout, "Candidate:", "(none)"), nil
	case "zypper":
		return fieldValue(res.Stdout, "Version", ""), nil
	default:
		lines := strings.Fields(res.Stdout)
		if len(lines) == 0 {
			return "", nil
		}
		return lines[len(lines)-1], nil
	}
}

// fieldValue extracts "Key: value" or "Key    : value" from command output.
func fieldValue(out, key, none string) string {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, key) {
			continue
		}
		_, v, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		v = strings.TrimSpace(v)
		if v == none {
			return ""
		}
		return v
	}
	return ""
}

type packageOp string

const (
	pkgInstall packageOp = "install"
	pkgRemove  packageOp = "remove"
	pkgUpgrade packageOp = "upgrade"
)

func packageArgv(manager string, op packageOp, name string) ([]string, error) {
	switch manager {
	case "apt":
		switch op {
		case pkgInstall:
			return []string{"apt-get", "install", "-y", name}, nil
		case pkgRemove:
			return []string{"apt-get", "remove", "-y", name}, nil
		case pkgUpgrade:
			return []string{"apt-get", "install", "--only-upgrade", "-y", name}, nil
		}
	case "dnf", "yum":
		return []string{manager, string(op), "-y", name}, nil
	case "zypper":
		if op == pkgUpgrade {
			return []string{"zypper", "--non-interactive", "update", name}, nil
		}
		return []string{"zypper", "--non-interactive", string(op), name}, nil
	}
	return nil, fmt.Errorf("unsupported package manager: %s", manager)
}

func changePackage(ctx context.Context, h Host, manager string, op packageOp, name string) error {
	argv, err := packageArgv(manager, op, name)
	if err != nil {
		return err
	}
	res, err := runPackageCommand(ctx, h, manager, argv...)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("%s exited %d: %s", strings.Join(argv, " "), res.ExitCode, lastLine(res.Stderr))
	}
	return nil
}

// coerceVersion turns a distribution version such as "1:8.9p1-3ubuntu0.10"
// into a semantic version (8.9.0) for constraint checks.
func coerceVersion(v string) (*semver.Version, error) {
	if _, rest, ok := strings.Cut(v, ":"); ok {
		v = rest
	}
	if i := strings.IndexAny(v, "-~+"); i >= 0 {
		v = v[:i]
	}
	parts := strings.Split(v, ".")
	if len(parts) > 3 {
		parts = parts[:3]
	}
	for i, p := range parts {
		end := 0
		for end < len(p) && p[end] >= '0' && p[end] <= '9' {
			end++
		}
		if end == 0 {
			parts[i] = "0"
		} else {
			parts[i] = p[:end]
		}
	}
	return semver.NewVersion(strings.Join(parts, "."))
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
