package local

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/openfroyo/harden/pkg/engine"
)

// ServiceStatus implements engine.Host using systemctl show.
func (h *Host) ServiceStatus(ctx context.Context, name string) (engine.ServiceStatus, error) {
	if err := h.liveOnly("service status"); err != nil {
		return engine.ServiceStatus{}, err
	}

	res, err := h.run(ctx, "systemctl", "show", name, "--property=LoadState,ActiveState,UnitFileState")
	if err != nil {
		return engine.ServiceStatus{}, fmt.Errorf("failed to query service %s: %w", name, err)
	}

	props := parseProperties(res.Stdout)
	if props["LoadState"] == "not-found" {
		return engine.ServiceStatus{}, nil
	}
	return engine.ServiceStatus{
		Exists:  true,
		Running: props["ActiveState"] == "active" || props["ActiveState"] == "reloading",
		Enabled: props["UnitFileState"] == "enabled" || props["UnitFileState"] == "enabled-runtime",
	}, nil
}

// ServiceSetState implements engine.Host.
func (h *Host) ServiceSetState(ctx context.Context, name string, action engine.ServiceAction) error {
	if err := h.liveOnly("service " + string(action)); err != nil {
		return err
	}
	if err := action.Validate(); err != nil {
		return err
	}
	if _, err := h.run(ctx, "systemctl", string(action), name); err != nil {
		return fmt.Errorf("failed to %s service %s: %w", action, name, err)
	}
	h.logger.Info().Str("service", name).Str("action", string(action)).Msg("Service state changed")
	return nil
}

// SetSysctl implements engine.Host by writing /proc/sys.
func (h *Host) SetSysctl(ctx context.Context, key, value string) error {
	if err := h.liveOnly("sysctl " + key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	path := filepath.Join(h.procSys, strings.ReplaceAll(key, ".", "/"))
	if !strings.HasPrefix(path, h.procSys+"/") {
		return fmt.Errorf("invalid sysctl key %q", key)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	if _, err := f.WriteString(value + "\n"); err != nil {
		f.Close()
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	h.logger.Info().Str("key", key).Str("value", value).Msg("Kernel parameter set")
	return nil
}

// Remount implements engine.Host with mount -o remount.
func (h *Host) Remount(ctx context.Context, mountPoint string, options []string) error {
	if err := h.liveOnly("remount " + mountPoint); err != nil {
		return err
	}
	if len(options) == 0 {
		return errors.New("remount needs at least one option")
	}
	opts := "remount," + strings.Join(options, ",")
	if _, err := h.run(ctx, "mount", "-o", opts, mountPoint); err != nil {
		return fmt.Errorf("failed to remount %s: %w", mountPoint, err)
	}
	h.logger.Info().Str("mount", mountPoint).Str("options", opts).Msg("Remounted")
	return nil
}

// parseProperties reads systemctl show Key=Value output.
func parseProperties(out string) map[string]string {
	props := make(map[string]string)
	for _, line := range strings.Split(out, "\n") {
		k, v, ok := strings.Cut(strings.TrimSpace(line), "=")
		if ok {
			props[k] = v
		}
	}
	return props
}
