package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

const defaultDebounce = 500 * time.Millisecond

func newWatchCommand(a *app) *cobra.Command {
	var (
		opts        applyOptions
		interval    time.Duration
		debounce    time.Duration
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "watch <policyFile>",
		Short: "Re-apply a policy when it changes and on an interval",
		Long: `Apply a policy, then keep hosts converged.

The policy is re-applied when the document or a --guard file changes, and
every --interval to correct drift. Load and guard errors are logged and the
previous state is kept until the document is fixed. Stops on SIGINT/SIGTERM.`,
		Example: `  # Re-apply on edit and every 15 minutes, exposing metrics
  harden watch cis.yaml --interval 15m --metrics-addr :9105`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			path := args[0]

			w, err := newChangeWatcher(append([]string{path}, opts.guards...), debounce, a.logger)
			if err != nil {
				return err
			}
			defer w.Close()

			changes := make(chan string, 1)
			go w.run(ctx, changes)

			if metricsAddr != "" {
				srv := a.tel.Metrics.NewMetricsServer(metricsAddr)
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						a.logger.Error().Err(err).Str("addr", metricsAddr).Msg("Metrics server failed")
					}
				}()
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}()
			}

			var tick <-chan time.Time
			if interval > 0 {
				ticker := time.NewTicker(interval)
				defer ticker.Stop()
				tick = ticker.C
			}

			a.logger.Info().
				Str("document", path).
				Dur("interval", interval).
				Msg("Watching policy")

			watchLoop(ctx, changes, tick, func(reason string) {
				a.watchRound(ctx, path, opts, reason)
			})
			a.logger.Info().Msg("Watch stopped")
			return nil
		},
	}

	opts.addFlags(cmd)
	cmd.Flags().DurationVar(&interval, "interval", 30*time.Minute, "re-apply period (0 disables)")
	cmd.Flags().DurationVar(&debounce, "debounce", defaultDebounce, "quiet period after a file change before re-applying")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	return cmd
}

// watchLoop calls round once, then again for every change or tick until
// ctx is done.
func watchLoop(ctx context.Context, changes <-chan string, tick <-chan time.Time, round func(reason string)) {
	round("start")
	for {
		select {
		case <-ctx.Done():
			return
		case file := <-changes:
			round("changed " + file)
		case <-tick:
			round("interval")
		}
	}
}

func (a *app) watchRound(ctx context.Context, path string, opts applyOptions, reason string) {
	if ctx.Err() != nil {
		return
	}
	a.logger.Info().Str("reason", reason).Msg("Applying policy")
	code, err := a.apply(ctx, path, opts)
	if err != nil {
		a.logger.Error().Err(err).Str("document", path).Msg("Policy not applied")
		return
	}
	a.logger.Info().Int("exit_code", code).Msg("Apply round finished")
}

// changeWatcher reports debounced changes to a set of files and directories.
// Parent directories are watched so editors that replace files by rename
// are still seen.
type changeWatcher struct {
	fs       *fsnotify.Watcher
	files    map[string]bool
	dirs     map[string]bool
	debounce time.Duration
	logger   zerolog.Logger
}

func newChangeWatcher(paths []string, debounce time.Duration, logger zerolog.Logger) (*changeWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	w := &changeWatcher{
		fs:       fsw,
		files:    make(map[string]bool),
		dirs:     make(map[string]bool),
		debounce: debounce,
		logger:   logger.With().Str("component", "watcher").Logger(),
	}

	watched := make(map[string]bool)
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			_ = fsw.Close()
			return nil, fmt.Errorf("failed to resolve %s: %w", p, err)
		}
		info, err := os.Stat(abs)
		if err != nil {
			_ = fsw.Close()
			return nil, fmt.Errorf("failed to watch %s: %w", p, err)
		}

		dir := filepath.Dir(abs)
		if info.IsDir() {
			dir = abs
			w.dirs[abs] = true
		} else {
			w.files[abs] = true
		}
		if watched[dir] {
			continue
		}
		if err := fsw.Add(dir); err != nil {
			_ = fsw.Close()
			return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
		}
		watched[dir] = true
	}
	return w, nil
}

// relevant reports whether an event touches a watched file.
func (w *changeWatcher) relevant(ev fsnotify.Event) bool {
	if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) &&
		!ev.Op.Has(fsnotify.Rename) && !ev.Op.Has(fsnotify.Remove) {
		return false
	}
	name := filepath.Clean(ev.Name)
	return w.files[name] || w.dirs[filepath.Dir(name)]
}

// run forwards one change per quiet period to out. Changes that arrive
// while out is full are coalesced.
func (w *changeWatcher) run(ctx context.Context, out chan<- string) {
	timer := time.NewTimer(w.debounce)
	timer.Stop()
	var last string

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return

		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if !w.relevant(ev) {
				continue
			}
			w.logger.Debug().Str("file", ev.Name).Str("op", ev.Op.String()).Msg("Watched file changed")
			last = ev.Name
			timer.Reset(w.debounce)

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("File watch error")

		case <-timer.C:
			select {
			case out <- last:
			default:
			}
		}
	}
}

// Close stops watching.
func (w *changeWatcher) Close() error {
	return w.fs.Close()
}
