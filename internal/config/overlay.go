package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Overlay holds the runtime-tunable settings read from GATEWAY_CONFIG_FILE.
// Nil fields leave the current value alone.
type Overlay struct {
	LogLevel    *string        `yaml:"logLevel"`
	CallTimeout *time.Duration `yaml:"callTimeout"`
}

// LoadOverlay reads and validates the overlay at path.
func LoadOverlay(path string) (*Overlay, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read overlay: %w", err)
	}
	var ov Overlay
	if err := yaml.Unmarshal(data, &ov); err != nil {
		return nil, fmt.Errorf("parse overlay %s: %w", path, err)
	}
	if ov.LogLevel != nil {
		if _, err := ParseLevel(*ov.LogLevel); err != nil {
			return nil, fmt.Errorf("overlay %s: %w", path, err)
		}
	}
	if ov.CallTimeout != nil && *ov.CallTimeout <= 0 {
		return nil, fmt.Errorf("overlay %s: callTimeout must be positive", path)
	}
	return &ov, nil
}

// Apply copies the overlay's set fields onto level and the call timeout
// setter.
func (ov *Overlay) Apply(level *slog.LevelVar, setCallTimeout func(time.Duration)) {
	if ov.LogLevel != nil && level != nil {
		if lvl, err := ParseLevel(*ov.LogLevel); err == nil {
			level.Set(lvl)
		}
	}
	if ov.CallTimeout != nil && setCallTimeout != nil {
		setCallTimeout(*ov.CallTimeout)
	}
}

// watchDebounce coalesces the burst of events editors emit on save.
const watchDebounce = 100 * time.Millisecond

// Watch reloads the overlay at path whenever it changes and passes each
// valid result to fn. The parent directory is watched so that atomic
// rename-over saves are seen. Watch blocks until ctx is done.
func Watch(ctx context.Context, path string, log *slog.Logger, fn func(*Overlay)) error {
	if log == nil {
		log = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() {
		_ = w.Close()
	}()
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	var (
		timer  *time.Timer
		reload <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
			} else {
				timer.Reset(watchDebounce)
			}
			reload = timer.C
		case <-reload:
			reload = nil
			ov, err := LoadOverlay(abs)
			if err != nil {
				log.WarnContext(ctx, "config.overlay.fail", slog.String("path", abs), slog.String("err", err.Error()))
				continue
			}
			log.InfoContext(ctx, "config.overlay.reload", slog.String("path", abs))
			fn(ov)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.DebugContext(ctx, "config.watch.error", slog.String("err", err.Error()))
		}
	}
}
