package policy

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/spaceai-control-plane/internal/infra"
	"go.uber.org/zap"
)

const reloadDebounce = 500 * time.Millisecond

// Reloader перечитывает файл правил и подменяет снимок в Engine.
// Источники сигнала: изменение файла (fsnotify) и канал policy-update в Redis,
// куда пишет Console API. Битый файл при горячей перезагрузке не роняет шлюз:
// остается предыдущий снимок.
type Reloader struct {
	engine *Engine
	path   string
	logger *zap.Logger

	mu sync.Mutex // сериализует Reload
}

func NewReloader(engine *Engine, path string, logger *zap.Logger) *Reloader {
	return &Reloader{
		engine: engine,
		path:   path,
		logger: logger.Named("policy-reloader"),
	}
}

// Reload синхронно перечитывает файл
func (r *Reloader) Reload() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rules, err := LoadFile(r.path)
	if err != nil {
		r.logger.Error("policy reload rejected, keeping previous rules", zap.String("path", r.path), zap.Error(err))
		return err
	}
	r.engine.Swap(rules)
	return nil
}

// WatchFile блокируется до отмены ctx. Следим за каталогом, а не за файлом:
// редакторы часто сохраняют через rename, и watch на сам файл теряется.
func (r *Reloader) WatchFile(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("policy: failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(r.path)); err != nil {
		return fmt.Errorf("policy: failed to watch %q: %w", r.path, err)
	}
	target := filepath.Clean(r.path)

	var debounce *time.Timer
	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(reloadDebounce, func() {
					if err := r.Reload(); err == nil {
						r.logger.Info("hot-reload: policy reloaded", zap.String("path", r.path))
					}
				})
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("file watcher error", zap.Error(err))
		}
	}
}

// ListenSignals подписывается на канал обновления политик
func (r *Reloader) ListenSignals(ctx context.Context, rdb *redis.Client) {
	infra.ListenResilient(ctx, rdb, r.logger, infra.RedisChanPolicyUpdate,
		func() error { return nil }, // при переподключении перечитывать файл незачем
		func(payload string) {
			r.logger.Info("policy update signal received", zap.String("payload", payload))
			_ = r.Reload()
		},
	)
}
