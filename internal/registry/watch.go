// Copyright 2026 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package registry

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tombee/switchboard/internal/log"
)

// Watch starts hot reloading: manifest create/write/remove events are
// debounced, then Reload runs. Blocks until ctx is cancelled when
// started directly; typically run in its own goroutine.
func (r *Registry) Watch(ctx context.Context, debounce time.Duration) error {
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create manifest watcher: %w", err)
	}
	if err := fsw.Add(r.opts.Dir); err != nil {
		fsw.Close()
		return fmt.Errorf("watch connectors dir %s: %w", r.opts.Dir, err)
	}

	w := &watcher{
		fsw:      fsw,
		debounce: debounce,
		reload: func() {
			if err := r.Reload(); err != nil {
				r.logger.Error("manifest reload failed", log.Error(err))
			}
		},
	}
	r.watcher = w

	r.logger.Info("watching connector manifests",
		log.String("dir", r.opts.Dir),
		log.Duration("debounce_ms", debounce.Milliseconds()))
	w.run(ctx)
	return nil
}

// watcher coalesces bursts of filesystem events into one reload.
type watcher struct {
	fsw      *fsnotify.Watcher
	debounce time.Duration
	reload   func()

	mu    sync.Mutex
	timer *time.Timer
}

func (w *watcher) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.stopTimer()
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !isManifestEvent(event) {
				continue
			}
			w.schedule()
		case _, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
		}
	}
}

func isManifestEvent(event fsnotify.Event) bool {
	if !strings.EqualFold(filepath.Ext(event.Name), ".json") {
		return false
	}
	return event.Op.Has(fsnotify.Create) || event.Op.Has(fsnotify.Write) ||
		event.Op.Has(fsnotify.Remove) || event.Op.Has(fsnotify.Rename)
}

// schedule resets the debounce timer; the reload fires once the
// events stop arriving for a full window.
func (w *watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *watcher) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

func (w *watcher) stop() error {
	w.stopTimer()
	return w.fsw.Close()
}
