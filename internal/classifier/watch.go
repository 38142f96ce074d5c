package classifier

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce batches the bursts of events editors emit on save.
const reloadDebounce = 250 * time.Millisecond

// Watch reloads the lexicon from path whenever the file changes and blocks
// until ctx is cancelled. The parent directory is watched so atomic
// rename-on-save is picked up. A file that fails to parse leaves the
// previous vocabulary in place.
func (c *Classifier) Watch(ctx context.Context, path string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating lexicon watcher: %w", err)
	}
	defer w.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolving lexicon path: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watching lexicon directory: %w", err)
	}
	c.logger.Info("watching lexicon file", "path", abs)

	var (
		timer  *time.Timer
		reload <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
			} else {
				timer.Reset(reloadDebounce)
			}
			reload = timer.C

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			c.logger.Error("lexicon watcher error", "error", err)

		case <-reload:
			reload = nil
			lex, err := LoadLexicon(abs)
			if err != nil {
				c.logger.Error("reloading lexicon, keeping previous", "error", err)
				continue
			}
			c.SetLexicon(lex)
			c.logger.Info("lexicon reloaded", "path", abs)
		}
	}
}
