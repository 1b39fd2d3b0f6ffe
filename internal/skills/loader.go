package skills

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces bursts of file events into one reload.
const reloadDebounce = 500 * time.Millisecond

// Loader holds the loaded skill set and reloads it when the library
// directory changes on disk.
type Loader struct {
	dir string
	log *slog.Logger

	mu     sync.RWMutex
	skills map[string]*Skill
}

func NewLoader(dir string, log *slog.Logger) *Loader {
	return &Loader{
		dir:    dir,
		log:    log,
		skills: make(map[string]*Skill),
	}
}

// Load scans the library directory. Individual broken skills are logged
// and skipped.
func (l *Loader) Load() {
	if l.dir == "" {
		return
	}
	loaded, errs := scanDir(l.dir)
	for _, err := range errs {
		l.log.Warn("skills.load", "err", err)
	}

	l.mu.Lock()
	l.skills = loaded
	l.mu.Unlock()
	l.log.Info("skills.loaded", "dir", l.dir, "count", len(loaded))
}

// List returns the loaded skills.
func (l *Loader) List() []*Skill {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Skill, 0, len(l.skills))
	for _, s := range l.skills {
		out = append(out, s)
	}
	return out
}

// Get returns one skill by id.
func (l *Loader) Get(id string) (*Skill, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s, ok := l.skills[id]
	return s, ok
}

// RoutingBlock renders the auto-routing prompt section for the current set.
func (l *Loader) RoutingBlock() string {
	return RoutingBlock(l.List())
}

// Watch reloads the library on filesystem changes until ctx is cancelled.
func (l *Loader) Watch(ctx context.Context) error {
	if l.dir == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.Add(l.dir); err != nil {
		return err
	}

	var timer *time.Timer
	reload := make(chan struct{}, 1)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDebounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			l.log.Warn("skills.watch", "err", err)
		case <-reload:
			l.Load()
		}
	}
}
