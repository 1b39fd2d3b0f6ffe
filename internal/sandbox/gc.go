package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/coworkd/internal/config"
)

// mediaGCSchedule runs the sweep once a day, off-peak.
const mediaGCSchedule = "0 3 * * *"

// RunMediaGC sweeps stale sandbox media daily until ctx is cancelled.
// Files older than the configured retention (default 7 days) are removed.
func (m *Manager) RunMediaGC(ctx context.Context) {
	g := gronx.New()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			due, err := g.IsDue(mediaGCSchedule, time.Now())
			if err != nil || !due {
				continue
			}
			m.gcMu.Lock()
			recent := time.Since(m.lastGC) < mediaGCMinInterval
			if !recent {
				m.lastGC = time.Now()
			}
			m.gcMu.Unlock()
			if recent {
				continue
			}
			m.sweepMedia()
		}
	}
}

func (m *Manager) sweepMedia() {
	days := m.cfg.MediaGCDays
	if days <= 0 {
		days = 7
	}
	cutoff := time.Now().AddDate(0, 0, -days)

	base := m.ipcBase()
	entries, err := os.ReadDir(base)
	if err != nil {
		return
	}

	removed := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		media := filepath.Join(base, e.Name(), mediaDir)
		filepath.WalkDir(media, func(path string, d os.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return nil
			}
			info, err := d.Info()
			if err == nil && info.ModTime().Before(cutoff) {
				if os.Remove(path) == nil {
					removed++
				}
			}
			return nil
		})
	}
	if removed > 0 {
		m.log.Info("sandbox.media.gc", "removed", removed, "cutoff", cutoff.Format(time.RFC3339))
	}
}

func (m *Manager) ipcBase() string {
	base := config.ExpandHome(m.cfg.IPCDir)
	if base == "" {
		return filepath.Join(os.TempDir(), "coworkd-sandbox")
	}
	return base
}
