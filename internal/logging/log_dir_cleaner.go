package logging

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

const logPruneInterval = time.Minute

var stopLogPruner context.CancelFunc

// startLogPrunerLocked keeps logDir below maxTotalSizeMB by deleting the
// oldest rotated files. activeFile is never removed. Callers hold writerMu.
func startLogPrunerLocked(logDir string, maxTotalSizeMB int, activeFile string) {
	stopLogPrunerLocked()

	dir := strings.TrimSpace(logDir)
	if maxTotalSizeMB <= 0 || dir == "" {
		return
	}
	maxBytes := int64(maxTotalSizeMB) << 20

	ctx, cancel := context.WithCancel(context.Background())
	stopLogPruner = cancel
	go func() {
		ticker := time.NewTicker(logPruneInterval)
		defer ticker.Stop()
		for {
			if removed, err := pruneLogDir(filepath.Clean(dir), maxBytes, activeFile); err != nil {
				log.WithError(err).Warn("logging: failed to prune log directory")
			} else if removed > 0 {
				log.Debugf("logging: pruned %d old log file(s)", removed)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func stopLogPrunerLocked() {
	if stopLogPruner != nil {
		stopLogPruner()
		stopLogPruner = nil
	}
}

type logFileInfo struct {
	path    string
	size    int64
	modTime time.Time
}

// pruneLogDir removes the oldest *.log and *.log.gz files in dir until the
// total size is at most maxBytes. It returns how many files were removed.
func pruneLogDir(dir string, maxBytes int64, activeFile string) (int, error) {
	if maxBytes <= 0 || dir == "" {
		return 0, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	var (
		files []logFileInfo
		total int64
	)
	for _, entry := range entries {
		if entry.IsDir() || !isLogFileName(entry.Name()) {
			continue
		}
		info, errInfo := entry.Info()
		if errInfo != nil || !info.Mode().IsRegular() {
			continue
		}
		files = append(files, logFileInfo{path: filepath.Join(dir, entry.Name()), size: info.Size(), modTime: info.ModTime()})
		total += info.Size()
	}
	if total <= maxBytes {
		return 0, nil
	}

	slices.SortFunc(files, func(a, b logFileInfo) int { return a.modTime.Compare(b.modTime) })

	active := ""
	if strings.TrimSpace(activeFile) != "" {
		active = filepath.Clean(activeFile)
	}
	removed := 0
	for _, f := range files {
		if total <= maxBytes {
			break
		}
		if f.path == active {
			continue
		}
		if err = os.Remove(f.path); err != nil {
			log.WithError(err).Warnf("logging: failed to remove %s", filepath.Base(f.path))
			continue
		}
		total -= f.size
		removed++
	}
	return removed, nil
}

func isLogFileName(name string) bool {
	lower := strings.ToLower(strings.TrimSpace(name))
	return strings.HasSuffix(lower, ".log") || strings.HasSuffix(lower, ".log.gz")
}
