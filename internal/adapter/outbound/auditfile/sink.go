// Package auditfile ships audit records to JSON Lines files with daily
// rotation, size caps, and retention cleanup, for consumption by an
// external log aggregator.
package auditfile

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gitops-gate/gitopsgate/internal/domain/audit"
)

// filePattern matches shipped audit filenames:
// audit-YYYY-MM-DD.log or audit-YYYY-MM-DD-N.log
var filePattern = regexp.MustCompile(`^audit-(\d{4}-\d{2}-\d{2})(?:-(\d+))?\.log$`)

// fileInfo holds parsed information about an audit file on disk.
type fileInfo struct {
	name   string
	date   string
	suffix int
}

// parseFilename parses an audit filename into its components.
func parseFilename(name string) (fileInfo, bool) {
	matches := filePattern.FindStringSubmatch(name)
	if matches == nil {
		return fileInfo{}, false
	}

	info := fileInfo{name: name, date: matches[1]}
	if matches[2] != "" {
		n, err := strconv.Atoi(matches[2])
		if err != nil {
			return fileInfo{}, false
		}
		info.suffix = n
	}
	return info, true
}

// sortFiles orders audit files chronologically (date, then suffix).
func sortFiles(files []fileInfo) {
	sort.Slice(files, func(i, j int) bool {
		if files[i].date != files[j].date {
			return files[i].date < files[j].date
		}
		return files[i].suffix < files[j].suffix
	})
}

// Config holds configuration for the file sink.
type Config struct {
	// Dir is the directory where audit files are written.
	Dir string
	// RetentionDays is how many days of files to keep (default 7).
	RetentionDays int
	// MaxFileSizeMB is the size cap per file before rotation (default 100).
	MaxFileSizeMB int
}

// Sink implements audit.Sink with file rotation and retention cleanup.
type Sink struct {
	dir           string
	maxFileSize   int64
	retentionDays int
	currentFile   *os.File
	currentDate   string
	currentSize   int64
	currentSuffix int
	mu            sync.Mutex
	logger        *slog.Logger
	cancel        context.CancelFunc
	closed        bool
}

// NewSink creates a file sink. It creates the directory if missing, opens
// today's file, runs retention cleanup, and starts the hourly cleanup loop.
func NewSink(cfg Config, logger *slog.Logger) (*Sink, error) {
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 7
	}
	if cfg.MaxFileSizeMB <= 0 {
		cfg.MaxFileSizeMB = 100
	}

	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Sink{
		dir:           cfg.Dir,
		maxFileSize:   int64(cfg.MaxFileSizeMB) * 1024 * 1024,
		retentionDays: cfg.RetentionDays,
		logger:        logger,
		cancel:        cancel,
	}

	today := time.Now().UTC().Format("2006-01-02")
	if err := s.openCurrentFile(today); err != nil {
		cancel()
		return nil, fmt.Errorf("open audit file: %w", err)
	}

	s.runCleanup()
	go s.cleanupLoop(ctx)

	return s, nil
}

// Write appends records as JSON Lines, rotating on date and size boundaries.
func (s *Sink) Write(_ context.Context, records ...audit.Record) error {
	if len(records) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range records {
		dateStr := rec.Timestamp.UTC().Format("2006-01-02")
		if dateStr != s.currentDate {
			if err := s.rotateDateLocked(dateStr); err != nil {
				return fmt.Errorf("date rotation: %w", err)
			}
		}
		if s.currentSize >= s.maxFileSize {
			if err := s.rotateSizeLocked(); err != nil {
				return fmt.Errorf("size rotation: %w", err)
			}
		}

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal audit record: %w", err)
		}
		line := append(data, '\n')
		n, err := s.currentFile.Write(line)
		if err != nil {
			return fmt.Errorf("write audit record: %w", err)
		}
		s.currentSize += int64(n)
	}

	return nil
}

// Flush syncs the current file to disk.
func (s *Sink) Flush(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.currentFile != nil {
		return s.currentFile.Sync()
	}
	return nil
}

// Close stops the cleanup loop and closes the current file.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.cancel()

	if s.currentFile != nil {
		_ = s.currentFile.Sync()
		err := s.currentFile.Close()
		s.currentFile = nil
		return err
	}
	return nil
}

// openCurrentFile opens or creates the file for the given date, resuming
// the highest existing suffix so restarts append rather than overwrite.
func (s *Sink) openCurrentFile(dateStr string) error {
	suffix := s.findHighestSuffix(dateStr)

	f, size, err := s.openFile(dateStr, suffix)
	if err != nil {
		return err
	}

	s.currentFile = f
	s.currentDate = dateStr
	s.currentSize = size
	s.currentSuffix = suffix
	return nil
}

// findHighestSuffix returns the highest existing suffix for a date, or 0.
func (s *Sink) findHighestSuffix(dateStr string) int {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0
	}

	highest := 0
	for _, e := range entries {
		info, ok := parseFilename(e.Name())
		if !ok || info.date != dateStr {
			continue
		}
		if info.suffix > highest {
			highest = info.suffix
		}
	}
	return highest
}

// openFile opens an audit file, returning the handle and its current size.
func (s *Sink) openFile(dateStr string, suffix int) (*os.File, int64, error) {
	filename := buildFilename(dateStr, suffix)
	path := filepath.Join(s.dir, filename)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, 0, fmt.Errorf("open file %s: %w", filename, err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, fmt.Errorf("stat file %s: %w", filename, err)
	}
	return f, info.Size(), nil
}

// buildFilename constructs the audit filename for a date and suffix.
func buildFilename(dateStr string, suffix int) string {
	if suffix == 0 {
		return fmt.Sprintf("audit-%s.log", dateStr)
	}
	return fmt.Sprintf("audit-%s-%d.log", dateStr, suffix)
}

// rotateDateLocked switches to a new file for the given date.
// Must be called with s.mu held.
func (s *Sink) rotateDateLocked(dateStr string) error {
	if s.currentFile != nil {
		_ = s.currentFile.Sync()
		_ = s.currentFile.Close()
		s.currentFile = nil
	}

	s.currentSuffix = 0
	s.currentSize = 0
	s.currentDate = dateStr

	f, size, err := s.openFile(dateStr, 0)
	if err != nil {
		return err
	}
	s.currentFile = f
	s.currentSize = size
	return nil
}

// rotateSizeLocked switches to a new file with an incremented suffix.
// Must be called with s.mu held.
func (s *Sink) rotateSizeLocked() error {
	if s.currentFile != nil {
		_ = s.currentFile.Sync()
		_ = s.currentFile.Close()
		s.currentFile = nil
	}

	s.currentSuffix++
	s.currentSize = 0

	f, size, err := s.openFile(s.currentDate, s.currentSuffix)
	if err != nil {
		return err
	}
	s.currentFile = f
	s.currentSize = size
	return nil
}

// runCleanup deletes audit files older than the retention period.
func (s *Sink) runCleanup() {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.logger.Error("audit cleanup: failed to read directory", "dir", s.dir, "error", err)
		return
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -s.retentionDays)
	deleted := 0

	for _, e := range entries {
		info, ok := parseFilename(e.Name())
		if !ok {
			continue
		}
		fileDate, err := time.Parse("2006-01-02", info.date)
		if err != nil {
			continue
		}
		if fileDate.Before(cutoff) {
			path := filepath.Join(s.dir, e.Name())
			if err := os.Remove(path); err != nil {
				s.logger.Error("audit cleanup: failed to delete file", "file", e.Name(), "error", err)
			} else {
				deleted++
			}
		}
	}

	if deleted > 0 {
		s.logger.Info("audit cleanup completed", "deleted", deleted)
	}
}

// cleanupLoop runs retention cleanup every hour until ctx is cancelled.
func (s *Sink) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runCleanup()
		}
	}
}

// Compile-time interface verification.
var _ audit.Sink = (*Sink)(nil)
