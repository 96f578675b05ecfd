// Package trafficlog writes one JSON Lines record per processed
// transaction, separate from the process error log. Files rotate daily
// and on size, old files are cleaned up on a retention schedule, and a
// ring buffer keeps recent entries for the admin API.
package trafficlog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"time"
)

// Entry is one logged transaction.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"requestId"`
	Method    string    `json:"method"`
	Host      string    `json:"host"`
	Path      string    `json:"path"`
	Status    int       `json:"status"`
	Source    string    `json:"source"`
	LatencyMs int64     `json:"latencyMs"`
	Mode      string    `json:"mode"`
	UserID    string    `json:"userId,omitempty"`
	SessionID string    `json:"sessionId,omitempty"`
	Monitored bool      `json:"monitored"`
	BodySize  int       `json:"bodySize"`
}

// Config holds traffic log configuration.
type Config struct {
	// Dir is where log files live.
	Dir string
	// RetentionDays is how long files are kept (default 7).
	RetentionDays int
	// MaxFileSizeMB triggers size rotation (default 100).
	MaxFileSizeMB int
	// QueueSize bounds the async write queue (default 4096).
	QueueSize int
	// CacheSize is the recent-entries ring depth (default 500).
	CacheSize int
}

// filePattern matches traffic log filenames:
// traffic-YYYY-MM-DD.log or traffic-YYYY-MM-DD-N.log.
var filePattern = regexp.MustCompile(`^traffic-(\d{4}-\d{2}-\d{2})(?:-(\d+))?\.log$`)

// Logger is the asynchronous traffic logger. Log never blocks the
// request path; a full queue drops the entry and counts it.
type Logger struct {
	dir           string
	maxFileSize   int64
	retentionDays int

	queue chan Entry
	cache *ring

	mu            sync.Mutex
	currentFile   *os.File
	currentDate   string
	currentSize   int64
	currentSuffix int

	logger *slog.Logger
	cancel context.CancelFunc
	wg     sync.WaitGroup

	dropMu  sync.Mutex
	dropped int64
}

// New creates the traffic logger, opens today's file, runs retention
// cleanup, and starts the writer and hourly cleanup goroutines.
func New(cfg Config, logger *slog.Logger) (*Logger, error) {
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 7
	}
	if cfg.MaxFileSizeMB <= 0 {
		cfg.MaxFileSizeMB = 100
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 4096
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 500
	}
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("create traffic log directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &Logger{
		dir:           cfg.Dir,
		maxFileSize:   int64(cfg.MaxFileSizeMB) * 1024 * 1024,
		retentionDays: cfg.RetentionDays,
		queue:         make(chan Entry, cfg.QueueSize),
		cache:         newRing(cfg.CacheSize),
		logger:        logger,
		cancel:        cancel,
	}

	today := time.Now().UTC().Format("2006-01-02")
	if err := l.openCurrentLocked(today); err != nil {
		cancel()
		return nil, fmt.Errorf("open traffic log: %w", err)
	}
	l.runCleanup()

	l.wg.Add(2)
	go l.writeLoop(ctx)
	go l.cleanupLoop(ctx)
	return l, nil
}

// Log enqueues one entry. It never blocks; when the queue is full the
// oldest unwritten entry is dropped to make room, so the latest
// transaction always survives.
func (l *Logger) Log(e Entry) {
	for {
		select {
		case l.queue <- e:
			return
		default:
		}
		select {
		case <-l.queue:
			l.dropMu.Lock()
			l.dropped++
			l.dropMu.Unlock()
		default:
		}
	}
}

// Recent returns the last n entries, newest first.
func (l *Logger) Recent(n int) []Entry {
	return l.cache.recent(n)
}

// Dropped returns how many entries were discarded due to backpressure.
func (l *Logger) Dropped() int64 {
	l.dropMu.Lock()
	defer l.dropMu.Unlock()
	return l.dropped
}

// Close drains the queue, stops the goroutines, and closes the file.
func (l *Logger) Close() error {
	l.cancel()
	l.wg.Wait()

	l.mu.Lock()
	defer l.mu.Unlock()
	for {
		select {
		case e := <-l.queue:
			l.writeLocked(e)
		default:
			if l.currentFile != nil {
				_ = l.currentFile.Sync()
				err := l.currentFile.Close()
				l.currentFile = nil
				return err
			}
			return nil
		}
	}
}

func (l *Logger) writeLoop(ctx context.Context) {
	defer l.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-l.queue:
			l.mu.Lock()
			l.writeLocked(e)
			l.mu.Unlock()
		}
	}
}

func (l *Logger) writeLocked(e Entry) {
	dateStr := e.Timestamp.UTC().Format("2006-01-02")
	if dateStr != l.currentDate {
		if err := l.rotateDateLocked(dateStr); err != nil {
			l.logger.Error("traffic log date rotation failed", "error", err)
			return
		}
	}
	if l.currentSize >= l.maxFileSize {
		if err := l.rotateSizeLocked(); err != nil {
			l.logger.Error("traffic log size rotation failed", "error", err)
			return
		}
	}

	data, err := json.Marshal(e)
	if err != nil {
		l.logger.Error("traffic log marshal failed", "error", err)
		return
	}
	n, err := l.currentFile.Write(append(data, '\n'))
	if err != nil {
		l.logger.Error("traffic log write failed", "error", err)
		return
	}
	l.currentSize += int64(n)
	l.cache.add(e)
}

func (l *Logger) openCurrentLocked(dateStr string) error {
	suffix := l.findHighestSuffix(dateStr)
	f, size, err := l.openFile(dateStr, suffix)
	if err != nil {
		return err
	}
	l.currentFile = f
	l.currentDate = dateStr
	l.currentSize = size
	l.currentSuffix = suffix
	return nil
}

func (l *Logger) findHighestSuffix(dateStr string) int {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return 0
	}
	highest := 0
	for _, e := range entries {
		date, suffix, ok := parseFilename(e.Name())
		if !ok || date != dateStr {
			continue
		}
		if suffix > highest {
			highest = suffix
		}
	}
	return highest
}

func (l *Logger) openFile(dateStr string, suffix int) (*os.File, int64, error) {
	name := buildFilename(dateStr, suffix)
	path := filepath.Join(l.dir, name)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, 0, fmt.Errorf("open file %s: %w", name, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, fmt.Errorf("stat file %s: %w", name, err)
	}
	return f, info.Size(), nil
}

func (l *Logger) rotateDateLocked(dateStr string) error {
	if l.currentFile != nil {
		_ = l.currentFile.Sync()
		_ = l.currentFile.Close()
		l.currentFile = nil
	}
	l.currentSuffix = 0
	l.currentSize = 0
	l.currentDate = dateStr
	f, size, err := l.openFile(dateStr, 0)
	if err != nil {
		return err
	}
	l.currentFile = f
	l.currentSize = size
	return nil
}

func (l *Logger) rotateSizeLocked() error {
	if l.currentFile != nil {
		_ = l.currentFile.Sync()
		_ = l.currentFile.Close()
		l.currentFile = nil
	}
	l.currentSuffix++
	l.currentSize = 0
	f, size, err := l.openFile(l.currentDate, l.currentSuffix)
	if err != nil {
		return err
	}
	l.currentFile = f
	l.currentSize = size
	return nil
}

func (l *Logger) runCleanup() {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		l.logger.Error("traffic log cleanup: read directory failed", "dir", l.dir, "error", err)
		return
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -l.retentionDays)
	deleted := 0
	for _, e := range entries {
		date, _, ok := parseFilename(e.Name())
		if !ok {
			continue
		}
		fileDate, err := time.Parse("2006-01-02", date)
		if err != nil || !fileDate.Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(l.dir, e.Name())); err != nil {
			l.logger.Error("traffic log cleanup: delete failed", "file", e.Name(), "error", err)
		} else {
			deleted++
		}
	}
	if deleted > 0 {
		l.logger.Info("traffic log cleanup completed", "deleted", deleted)
	}
}

func (l *Logger) cleanupLoop(ctx context.Context) {
	defer l.wg.Done()
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.runCleanup()
		}
	}
}

func parseFilename(name string) (date string, suffix int, ok bool) {
	m := filePattern.FindStringSubmatch(name)
	if m == nil {
		return "", 0, false
	}
	date = m[1]
	if m[2] != "" {
		n, err := strconv.Atoi(m[2])
		if err != nil {
			return "", 0, false
		}
		suffix = n
	}
	return date, suffix, true
}

func buildFilename(dateStr string, suffix int) string {
	if suffix == 0 {
		return fmt.Sprintf("traffic-%s.log", dateStr)
	}
	return fmt.Sprintf("traffic-%s-%d.log", dateStr, suffix)
}

// ring is a fixed-size buffer of recent entries.
type ring struct {
	entries []Entry
	size    int
	head    int
	count   int
	mu      sync.RWMutex
}

func newRing(size int) *ring {
	return &ring{entries: make([]Entry, size), size: size}
}

func (r *ring) add(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[r.head] = e
	r.head = (r.head + 1) % r.size
	if r.count < r.size {
		r.count++
	}
}

func (r *ring) recent(n int) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if n <= 0 || r.count == 0 {
		return nil
	}
	if n > r.count {
		n = r.count
	}
	out := make([]Entry, n)
	for i := 0; i < n; i++ {
		out[i] = r.entries[(r.head-1-i+r.size)%r.size]
	}
	return out
}
