package logstore

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// FilesystemLogStore stores logs as files on disk, keyed by job id. Each job
// gets one file: {logDir}/{jobID}.log in NDJSON format while the job is
// running, compressed to {jobID}.log.gz on Finalize.
type FilesystemLogStore struct {
	logDir string
	log    *slog.Logger

	mu    sync.Mutex
	files map[string]*os.File
}

// NewFilesystemLogStore creates a filesystem-backed log store rooted at logDir.
func NewFilesystemLogStore(logDir string, log *slog.Logger) (*FilesystemLogStore, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	return &FilesystemLogStore{
		logDir: logDir,
		log:    log,
		files:  make(map[string]*os.File),
	}, nil
}

// DefaultLogDir returns the default log artifact root.
func DefaultLogDir() string {
	if dataDir := os.Getenv("DISPATCHD_DATA_DIR"); dataDir != "" {
		return filepath.Join(dataDir, "logs")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "logs"
	}
	return filepath.Join(home, ".dispatchd", "logs")
}

func (s *FilesystemLogStore) AppendChunk(ctx context.Context, jobID, stream string, data []byte) error {
	f, err := s.getOrCreateFile(jobID)
	if err != nil {
		return err
	}

	entry := LogEntry{Time: time.Now(), Stream: stream, Data: string(data)}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal log entry: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("write log entry: %w", err)
	}
	if _, err := f.Write([]byte("\n")); err != nil {
		return fmt.Errorf("write newline: %w", err)
	}
	return nil
}

func (s *FilesystemLogStore) getOrCreateFile(jobID string) (*os.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if f, ok := s.files[jobID]; ok {
		return f, nil
	}

	path := filepath.Join(s.logDir, jobID+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	s.files[jobID] = f
	return f, nil
}

// Finalize closes the file handle and compresses the log file.
func (s *FilesystemLogStore) Finalize(ctx context.Context, jobID string) error {
	s.mu.Lock()
	if f, ok := s.files[jobID]; ok {
		if err := f.Sync(); err != nil {
			s.log.Warn("failed to sync log file", "job_id", jobID, "error", err)
		}
		if err := f.Close(); err != nil {
			s.log.Warn("failed to close log file", "job_id", jobID, "error", err)
		}
		delete(s.files, jobID)
	}
	s.mu.Unlock()

	srcPath := filepath.Join(s.logDir, jobID+".log")
	dstPath := filepath.Join(s.logDir, jobID+".log.gz")

	raw, err := os.ReadFile(srcPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read log file: %w", err)
	}

	var compressed bytes.Buffer
	gw := gzip.NewWriter(&compressed)
	if _, err := gw.Write(raw); err != nil {
		return fmt.Errorf("gzip compress: %w", err)
	}
	if err := gw.Close(); err != nil {
		return fmt.Errorf("gzip close: %w", err)
	}

	if err := os.WriteFile(dstPath, compressed.Bytes(), 0644); err != nil {
		return fmt.Errorf("write compressed log: %w", err)
	}
	if err := os.Remove(srcPath); err != nil {
		s.log.Warn("failed to remove uncompressed log", "job_id", jobID, "error", err)
	}

	s.log.Debug("compressed job logs", "job_id", jobID,
		"raw_size", humanize.Bytes(uint64(len(raw))),
		"compressed_size", humanize.Bytes(uint64(compressed.Len())))
	return nil
}

// GetLogs returns the log file as a streaming reader. Tries the compressed
// form first, then the uncompressed form for in-progress jobs.
func (s *FilesystemLogStore) GetLogs(ctx context.Context, jobID string) (io.ReadCloser, error) {
	gzPath := filepath.Join(s.logDir, jobID+".log.gz")
	if f, err := os.Open(gzPath); err == nil {
		gr, err := gzip.NewReader(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("gzip reader: %w", err)
		}
		return &fsGzipReadCloser{gr: gr, file: f}, nil
	}

	path := filepath.Join(s.logDir, jobID+".log")
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return io.NopCloser(&emptyReader{}), nil
		}
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return f, nil
}

type fsGzipReadCloser struct {
	gr   *gzip.Reader
	file *os.File
}

func (g *fsGzipReadCloser) Read(p []byte) (int, error) { return g.gr.Read(p) }
func (g *fsGzipReadCloser) Close() error {
	g.gr.Close()
	return g.file.Close()
}

func (s *FilesystemLogStore) Delete(ctx context.Context, jobID string) error {
	s.mu.Lock()
	if f, ok := s.files[jobID]; ok {
		f.Close()
		delete(s.files, jobID)
	}
	s.mu.Unlock()

	for _, ext := range []string{".log", ".log.gz"} {
		path := filepath.Join(s.logDir, jobID+ext)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove log file: %w", err)
		}
	}
	return nil
}

func (s *FilesystemLogStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for jobID, f := range s.files {
		if err := f.Close(); err != nil {
			s.log.Warn("failed to close log file", "job_id", jobID, "error", err)
		}
	}
	s.files = make(map[string]*os.File)
	return nil
}

type emptyReader struct{}

func (e *emptyReader) Read(p []byte) (n int, err error) { return 0, io.EOF }
