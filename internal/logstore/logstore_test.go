package logstore_test

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dispatchd/dispatchd/internal/logstore"
)

func TestFilesystemLogStore_Compression(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "logstore-test-*")
	if err != nil {
		t.Fatalf("MkdirTemp failed: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	ls, err := logstore.NewFilesystemLogStore(tmpDir, nil)
	if err != nil {
		t.Fatalf("NewFilesystemLogStore failed: %v", err)
	}
	defer ls.Close()

	ctx := context.Background()
	jobID := "test-job-gzip"

	testData := strings.Repeat("This is a test log line that should compress well!\n", 100)
	if err := ls.AppendChunk(ctx, jobID, "stdout", []byte(testData)); err != nil {
		t.Fatalf("AppendChunk failed: %v", err)
	}

	uncompressedPath := filepath.Join(tmpDir, jobID+".log")
	if _, err := os.Stat(uncompressedPath); os.IsNotExist(err) {
		t.Fatalf("uncompressed file should exist before finalize")
	}

	if err := ls.Finalize(ctx, jobID); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}

	compressedPath := filepath.Join(tmpDir, jobID+".log.gz")
	if _, err := os.Stat(compressedPath); os.IsNotExist(err) {
		t.Fatalf("compressed file should exist after finalize")
	}
	if _, err := os.Stat(uncompressedPath); !os.IsNotExist(err) {
		t.Fatalf("uncompressed file should be deleted after finalize")
	}

	reader, err := ls.GetLogs(ctx, jobID)
	if err != nil {
		t.Fatalf("GetLogs failed: %v", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 1 {
		t.Errorf("expected 1 entry, got %d", len(lines))
	}

	var entry logstore.LogEntry
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if entry.Data != testData {
		t.Errorf("data mismatch: got %d bytes, want %d bytes", len(entry.Data), len(testData))
	}
	if entry.Stream != "stdout" {
		t.Errorf("stream mismatch: got %q, want %q", entry.Stream, "stdout")
	}
}

func TestFilesystemLogStore_DeleteRemovesBothForms(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "logstore-test-*")
	if err != nil {
		t.Fatalf("MkdirTemp failed: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	ls, err := logstore.NewFilesystemLogStore(tmpDir, nil)
	if err != nil {
		t.Fatalf("NewFilesystemLogStore failed: %v", err)
	}
	defer ls.Close()

	ctx := context.Background()
	jobID := "test-job-delete"

	if err := ls.AppendChunk(ctx, jobID, "stdout", []byte("line\n")); err != nil {
		t.Fatalf("AppendChunk failed: %v", err)
	}
	if err := ls.Finalize(ctx, jobID); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	if err := ls.Delete(ctx, jobID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	for _, ext := range []string{".log", ".log.gz"} {
		if _, err := os.Stat(filepath.Join(tmpDir, jobID+ext)); !os.IsNotExist(err) {
			t.Errorf("expected %s to be removed after Delete", ext)
		}
	}
}

func TestLogEntry_JSON(t *testing.T) {
	entry := logstore.LogEntry{
		Time:   time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
		Stream: "stdout",
		Data:   "test output\n",
	}

	data, err := json.Marshal(entry)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	if !strings.Contains(string(data), `"t":`) {
		t.Errorf("expected short field name 't', got: %s", data)
	}
	if !strings.Contains(string(data), `"s":`) {
		t.Errorf("expected short field name 's', got: %s", data)
	}
	if !strings.Contains(string(data), `"d":`) {
		t.Errorf("expected short field name 'd', got: %s", data)
	}

	var decoded logstore.LogEntry
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if decoded.Stream != "stdout" {
		t.Errorf("got %q, want %q", decoded.Stream, "stdout")
	}
	if decoded.Data != "test output\n" {
		t.Errorf("got %q, want %q", decoded.Data, "test output\n")
	}
}
