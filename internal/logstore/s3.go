package logstore

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const (
	flushSize     = 256 * 1024       // flush buffer when exceeded
	flushInterval = 30 * time.Second // flush stale buffers every 30s
	flushLoopTick = 5 * time.Second  // check for stale buffers every 5s
)

// S3Config configures the S3-compatible log store. Endpoint is optional;
// when empty the AWS default resolver is used, so this also works against
// a real AWS S3 bucket, not only an S3-compatible object store.
type S3Config struct {
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
}

// S3LogStore stores logs in an S3-compatible object store, for deployments
// that want log artifacts off the orchestrator's local disk.
type S3LogStore struct {
	client  *s3.Client
	bucket  string
	buffers map[string]*jobBuffer
	mu      sync.RWMutex
	log     *slog.Logger

	done chan struct{}
	wg   sync.WaitGroup
}

type jobBuffer struct {
	entries   []LogEntry
	size      int
	lastFlush time.Time
	chunkIdx  int
	mu        sync.Mutex
}

// NewS3LogStore creates a new S3-backed log store.
func NewS3LogStore(cfg S3Config, log *slog.Logger) (*S3LogStore, error) {
	if log == nil {
		log = slog.Default()
	}
	region := cfg.Region
	if region == "" {
		region = "auto"
	}

	awsCfg, err := config.LoadDefaultConfig(context.Background(),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.SecretAccessKey, "",
		)),
		config.WithRegion(region),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	store := &S3LogStore{
		client:  client,
		bucket:  cfg.Bucket,
		buffers: make(map[string]*jobBuffer),
		log:     log,
		done:    make(chan struct{}),
	}
	store.wg.Add(1)
	go store.flushLoop()
	return store, nil
}

func (s *S3LogStore) flushLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(flushLoopTick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.flushStale()
		case <-s.done:
			return
		}
	}
}

func (s *S3LogStore) flushStale() {
	s.mu.RLock()
	var staleJobs []string
	now := time.Now()
	for jobID, buf := range s.buffers {
		buf.mu.Lock()
		if now.Sub(buf.lastFlush) > flushInterval && len(buf.entries) > 0 {
			staleJobs = append(staleJobs, jobID)
		}
		buf.mu.Unlock()
	}
	s.mu.RUnlock()

	for _, jobID := range staleJobs {
		if err := s.flush(context.Background(), jobID); err != nil {
			s.log.Warn("failed to flush stale buffer", "job_id", jobID, "error", err)
		}
	}
}

func (s *S3LogStore) AppendChunk(ctx context.Context, jobID, stream string, data []byte) error {
	entry := LogEntry{Time: time.Now(), Stream: stream, Data: string(data)}

	s.mu.Lock()
	buf, ok := s.buffers[jobID]
	if !ok {
		buf = &jobBuffer{lastFlush: time.Now()}
		s.buffers[jobID] = buf
	}
	s.mu.Unlock()

	buf.mu.Lock()
	buf.entries = append(buf.entries, entry)
	buf.size += len(data) + 50
	shouldFlush := buf.size >= flushSize
	buf.mu.Unlock()

	if shouldFlush {
		return s.flush(ctx, jobID)
	}
	return nil
}

func (s *S3LogStore) flush(ctx context.Context, jobID string) error {
	s.mu.RLock()
	buf, ok := s.buffers[jobID]
	s.mu.RUnlock()
	if !ok {
		return nil
	}

	buf.mu.Lock()
	if len(buf.entries) == 0 {
		buf.mu.Unlock()
		return nil
	}
	entries := buf.entries
	chunkIdx := buf.chunkIdx
	buf.entries = nil
	buf.size = 0
	buf.chunkIdx++
	buf.lastFlush = time.Now()
	buf.mu.Unlock()

	var content bytes.Buffer
	for _, e := range entries {
		data, _ := json.Marshal(e)
		content.Write(data)
		content.WriteByte('\n')
	}

	key := fmt.Sprintf("logs/%s/chunk_%03d.log", jobID, chunkIdx)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(content.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		s.log.Error("failed to upload chunk", "job_id", jobID, "chunk", chunkIdx, "error", err)
		return fmt.Errorf("upload chunk: %w", err)
	}

	s.log.Debug("flushed log chunk", "job_id", jobID, "chunk", chunkIdx, "size", content.Len())
	return nil
}

// Finalize flushes remaining buffers, concatenates chunks into final.log
// (gzip-compressed), and deletes the chunk objects.
func (s *S3LogStore) Finalize(ctx context.Context, jobID string) error {
	if err := s.flush(ctx, jobID); err != nil {
		return err
	}

	s.mu.Lock()
	buf, ok := s.buffers[jobID]
	var chunkCount int
	if ok {
		buf.mu.Lock()
		chunkCount = buf.chunkIdx
		buf.mu.Unlock()
		delete(s.buffers, jobID)
	}
	s.mu.Unlock()

	if chunkCount == 0 {
		return nil
	}

	var rawContent bytes.Buffer
	for i := 0; i < chunkCount; i++ {
		key := fmt.Sprintf("logs/%s/chunk_%03d.log", jobID, i)
		resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
		if err != nil {
			s.log.Warn("failed to read chunk during finalize", "job_id", jobID, "chunk", i, "error", err)
			continue
		}
		_, _ = io.Copy(&rawContent, resp.Body)
		resp.Body.Close()
	}

	var compressed bytes.Buffer
	gw := gzip.NewWriter(&compressed)
	if _, err := gw.Write(rawContent.Bytes()); err != nil {
		return fmt.Errorf("gzip compress: %w", err)
	}
	if err := gw.Close(); err != nil {
		return fmt.Errorf("gzip close: %w", err)
	}

	finalKey := fmt.Sprintf("logs/%s/final.log", jobID)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(finalKey),
		Body:            bytes.NewReader(compressed.Bytes()),
		ContentType:     aws.String("application/x-ndjson"),
		ContentEncoding: aws.String("gzip"),
	})
	if err != nil {
		return fmt.Errorf("upload final.log: %w", err)
	}

	for i := 0; i < chunkCount; i++ {
		key := fmt.Sprintf("logs/%s/chunk_%03d.log", jobID, i)
		_, _ = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	}

	s.log.Debug("finalized job logs", "job_id", jobID, "chunks", chunkCount,
		"raw_size", rawContent.Len(), "compressed_size", compressed.Len())
	return nil
}

func (s *S3LogStore) GetLogs(ctx context.Context, jobID string) (io.ReadCloser, error) {
	finalKey := fmt.Sprintf("logs/%s/final.log", jobID)
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(finalKey)})
	if err == nil {
		if resp.ContentEncoding != nil && *resp.ContentEncoding == "gzip" {
			gr, err := gzip.NewReader(resp.Body)
			if err != nil {
				resp.Body.Close()
				return nil, fmt.Errorf("gzip reader: %w", err)
			}
			return &gzipReadCloser{gr: gr, underlying: resp.Body}, nil
		}
		return resp.Body, nil
	}

	prefix := fmt.Sprintf("logs/%s/chunk_", jobID)
	listResp, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{Bucket: aws.String(s.bucket), Prefix: aws.String(prefix)})
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}

	if len(listResp.Contents) == 0 {
		s.mu.RLock()
		buf, ok := s.buffers[jobID]
		s.mu.RUnlock()
		if !ok || len(buf.entries) == 0 {
			return io.NopCloser(strings.NewReader("")), nil
		}
		buf.mu.Lock()
		var content bytes.Buffer
		for _, e := range buf.entries {
			data, _ := json.Marshal(e)
			content.Write(data)
			content.WriteByte('\n')
		}
		buf.mu.Unlock()
		return io.NopCloser(&content), nil
	}

	sort.Slice(listResp.Contents, func(i, j int) bool {
		return *listResp.Contents[i].Key < *listResp.Contents[j].Key
	})

	var content bytes.Buffer
	for _, obj := range listResp.Contents {
		resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: obj.Key})
		if err != nil {
			s.log.Warn("failed to read chunk", "key", *obj.Key, "error", err)
			continue
		}
		_, _ = io.Copy(&content, resp.Body)
		resp.Body.Close()
	}

	s.mu.RLock()
	buf, ok := s.buffers[jobID]
	s.mu.RUnlock()
	if ok {
		buf.mu.Lock()
		for _, e := range buf.entries {
			data, _ := json.Marshal(e)
			content.Write(data)
			content.WriteByte('\n')
		}
		buf.mu.Unlock()
	}

	return io.NopCloser(&content), nil
}

func (s *S3LogStore) Delete(ctx context.Context, jobID string) error {
	s.mu.Lock()
	delete(s.buffers, jobID)
	s.mu.Unlock()

	prefix := fmt.Sprintf("logs/%s/", jobID)
	listResp, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{Bucket: aws.String(s.bucket), Prefix: aws.String(prefix)})
	if err != nil {
		return fmt.Errorf("list objects: %w", err)
	}
	for _, obj := range listResp.Contents {
		if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(s.bucket), Key: obj.Key}); err != nil {
			s.log.Warn("failed to delete log object", "key", *obj.Key, "error", err)
		}
	}
	return nil
}

func (s *S3LogStore) Close() error {
	close(s.done)
	s.wg.Wait()
	return nil
}

type gzipReadCloser struct {
	gr         *gzip.Reader
	underlying io.ReadCloser
}

func (g *gzipReadCloser) Read(p []byte) (int, error) { return g.gr.Read(p) }
func (g *gzipReadCloser) Close() error {
	g.gr.Close()
	return g.underlying.Close()
}
