package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"ai_routing/internal/models"
	"ai_routing/internal/utils"
)

// ObjectPutter is the slice of the S3 client the exporter uses
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// ExportConfig configures the S3 usage export
type ExportConfig struct {
	Bucket        string
	Region        string
	Prefix        string
	PodName       string
	BufferSize    int
	FlushSize     int
	FlushInterval time.Duration
}

// S3Exporter batches usage records into JSON Lines objects under
// <prefix>yyyy/mm/dd/<pod>-<timestamp>-<nanos>.jsonl. Export never blocks
// dispatch: when the buffer is full the record is dropped from the export
// and only lives in the ledger.
type S3Exporter struct {
	client ObjectPutter
	cfg    ExportConfig
	logger *utils.Logger
	now    func() time.Time

	records chan *models.UsageRecord
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once

	mu      sync.Mutex
	dropped int64
}

// NewS3Exporter creates an exporter using the default AWS credential chain
func NewS3Exporter(ctx context.Context, cfg ExportConfig) (*S3Exporter, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewS3ExporterWithClient(s3.NewFromConfig(awsCfg), cfg), nil
}

// NewS3ExporterWithClient creates an exporter over an existing client
func NewS3ExporterWithClient(client ObjectPutter, cfg ExportConfig) *S3Exporter {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 10000
	}
	if cfg.FlushSize <= 0 {
		cfg.FlushSize = 1000
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Minute
	}
	return &S3Exporter{
		client:  client,
		cfg:     cfg,
		logger:  utils.NewLogger("usage-export"),
		now:     func() time.Time { return time.Now().UTC() },
		records: make(chan *models.UsageRecord, cfg.BufferSize),
		done:    make(chan struct{}),
	}
}

// Start runs the flush loop
func (e *S3Exporter) Start() {
	e.wg.Add(1)
	go e.run()
}

// Export buffers rec for the next object
func (e *S3Exporter) Export(rec *models.UsageRecord) {
	select {
	case e.records <- rec:
	default:
		e.mu.Lock()
		e.dropped++
		e.mu.Unlock()
	}
}

// Dropped returns how many records did not fit the buffer
func (e *S3Exporter) Dropped() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dropped
}

// Shutdown flushes what is buffered and stops the loop
func (e *S3Exporter) Shutdown(ctx context.Context) error {
	e.once.Do(func() { close(e.done) })

	finished := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *S3Exporter) run() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]*models.UsageRecord, 0, e.cfg.FlushSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := e.WriteBatch(ctx, batch); err != nil {
			e.logger.Error("Failed to export usage batch", "count", len(batch), "error", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case rec := <-e.records:
			batch = append(batch, rec)
			if len(batch) >= e.cfg.FlushSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-e.done:
			for {
				select {
				case rec := <-e.records:
					batch = append(batch, rec)
				default:
					flush()
					return
				}
			}
		}
	}
}

// WriteBatch uploads records as one JSON Lines object and returns its key
func (e *S3Exporter) WriteBatch(ctx context.Context, records []*models.UsageRecord) (string, error) {
	if len(records) == 0 {
		return "", nil
	}

	now := e.now()
	key := fmt.Sprintf("%s%04d/%02d/%02d/%s-%s-%d.jsonl",
		e.cfg.Prefix,
		now.Year(), now.Month(), now.Day(),
		e.cfg.PodName,
		now.Format("20060102-150405"),
		now.Nanosecond(),
	)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			e.logger.Error("Failed to encode usage record", "id", rec.ID, "error", err)
		}
	}

	_, err := e.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(e.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload to S3: %w", err)
	}

	e.logger.Info("Exported usage batch", "key", key, "count", len(records), "bytes", buf.Len())
	return key, nil
}
