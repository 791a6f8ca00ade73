package export

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/tokenmeter/pkg/observability"
	"github.com/platinummonkey/tokenmeter/pkg/usage"
)

// ContentType of archive objects: one JSON usage event per line
const ContentType = "application/x-ndjson"

var (
	// ErrMonthOpen is returned for the current or a future month
	ErrMonthOpen = errors.New("export: month has not ended")
	// ErrAlreadyArchived is returned when the month's object already exists
	ErrAlreadyArchived = errors.New("export: month already archived")
)

// MonthScanner streams a calendar month of usage events, oldest first
type MonthScanner interface {
	ScanMonth(ctx context.Context, month time.Time, fn func(*usage.Event) error) error
}

// Manifest summarizes one archived month
type Manifest struct {
	Key      string    `json:"key"`
	Month    time.Time `json:"month"`
	Events   int       `json:"events"`
	Tokens   int64     `json:"tokens"`
	Bytes    int       `json:"bytes"`
	Checksum string    `json:"checksum"`
}

// Archiver writes closed months of the usage ledger to object storage
type Archiver struct {
	scanner MonthScanner
	store   ObjectStore
	prefix  string
	logger  *observability.Logger
	now     func() time.Time
}

// NewArchiver creates an Archiver writing under prefix
func NewArchiver(scanner MonthScanner, store ObjectStore, prefix string, logger *observability.Logger) *Archiver {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &Archiver{
		scanner: scanner,
		store:   store,
		prefix:  prefix,
		logger:  logger,
		now:     time.Now,
	}
}

// ObjectKey is <prefix>/<yyyy>/<mm>.jsonl for the month containing month
func ObjectKey(prefix string, month time.Time) string {
	m := usage.MonthStart(month)
	return path.Join(prefix, fmt.Sprintf("%04d", m.Year()), fmt.Sprintf("%02d.jsonl", int(m.Month())))
}

// ArchivePreviousMonth archives the month before the current one
func (a *Archiver) ArchivePreviousMonth(ctx context.Context) (*Manifest, error) {
	return a.ArchiveMonth(ctx, usage.MonthStart(a.now()).AddDate(0, -1, 0))
}

// ArchiveMonth serializes every event of the month containing month and
// uploads it. Only closed months are accepted and existing objects are
// never overwritten.
func (a *Archiver) ArchiveMonth(ctx context.Context, month time.Time) (*Manifest, error) {
	start := usage.MonthStart(month)
	if !start.Before(usage.MonthStart(a.now())) {
		return nil, ErrMonthOpen
	}
	key := ObjectKey(a.prefix, start)

	ctx, span := tracer.Start(ctx, "Archiver.ArchiveMonth",
		trace.WithAttributes(
			attribute.String("archive.month", start.Format("2006-01")),
			attribute.String("s3.key", key),
		),
	)
	defer span.End()

	logger := observability.FromContext(ctx).WithFields(map[string]interface{}{
		"month": start.Format("2006-01"),
		"key":   key,
	})

	exists, err := a.store.ObjectExists(ctx, key)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "existence check failed")
		return nil, err
	}
	if exists {
		return nil, ErrAlreadyArchived
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	manifest := &Manifest{Key: key, Month: start}

	err = a.scanner.ScanMonth(ctx, start, func(e *usage.Event) error {
		manifest.Events++
		manifest.Tokens += e.Tokens
		return enc.Encode(e)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "ledger scan failed")
		return nil, fmt.Errorf("failed to scan usage for %s: %w", start.Format("2006-01"), err)
	}

	sum := sha256.Sum256(buf.Bytes())
	manifest.Checksum = hex.EncodeToString(sum[:])
	manifest.Bytes = buf.Len()

	metadata := map[string]string{
		"checksum-sha256": manifest.Checksum,
		"event-count":     strconv.Itoa(manifest.Events),
		"total-tokens":    strconv.FormatInt(manifest.Tokens, 10),
		"month":           start.Format("2006-01"),
	}
	if err := a.store.PutObject(ctx, key, buf.Bytes(), ContentType, metadata); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upload failed")
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("archive.events", manifest.Events),
		attribute.Int64("archive.tokens", manifest.Tokens),
	)
	span.SetStatus(codes.Ok, "month archived")
	logger.WithFields(map[string]interface{}{
		"events": manifest.Events,
		"tokens": manifest.Tokens,
		"bytes":  manifest.Bytes,
	}).Info("Usage month archived")

	return manifest, nil
}

// HealthCheck reports whether the archive bucket is reachable
func (a *Archiver) HealthCheck(ctx context.Context) error {
	return a.store.HealthCheck(ctx)
}
