package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/cfoagent/internal/domain"
)

const jsonlContentType = "application/x-ndjson"

// CycleArchiver implements domain.Archiver for the decision-cycle audit
// trail. Records are uploaded as one JSONL object and removed from the
// database only after the upload succeeded.
type CycleArchiver struct {
	writer domain.BlobWriter
	cycles domain.CycleStore
	prefix string
	logger *slog.Logger
}

// NewCycleArchiver creates a CycleArchiver writing under prefix.
func NewCycleArchiver(writer domain.BlobWriter, cycles domain.CycleStore, prefix string, logger *slog.Logger) *CycleArchiver {
	if prefix == "" {
		prefix = "archive"
	}
	return &CycleArchiver{
		writer: writer,
		cycles: cycles,
		prefix: prefix,
		logger: logger.With(slog.String("component", "cycle_archiver")),
	}
}

// ArchiveCycles moves every cycle record started before the cutoff to
// object storage and returns how many were archived.
func (a *CycleArchiver) ArchiveCycles(ctx context.Context, before time.Time) (int64, error) {
	recs, err := a.cycles.ListBefore(ctx, before, 0)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive cycles query: %w", err)
	}
	if len(recs) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(recs)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive cycles marshal: %w", err)
	}

	path := archivePath(a.prefix, "decision_cycles", recs[0].StartedAt, before)
	if err := a.writer.Upload(ctx, path, bytes.NewReader(buf), jsonlContentType); err != nil {
		return 0, fmt.Errorf("s3blob: archive cycles upload: %w", err)
	}

	deleted, err := a.cycles.DeleteBefore(ctx, before)
	if err != nil {
		return int64(len(recs)), fmt.Errorf("s3blob: archive cycles prune: %w", err)
	}

	a.logger.InfoContext(ctx, "decision cycles archived",
		slog.String("path", path),
		slog.Int("records", len(recs)),
		slog.Int64("pruned", deleted),
	)
	return int64(len(recs)), nil
}

// archivePath partitions archives by the day of the oldest record, e.g.
// archive/decision_cycles/2026-03-01_20260308T000000Z.jsonl.
func archivePath(prefix, kind string, from, before time.Time) string {
	return fmt.Sprintf("%s/%s/%s_%s.jsonl", prefix, kind,
		from.UTC().Format("2006-01-02"), before.UTC().Format("20060102T150405Z"))
}

func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

var _ domain.Archiver = (*CycleArchiver)(nil)
