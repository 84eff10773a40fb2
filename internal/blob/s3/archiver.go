package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/solhedge/exitpilot/internal/domain"
)

// ArchiveImpl implements domain.Archiver by querying settled positions,
// bundling each with its exit and ladder history, serializing the batch to
// JSONL, and uploading the result to object storage.
//
// Deletion of the archived rows from the primary store is intentionally NOT
// performed here; that is a separate, explicit step to be executed after the
// archive has been verified.
type ArchiveImpl struct {
	writer    domain.BlobWriter
	reader    domain.BlobReader
	positions domain.PositionStore
	exits     domain.ExitStore
	audit     domain.AuditStore
	logger    *slog.Logger
}

// NewArchiver creates a new ArchiveImpl.
func NewArchiver(
	writer domain.BlobWriter,
	reader domain.BlobReader,
	positions domain.PositionStore,
	exits domain.ExitStore,
	audit domain.AuditStore,
	logger *slog.Logger,
) *ArchiveImpl {
	return &ArchiveImpl{
		writer:    writer,
		reader:    reader,
		positions: positions,
		exits:     exits,
		audit:     audit,
		logger:    logger.With(slog.String("component", "archiver")),
	}
}

var _ domain.Archiver = (*ArchiveImpl)(nil)

// positionArchiveRecord is one JSONL line: a settled position with its full
// exit and partial-sell history.
type positionArchiveRecord struct {
	Position     domain.Position            `json:"position"`
	Executions   []domain.ExitExecution     `json:"executions"`
	PartialSells []domain.PartialSellRecord `json:"partial_sells"`
}

// ArchivePositions queries all exited and failed positions closed before the
// cutoff, serializes each with its history to JSONL, and uploads the file to
// archive/positions/YYYY-MM.jsonl. The archival event is recorded in the
// audit log and the count of archived positions is returned.
func (a *ArchiveImpl) ArchivePositions(ctx context.Context, before time.Time) (int64, error) {
	settled, err := a.positions.ListTerminalBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive positions query: %w", err)
	}
	if len(settled) == 0 {
		return 0, nil
	}

	records := make([]positionArchiveRecord, 0, len(settled))
	for _, pos := range settled {
		execs, err := a.exits.ListByPosition(ctx, pos.ID)
		if err != nil {
			return 0, fmt.Errorf("s3blob: archive executions for %s: %w", pos.ID, err)
		}
		sells, err := a.exits.ListPartialSells(ctx, pos.ID)
		if err != nil {
			return 0, fmt.Errorf("s3blob: archive partial sells for %s: %w", pos.ID, err)
		}
		records = append(records, positionArchiveRecord{
			Position:     pos,
			Executions:   execs,
			PartialSells: sells,
		})
	}

	buf, err := marshalJSONL(records)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive positions marshal: %w", err)
	}

	path, err := a.archivePath(ctx, before)
	if err != nil {
		return 0, err
	}
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive positions upload: %w", err)
	}

	count := int64(len(records))
	a.logger.InfoContext(ctx, "positions archived",
		slog.String("path", path),
		slog.Int64("count", count))

	if err := a.audit.Log(ctx, "archive.positions", map[string]any{
		"path":   path,
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive positions audit log: %w", err)
	}

	return count, nil
}

// Run invokes ArchivePositions on the given interval, archiving everything
// closed longer than retention ago, until ctx is cancelled.
func (a *ArchiveImpl) Run(ctx context.Context, interval, retention time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := a.ArchivePositions(ctx, time.Now().Add(-retention)); err != nil {
				a.logger.WarnContext(ctx, "archive run failed",
					slog.String("error", err.Error()))
			}
		}
	}
}

// archivePath builds the S3 key for an archive file, partitioned by the
// year-month of the cutoff time:
//
//	archive/positions/2026-08.jsonl
//
// If that object already exists (a previous run for the same month), a
// timestamped key is used instead so earlier archives are never clobbered.
func (a *ArchiveImpl) archivePath(ctx context.Context, before time.Time) (string, error) {
	path := fmt.Sprintf("archive/positions/%s.jsonl", before.Format("2006-01"))

	exists, err := a.reader.Exists(ctx, path)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive path check: %w", err)
	}
	if exists {
		path = fmt.Sprintf("archive/positions/%s-%d.jsonl", before.Format("2006-01"), time.Now().Unix())
	}
	return path, nil
}

// marshalJSONL serialises a slice of values as newline-delimited JSON (JSONL).
// Each element is marshalled as a single compact JSON line followed by '\n'.
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
