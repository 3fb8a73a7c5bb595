package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"trailstop/internal/domain"
)

// TerminalLister provides read access to terminal positions for archival.
// The Postgres position store satisfies it through ListTerminalBefore.
type TerminalLister interface {
	ListTerminalBefore(ctx context.Context, before time.Time) ([]domain.Position, error)
}

// Archiver exports terminal positions older than a retention window to cold
// storage as JSONL, one file per UTC month. Rows are never deleted from the
// primary store here; the archive is a verified extra copy first.
type Archiver struct {
	writer    domain.BlobWriter
	positions TerminalLister
	retention time.Duration
	logger    *slog.Logger
}

// NewArchiver creates an Archiver with the given retention window.
func NewArchiver(writer domain.BlobWriter, positions TerminalLister, retention time.Duration, logger *slog.Logger) *Archiver {
	return &Archiver{
		writer:    writer,
		positions: positions,
		retention: retention,
		logger:    logger.With(slog.String("component", "archiver")),
	}
}

// Archive exports all terminal positions last updated before now-retention
// and returns the number of archived records.
func (a *Archiver) Archive(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-a.retention)

	positions, err := a.positions.ListTerminalBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive query: %w", err)
	}
	if len(positions) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(positions)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive marshal: %w", err)
	}

	path := archivePath(cutoff)
	if err := a.writer.Put(ctx, path, buf, "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive upload: %w", err)
	}

	a.logger.InfoContext(ctx, "positions archived",
		slog.String("path", path),
		slog.Int("count", len(positions)),
		slog.Time("cutoff", cutoff),
	)

	return int64(len(positions)), nil
}

// RunLoop archives on the given interval until the context is cancelled.
// Archive failures are logged and retried on the next interval; archival is
// maintenance, never a reason to stop monitoring.
func (a *Archiver) RunLoop(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if _, err := a.Archive(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			a.logger.ErrorContext(ctx, "archive run failed",
				slog.String("error", err.Error()),
			)
		}
	}
}

// archivePath builds the object key for a cutoff month, e.g.
// archive/positions/2026-08.jsonl.
func archivePath(cutoff time.Time) string {
	return fmt.Sprintf("archive/positions/%s.jsonl", cutoff.UTC().Format("2006-01"))
}

// marshalJSONL serializes the records as newline-delimited JSON.
func marshalJSONL(positions []domain.Position) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, p := range positions {
		if err := enc.Encode(p); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}
