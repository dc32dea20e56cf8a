package audit

import (
	"context"
	"log/slog"
	"strings"

	"github.com/MEKXH/picard/internal/config"
)

// Open picks the audit store from config: PostgreSQL when a database URL is
// set, otherwise the JSONL file. The returned func releases resources.
func Open(ctx context.Context, cfg config.AuditConfig, stateDir string) (Recorder, func(), error) {
	if dsn := strings.TrimSpace(cfg.DatabaseURL); dsn != "" {
		pg, err := OpenPostgres(ctx, dsn)
		if err != nil {
			return nil, nil, err
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			pg.Close()
			return nil, nil, err
		}
		slog.Info("audit store opened", "kind", "postgres")
		return pg, pg.Close, nil
	}
	var w *Writer
	if path := strings.TrimSpace(cfg.File); path != "" {
		w = NewFileWriter(path)
	} else {
		w = NewWriter(stateDir)
	}
	slog.Info("audit store opened", "kind", "jsonl", "path", w.Path())
	return w, func() {}, nil
}
