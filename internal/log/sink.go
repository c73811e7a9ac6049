package log

import (
	"context"
	"log/slog"

	"github.com/cepharum/actord/internal/model"
)

// OutputSink records output of detached scripts, one record per chunk.
type OutputSink struct {
	Logger *slog.Logger
	Ctx    context.Context
	Key    string
}

func NewOutputSink(ctx context.Context, key string) OutputSink {
	return OutputSink{
		Logger: slog.Default(),
		Ctx:    ctx,
		Key:    key,
	}
}

func (s OutputSink) Emit(chunk model.Chunk) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx := s.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	logger.LogAttrs(ctx, slog.LevelInfo, "script output",
		slog.String("actor", s.Key),
		slog.String("channel", string(chunk.Stream)),
		slog.String("text", string(chunk.Data)),
	)
}
