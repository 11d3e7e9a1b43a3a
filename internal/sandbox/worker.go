package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"

	"github.com/jkaninda/cometx/internal/protocol"
)

// Serve reads requests from r and writes one response per execute request to w
// until r is exhausted or ctx is cancelled. It is the main loop of a child
// worker process.
func Serve(ctx context.Context, r io.Reader, w io.Writer, eval *Evaluator, logger *slog.Logger) error {
	logger = orDefault(logger)
	dec := protocol.NewDecoder(r)
	enc := protocol.NewEncoder(w)

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		line, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		var req protocol.Request
		if err := json.Unmarshal(line, &req); err != nil {
			logger.Warn("invalid request", slog.String("error", err.Error()))
			continue
		}
		if req.Type != protocol.MsgExecute {
			logger.Debug("ignoring unknown request type", slog.String("type", string(req.Type)))
			continue
		}

		resp := eval.Evaluate(ctx, &req)
		if err := enc.Encode(resp); err != nil {
			return err
		}
	}
}
