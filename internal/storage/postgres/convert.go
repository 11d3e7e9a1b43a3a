package postgres

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/cometx/internal/storage"
)

func toExecutionModel(rec *storage.ExecutionRecord) ExecutionModel {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.Mode == "" {
		rec.Mode = storage.ModeCode
	}

	ctx, _ := json.Marshal(rec.Context)
	if rec.Context == nil {
		ctx = []byte("{}")
	}
	logs, _ := json.Marshal(rec.Logs)
	if rec.Logs == nil {
		logs = []byte("[]")
	}
	var result string
	if rec.Result != nil {
		if b, err := json.Marshal(rec.Result); err == nil {
			result = string(b)
		}
	}

	return ExecutionModel{
		ID:              rec.ID,
		CorrelationID:   rec.CorrelationID,
		UserID:          rec.UserID,
		Source:          rec.Source,
		Environment:     rec.Environment,
		Mode:            rec.Mode,
		Code:            rec.Code,
		Context:         string(ctx),
		Success:         rec.Success,
		Result:          result,
		Error:           rec.Error,
		Logs:            string(logs),
		ExecutionTimeMs: rec.ExecutionTimeMs,
		TimedOut:        rec.TimedOut,
		CreatedAt:       rec.CreatedAt.UTC(),
	}
}

func toExecutionRecord(m *ExecutionModel) *storage.ExecutionRecord {
	rec := &storage.ExecutionRecord{
		ID:              m.ID,
		CorrelationID:   m.CorrelationID,
		UserID:          m.UserID,
		Source:          m.Source,
		Environment:     m.Environment,
		Mode:            m.Mode,
		Code:            m.Code,
		Success:         m.Success,
		Error:           m.Error,
		Logs:            []string{},
		ExecutionTimeMs: m.ExecutionTimeMs,
		TimedOut:        m.TimedOut,
		CreatedAt:       m.CreatedAt,
	}
	if m.Context != "" && m.Context != "{}" {
		_ = json.Unmarshal([]byte(m.Context), &rec.Context)
	}
	if m.Logs != "" {
		_ = json.Unmarshal([]byte(m.Logs), &rec.Logs)
	}
	if m.Result != "" {
		_ = json.Unmarshal([]byte(m.Result), &rec.Result)
	}
	return rec
}
