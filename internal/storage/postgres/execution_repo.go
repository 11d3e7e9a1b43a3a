package postgres

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/jkaninda/cometx/internal/storage"
)

// ExecutionRepository implements the record operations of storage.ExecutionStore.
// Append-only: no Update or Delete methods exist on this type.
// The SQLite backend reuses it unchanged.
type ExecutionRepository struct {
	db *gorm.DB
}

// NewExecutionRepository creates an ExecutionRepository.
func NewExecutionRepository(db *gorm.DB) *ExecutionRepository {
	return &ExecutionRepository{db: db}
}

// Save inserts a record, assigning ID and CreatedAt when unset.
func (r *ExecutionRepository) Save(ctx context.Context, rec *storage.ExecutionRecord) error {
	model := toExecutionModel(rec)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("saving execution %s: %w", model.ID, err)
	}
	return nil
}

// Get returns a record by ID or storage.ErrNotFound.
func (r *ExecutionRepository) Get(ctx context.Context, id string) (*storage.ExecutionRecord, error) {
	var model ExecutionModel
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting execution %s: %w", id, err)
	}
	return toExecutionRecord(&model), nil
}

// List returns records matching filter, newest first.
func (r *ExecutionRepository) List(ctx context.Context, filter storage.ListFilter) ([]*storage.ExecutionRecord, error) {
	q := r.db.WithContext(ctx).
		Scopes(FilterScope(filter)).
		Order("created_at DESC").
		Order("id DESC").
		Limit(filter.PageSize())
	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}

	var models []ExecutionModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing executions: %w", err)
	}

	records := make([]*storage.ExecutionRecord, len(models))
	for i := range models {
		records[i] = toExecutionRecord(&models[i])
	}
	return records, nil
}

// statsRow is the scan target for Stats.
type statsRow struct {
	Total     int64
	Succeeded int64
	TimedOut  int64
	AvgMs     float64
}

// Stats aggregates records matching filter. Paging fields are ignored.
func (r *ExecutionRepository) Stats(ctx context.Context, filter storage.ListFilter) (storage.ExecutionStats, error) {
	var row statsRow
	err := r.db.WithContext(ctx).
		Model(&ExecutionModel{}).
		Scopes(FilterScope(filter)).
		Select(`COUNT(*) AS total,
			COALESCE(SUM(CASE WHEN success THEN 1 ELSE 0 END), 0) AS succeeded,
			COALESCE(SUM(CASE WHEN timed_out THEN 1 ELSE 0 END), 0) AS timed_out,
			COALESCE(AVG(execution_time_ms), 0) AS avg_ms`).
		Scan(&row).Error
	if err != nil {
		return storage.ExecutionStats{}, fmt.Errorf("aggregating executions: %w", err)
	}
	return storage.ExecutionStats{
		Total:              row.Total,
		Succeeded:          row.Succeeded,
		Failed:             row.Total - row.Succeeded,
		TimedOut:           row.TimedOut,
		AvgExecutionTimeMs: row.AvgMs,
	}, nil
}
