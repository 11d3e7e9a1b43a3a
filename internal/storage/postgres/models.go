package postgres

import (
	"time"
)

// ExecutionModel maps to the "executions" table.
// JSON payloads are kept in TEXT columns so the same model migrates on SQLite.
// No UpdatedAt or DeletedAt: history is append-only.
type ExecutionModel struct {
	ID              string    `gorm:"primaryKey;size:36"`
	CorrelationID   string    `gorm:"index"`
	UserID          string    `gorm:"index"`
	Source          string    `gorm:"not null;index"`
	Environment     string    `gorm:"not null"`
	Mode            string    `gorm:"not null;default:'code'"`
	Code            string    `gorm:"type:text;not null"`
	Context         string    `gorm:"type:text;not null;default:'{}'"`
	Success         bool      `gorm:"not null;index"`
	Result          string    `gorm:"type:text"`
	Error           string    `gorm:"type:text"`
	Logs            string    `gorm:"type:text;not null;default:'[]'"`
	ExecutionTimeMs float64   `gorm:"not null"`
	TimedOut        bool      `gorm:"not null;default:false"`
	CreatedAt       time.Time `gorm:"index"`
}

func (ExecutionModel) TableName() string { return "executions" }

// Models lists every table in migration order.
func Models() []any {
	return []any{&ExecutionModel{}}
}
