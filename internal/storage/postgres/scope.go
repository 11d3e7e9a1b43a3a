package postgres

import (
	"gorm.io/gorm"

	"github.com/jkaninda/cometx/internal/storage"
)

// FilterScope returns a GORM scope applying every non-zero field of f.
// Paging is applied separately so Stats can reuse the scope.
func FilterScope(f storage.ListFilter) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		if f.UserID != "" {
			db = db.Where("user_id = ?", f.UserID)
		}
		if f.Source != "" {
			db = db.Where("source = ?", f.Source)
		}
		if f.Success != nil {
			db = db.Where("success = ?", *f.Success)
		}
		if f.TimedOut != nil {
			db = db.Where("timed_out = ?", *f.TimedOut)
		}
		if !f.Since.IsZero() {
			db = db.Where("created_at >= ?", f.Since.UTC())
		}
		return db
	}
}
