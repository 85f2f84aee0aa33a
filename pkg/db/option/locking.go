package option

import (
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LockingUpdate adds SELECT ... FOR UPDATE to queries run through the scope.
// Dialects without row locks (sqlite) drop the clause; callers there rely on
// the transaction holding the only connection.
func LockingUpdate(db *gorm.DB) *gorm.DB {
	return db.Clauses(clause.Locking{Strength: "UPDATE"})
}

// InsertIgnore turns a Create into INSERT ... ON CONFLICT DO NOTHING on the
// given unique columns.
func InsertIgnore(columns ...string) func(db *gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		cols := make([]clause.Column, 0, len(columns))
		for _, c := range columns {
			cols = append(cols, clause.Column{Name: c})
		}
		return db.Clauses(clause.OnConflict{Columns: cols, DoNothing: true})
	}
}
