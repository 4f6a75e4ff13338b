package repo

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Base is embedded by every repository. The handle is either the pool or,
// after WithTx on the embedding repository, an open transaction.
type Base struct {
	db *gorm.DB
}

func NewBase(db *gorm.DB) Base {
	return Base{db: db}
}

// DB returns the handle bound to ctx. A nil ctx returns the raw handle.
func (b Base) DB(ctx context.Context) *gorm.DB {
	if ctx == nil {
		return b.db
	}
	return b.db.WithContext(ctx)
}

// Conn exposes the raw handle.
func (b Base) Conn() *gorm.DB {
	return b.db
}

// InTx reports whether the handle is an open transaction.
func (b Base) InTx() bool {
	if b.db == nil || b.db.Statement == nil {
		return false
	}
	_, ok := b.db.Statement.ConnPool.(gorm.TxCommitter)
	return ok
}

// ForRead returns DB(ctx), adding SELECT ... FOR UPDATE when running inside a
// transaction so the rows stay pinned until commit. Dialects without row
// locks (sqlite) drop the clause.
func (b Base) ForRead(ctx context.Context) *gorm.DB {
	db := b.DB(ctx)
	if b.InTx() {
		db = db.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return db
}

// FindOne runs First on q and returns the row, passing gorm.ErrRecordNotFound through.
func FindOne[T any](q *gorm.DB) (*T, error) {
	var row T
	if err := q.First(&row).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

// IsNotFound reports whether err means the row does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
