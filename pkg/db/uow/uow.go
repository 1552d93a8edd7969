// Package uow scopes one business operation to one database transaction.
//
// Every engine component receives the UnitOfWork explicitly and issues its
// statements through Tx(). Components never commit; Runner.Do commits when the
// callback returns nil and rolls back on error or panic.
package uow

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("uow",
	fx.Provide(NewRunner),
)

type UnitOfWork struct {
	tx          *gorm.DB
	afterCommit []func()
}

// Tx returns the transaction handle. Callers must not call Commit or
// Rollback on it.
func (u *UnitOfWork) Tx() *gorm.DB {
	return u.tx
}

// AfterCommit registers fn to run once the transaction has committed. Hooks
// are dropped on rollback.
func (u *UnitOfWork) AfterCommit(fn func()) {
	u.afterCommit = append(u.afterCommit, fn)
}

type Runner struct {
	db *gorm.DB
}

func NewRunner(db *gorm.DB) *Runner {
	return &Runner{db: db}
}

// Do runs fn inside a new transaction.
func (r *Runner) Do(ctx context.Context, fn func(ctx context.Context, u *UnitOfWork) error) error {
	u := &UnitOfWork{}
	if err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		u.tx = tx
		return fn(ctx, u)
	}); err != nil {
		return err
	}

	for _, hook := range u.afterCommit {
		runHook(hook)
	}
	return nil
}

func runHook(hook func()) {
	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("after-commit hook panicked", zap.Any("recover", r))
		}
	}()
	hook()
}

// Result runs fn inside a new transaction and returns its value.
func Result[T any](ctx context.Context, r *Runner, fn func(ctx context.Context, u *UnitOfWork) (T, error)) (T, error) {
	var out T
	err := r.Do(ctx, func(ctx context.Context, u *UnitOfWork) error {
		var innerErr error
		out, innerErr = fn(ctx, u)
		return innerErr
	})
	return out, err
}
