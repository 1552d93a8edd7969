package period

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"mlm-backoffice/pkg/db/option"
	"mlm-backoffice/pkg/db/uow"
	"mlm-backoffice/pkg/errutil"
	"mlm-backoffice/pkg/repository"
)

var Module = fx.Module("period",
	fx.Provide(NewResolver),
)

type Resolver struct {
	periods repository.Repository[Period]
	node    *snowflake.Node
	now     func() time.Time
}

type Params struct {
	fx.In

	DB   *gorm.DB
	Node *snowflake.Node
}

func NewResolver(p Params) *Resolver {
	return &Resolver{
		periods: repository.ProvideStore[Period](p.DB),
		node:    p.Node,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithClock returns a copy of r reading the time from now.
func (r *Resolver) WithClock(now func() time.Time) *Resolver {
	cp := *r
	cp.now = now
	return &cp
}

func (r *Resolver) Now() time.Time {
	return r.now()
}

// Current returns the period containing now, opening it when missing.
func (r *Resolver) Current(ctx context.Context, u *uow.UnitOfWork) (*Period, error) {
	return r.At(ctx, u, r.now())
}

// At returns the period containing t. A missing window is opened as the
// calendar month of t.
func (r *Resolver) At(ctx context.Context, u *uow.UnitOfWork, t time.Time) (*Period, error) {
	t = t.UTC()
	repo := r.periods.WithTrx(u.Tx())

	p, err := r.containing(ctx, repo, t)
	if err != nil || p != nil {
		return p, err
	}

	start, end := MonthWindow(t)
	created := &Period{
		ID:        r.node.Generate().String(),
		StartsOn:  start,
		EndsOn:    end,
		CreatedAt: r.now(),
	}
	if _, err := repo.CreateIgnoreConflict(ctx, created); err != nil {
		zap.L().Error("failed to open period", zap.Time("starts_on", start), zap.Error(err))
		return nil, err
	}

	return r.containing(ctx, repo, t)
}

// maxRollForward bounds how many sealed windows Accruing skips.
const maxRollForward = 12

// Accruing returns the window new orders are attributed to: the one
// containing now, or the first window after it that is not sealed. The row is
// share-locked until u ends, so a concurrent Seal waits for u.
func (r *Resolver) Accruing(ctx context.Context, u *uow.UnitOfWork) (*Period, error) {
	t := r.now()
	for i := 0; i < maxRollForward; i++ {
		p, err := r.At(ctx, u, t)
		if err != nil {
			return nil, err
		}
		locked, err := r.periods.WithTrx(u.Tx()).FindOne(ctx, &Period{ID: p.ID}, option.WithLockingShare())
		if err != nil {
			return nil, err
		}
		if locked == nil {
			return nil, errutil.NotFound("period not found", ErrNotFound)
		}
		if locked.Accepting() {
			return locked, nil
		}
		zap.L().Info("period sealed, attributing to next window",
			zap.String("period_id", locked.ID), zap.Time("ends_on", locked.EndsOn))
		t = locked.EndsOn
	}
	return nil, errutil.Internal("no open period", ErrNoOpenPeriod)
}

func (r *Resolver) containing(ctx context.Context, repo repository.Repository[Period], t time.Time) (*Period, error) {
	return repo.FindOne(ctx, nil,
		option.ApplyOperator(option.Condition{Field: "starts_on", Operator: option.LTE, Value: t}),
		option.ApplyOperator(option.Condition{Field: "ends_on", Operator: option.GT, Value: t}),
	)
}

func (r *Resolver) Get(ctx context.Context, u *uow.UnitOfWork, id string) (*Period, error) {
	p, err := r.periods.WithTrx(u.Tx()).FindOne(ctx, &Period{ID: id})
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, errutil.NotFound("period not found", ErrNotFound)
	}
	return p, nil
}

// Lock reads the period row with an exclusive lock held until u ends.
func (r *Resolver) Lock(ctx context.Context, u *uow.UnitOfWork, id string) (*Period, error) {
	p, err := r.periods.WithTrx(u.Tx()).FindOne(ctx, &Period{ID: id}, option.WithLockingUpdate())
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, errutil.NotFound("period not found", ErrNotFound)
	}
	return p, nil
}

// Seal stops the window from accepting orders. It is a no-op on a sealed
// window.
func (r *Resolver) Seal(ctx context.Context, u *uow.UnitOfWork, id string, at time.Time) error {
	return u.Tx().WithContext(ctx).Model(&Period{}).
		Where("id = ? AND sealed_at IS NULL", id).
		Update("sealed_at", at.UTC()).Error
}

// MarkClosed stamps closed_at once. It reports false when the period was
// already closed.
func (r *Resolver) MarkClosed(ctx context.Context, u *uow.UnitOfWork, id string, at time.Time) (bool, error) {
	res := u.Tx().WithContext(ctx).Model(&Period{}).
		Where("id = ? AND closed_at IS NULL", id).
		Update("closed_at", at.UTC())
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
