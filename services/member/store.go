package member

import (
	"context"
	"time"

	"go.uber.org/fx"
	"gorm.io/gorm"

	"mlm-backoffice/pkg/db/option"
	"mlm-backoffice/pkg/db/uow"
	"mlm-backoffice/pkg/errutil"
	"mlm-backoffice/pkg/repository"
)

var Module = fx.Module("member",
	fx.Provide(NewStore),
)

type Store struct {
	members repository.Repository[Member]
}

func NewStore(db *gorm.DB) *Store {
	return &Store{members: repository.ProvideStore[Member](db)}
}

func (s *Store) Create(ctx context.Context, u *uow.UnitOfWork, m *Member) error {
	repo := s.members.WithTrx(u.Tx())

	exist, err := repo.FindOne(ctx, &Member{ID: m.ID})
	if err != nil {
		return err
	}
	if exist != nil {
		return errutil.Conflict("member already exists", nil)
	}

	if m.Status == "" {
		m.Status = StatusNotQualified
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	return repo.Create(ctx, m)
}

func (s *Store) Get(ctx context.Context, u *uow.UnitOfWork, id string) (*Member, error) {
	return s.find(ctx, u, id)
}

// Lock reads the member row with an exclusive lock held until u ends.
func (s *Store) Lock(ctx context.Context, u *uow.UnitOfWork, id string) (*Member, error) {
	return s.find(ctx, u, id, option.WithLockingUpdate())
}

// LockAll locks the given member rows in ascending id order with one
// statement and returns the rows found, in that order.
func (s *Store) LockAll(ctx context.Context, u *uow.UnitOfWork, ids []string) ([]*Member, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return s.members.WithTrx(u.Tx()).Find(ctx, nil,
		option.ApplyOperator(option.Condition{Field: "id", Operator: option.IN, Value: ids}),
		option.WithSortBy(option.QuerySortBy{SortBy: "id", OrderBy: "asc"}),
		option.WithLockingUpdate(),
	)
}

func (s *Store) find(ctx context.Context, u *uow.UnitOfWork, id string, opts ...option.QueryOption) (*Member, error) {
	if id == "" {
		return nil, errutil.BadRequest("member id is required", nil)
	}
	m, err := s.members.WithTrx(u.Tx()).FindOne(ctx, &Member{ID: id}, opts...)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, errutil.NotFound("member not found", ErrNotFound)
	}
	return m, nil
}

func (s *Store) Update(ctx context.Context, u *uow.UnitOfWork, id string, updates map[string]any) error {
	return s.members.WithTrx(u.Tx()).Update(ctx, id, updates)
}

func (s *Store) SetStatus(ctx context.Context, u *uow.UnitOfWork, id string, status Status) error {
	if !status.Valid() {
		return errutil.BadRequest("invalid member status", nil)
	}
	return s.Update(ctx, u, id, map[string]any{"status": status})
}
