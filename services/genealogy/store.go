package genealogy

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"mlm-backoffice/pkg/db/option"
	"mlm-backoffice/pkg/db/uow"
	"mlm-backoffice/pkg/errutil"
	"mlm-backoffice/pkg/repository"
	"mlm-backoffice/services/member"
)

var Module = fx.Module("genealogy",
	fx.Provide(NewStore),
)

type Store struct {
	paths   repository.Repository[TreePath]
	members repository.Repository[member.Member]
}

func NewStore(db *gorm.DB) *Store {
	return &Store{
		paths:   repository.ProvideStore[TreePath](db),
		members: repository.ProvideStore[member.Member](db),
	}
}

var byDepth = option.WithSortBy(option.QuerySortBy{SortBy: "depth", OrderBy: "asc"})

func depthIs(level int) option.QueryOption {
	return option.ApplyOperator(option.Condition{Field: "depth", Operator: option.EQ, Value: level})
}

var strict = option.ApplyOperator(option.Condition{Field: "depth", Operator: option.GT, Value: 0})

// InsertMember writes the self-row of memberID and one row per ancestor of
// sponsorID at depth+1. The sponsor must already be in the tree.
func (s *Store) InsertMember(ctx context.Context, u *uow.UnitOfWork, memberID string, sponsorID *string) error {
	log := zap.L().With(zap.String("member_id", memberID))
	repo := s.paths.WithTrx(u.Tx())

	self, err := repo.FindOne(ctx, &TreePath{AncestorID: memberID, DescendantID: memberID})
	if err != nil {
		return err
	}
	if self != nil {
		return errutil.Conflict("member already in genealogy", ErrAlreadyInserted)
	}

	now := time.Now().UTC()
	rows := []*TreePath{{AncestorID: memberID, DescendantID: memberID, Depth: 0, CreatedAt: now}}

	if sponsorID != nil {
		if *sponsorID == memberID {
			return errutil.BadRequest("member cannot sponsor itself", nil)
		}

		ancestors, err := repo.Find(ctx, &TreePath{DescendantID: *sponsorID}, byDepth)
		if err != nil {
			return err
		}
		if len(ancestors) == 0 || ancestors[0].Depth != 0 {
			log.Error("sponsor has no self-row", zap.String("sponsor_id", *sponsorID))
			return errutil.UnprocessableEntity("sponsor is not in genealogy",
				fmt.Errorf("%w: sponsor %s has no self-row", ErrIntegrity, *sponsorID))
		}

		for _, a := range ancestors {
			rows = append(rows, &TreePath{
				AncestorID:   a.AncestorID,
				DescendantID: memberID,
				Depth:        a.Depth + 1,
				CreatedAt:    now,
			})
		}
	}

	if err := repo.BatchCreate(ctx, rows); err != nil {
		log.Error("failed to insert tree paths", zap.Error(err))
		return err
	}
	return nil
}

// AncestorsAt returns the members exactly level steps above memberID.
func (s *Store) AncestorsAt(ctx context.Context, u *uow.UnitOfWork, memberID string, level int) ([]string, error) {
	if level < 0 {
		return nil, errutil.BadRequest("level must not be negative", nil)
	}
	rows, err := s.paths.WithTrx(u.Tx()).Find(ctx, &TreePath{DescendantID: memberID}, depthIs(level))
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.AncestorID)
	}
	return out, nil
}

// DescendantsAt returns the members exactly level steps below memberID.
func (s *Store) DescendantsAt(ctx context.Context, u *uow.UnitOfWork, memberID string, level int) ([]string, error) {
	if level < 0 {
		return nil, errutil.BadRequest("level must not be negative", nil)
	}
	rows, err := s.paths.WithTrx(u.Tx()).Find(ctx, &TreePath{AncestorID: memberID}, depthIs(level),
		option.WithSortBy(option.QuerySortBy{SortBy: "descendant_id", OrderBy: "asc"}))
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.DescendantID)
	}
	return out, nil
}

// Ancestors returns every strict ancestor row of memberID, nearest first.
func (s *Store) Ancestors(ctx context.Context, u *uow.UnitOfWork, memberID string) ([]*TreePath, error) {
	return s.paths.WithTrx(u.Tx()).Find(ctx, &TreePath{DescendantID: memberID}, strict, byDepth)
}

// Descendants returns every strict descendant row of memberID, shallowest
// first.
func (s *Store) Descendants(ctx context.Context, u *uow.UnitOfWork, memberID string) ([]*TreePath, error) {
	return s.paths.WithTrx(u.Tx()).Find(ctx, &TreePath{AncestorID: memberID}, strict, byDepth,
		option.WithSortBy(option.QuerySortBy{SortBy: "descendant_id", OrderBy: "asc"}))
}

// RequireSelfRow fails with ErrIntegrity when memberID has no self-row.
func (s *Store) RequireSelfRow(ctx context.Context, u *uow.UnitOfWork, memberID string) error {
	n, err := s.paths.WithTrx(u.Tx()).Count(ctx, &TreePath{AncestorID: memberID, DescendantID: memberID}, depthIs(0))
	if err != nil {
		return err
	}
	if n != 1 {
		zap.L().Error("member self-row missing", zap.String("member_id", memberID), zap.Int64("rows", n))
		return fmt.Errorf("%w: member %s has %d self-rows", ErrIntegrity, memberID, n)
	}
	return nil
}

// IsInLineage walks the sponsor chain of memberID looking for ancestorID.
// A cycle in the chain answers false. A dangling sponsor reference is an
// integrity error.
func (s *Store) IsInLineage(ctx context.Context, u *uow.UnitOfWork, ancestorID, memberID string) (bool, error) {
	repo := s.members.WithTrx(u.Tx())
	visited := map[string]struct{}{memberID: {}}

	current := memberID
	for {
		m, err := repo.FindOne(ctx, &member.Member{ID: current})
		if err != nil {
			return false, err
		}
		if m == nil {
			zap.L().Error("sponsor chain references a missing member",
				zap.String("member_id", memberID), zap.String("missing_id", current))
			return false, fmt.Errorf("%w: member %s not found in sponsor chain of %s", ErrIntegrity, current, memberID)
		}
		if m.SponsorID == nil {
			return false, nil
		}

		next := *m.SponsorID
		if next == ancestorID {
			return true, nil
		}
		if _, seen := visited[next]; seen {
			zap.L().Error("cycle in sponsor chain",
				zap.String("member_id", memberID), zap.String("repeated_id", next))
			return false, nil
		}
		visited[next] = struct{}{}
		current = next
	}
}
