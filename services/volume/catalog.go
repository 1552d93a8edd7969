package volume

import (
	"context"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"mlm-backoffice/pkg/db/option"
	"mlm-backoffice/pkg/db/uow"
	"mlm-backoffice/pkg/errutil"
	"mlm-backoffice/pkg/repository"
)

var (
	catalogHits = prometheus.NewCounter(prometheus.CounterOpts{Name: "rank_catalog_hits_total"})
	catalogMiss = prometheus.NewCounter(prometheus.CounterOpts{Name: "rank_catalog_miss_total"})
)

func init() {
	prometheus.MustRegister(catalogHits, catalogMiss)
}

// RankCatalog caches the rank ladder. Concurrent misses share one load, read
// from committed data outside any caller's transaction.
type RankCatalog struct {
	repo  repository.Repository[Rank]
	mu    sync.RWMutex
	ranks []*Rank
	group singleflight.Group
}

func NewRankCatalog(repo repository.Repository[Rank]) *RankCatalog {
	return &RankCatalog{repo: repo}
}

// Ranks returns the ladder ordered by ordinal.
func (c *RankCatalog) Ranks(ctx context.Context) ([]*Rank, error) {
	c.mu.RLock()
	ranks := c.ranks
	c.mu.RUnlock()
	if ranks != nil {
		catalogHits.Inc()
		return ranks, nil
	}
	catalogMiss.Inc()

	loadCtx := context.WithoutCancel(ctx)
	v, err, _ := c.group.Do("ranks", func() (any, error) {
		loaded, err := c.repo.Find(loadCtx, nil,
			option.WithSortBy(option.QuerySortBy{SortBy: "ordinal", OrderBy: "asc"}))
		if err != nil {
			return nil, err
		}
		if err := ValidateLadder(loaded); err != nil {
			zap.L().Error("invalid rank ladder", zap.Error(err))
			return nil, errutil.Internal("invalid rank ladder", err)
		}

		c.mu.Lock()
		c.ranks = loaded
		c.mu.Unlock()
		return loaded, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]*Rank), nil
}

// ByOrdinal returns the rank with the given ordinal, or nil for 0.
func (c *RankCatalog) ByOrdinal(ctx context.Context, ordinal int) (*Rank, error) {
	if ordinal == 0 {
		return nil, nil
	}
	ranks, err := c.Ranks(ctx)
	if err != nil {
		return nil, err
	}
	i := sort.Search(len(ranks), func(i int) bool { return ranks[i].Ordinal >= ordinal })
	if i == len(ranks) || ranks[i].Ordinal != ordinal {
		return nil, errutil.NotFound("rank not found", ErrRankNotFound)
	}
	return ranks[i], nil
}

func (c *RankCatalog) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ranks = nil
}

// Seed stores ranks when the catalog table is empty.
func (c *RankCatalog) Seed(ctx context.Context, u *uow.UnitOfWork, ranks []*Rank) error {
	if err := ValidateLadder(ranks); err != nil {
		return errutil.BadRequest("invalid rank ladder", err)
	}

	u.AfterCommit(c.warm)

	repo := c.repo.WithTrx(u.Tx())
	n, err := repo.Count(ctx, nil)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if err := repo.BatchCreate(ctx, ranks); err != nil {
		return err
	}

	zap.L().Info("seeded rank catalog", zap.Int("ranks", len(ranks)))
	return nil
}

func (c *RankCatalog) warm() {
	c.Invalidate()
	if _, err := c.Ranks(context.Background()); err != nil {
		zap.L().Warn("failed to warm rank catalog", zap.Error(err))
	}
}
