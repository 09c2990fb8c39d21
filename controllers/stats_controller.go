package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/cppla/filebox/bucket"
	"github.com/cppla/filebox/storage"
	"github.com/cppla/filebox/utils"
)

// StatsCachePrefix namespaces cached usage figures in Redis.
const StatsCachePrefix = "filebox:stats:"

const (
	statsCacheTTL = 5 * time.Minute
	statsTimeout  = 30 * time.Second
)

// StatsController reports per-namespace usage.
type StatsController struct {
	store      storage.Store
	cache      *utils.Cache
	namespaces []bucket.Namespace
	// concurrent misses share one scan of the store
	sf singleflight.Group
}

// NewStatsController creates a new StatsController instance. cache may be nil.
func NewStatsController(store storage.Store, cache *utils.Cache, namespaces ...bucket.Namespace) *StatsController {
	return &StatsController{store: store, cache: cache, namespaces: namespaces}
}

// BucketStats is the usage of one namespace.
type BucketStats struct {
	Bucket string `json:"bucket"`
	Files  int    `json:"files"`
	Bytes  int64  `json:"bytes"`
}

// GetStats returns file count and total bytes for every namespace.
func (s *StatsController) GetStats(ctx *gin.Context) {
	rctx := ctx.Request.Context()
	key := StatsCachePrefix + "all"

	var out []BucketStats
	if s.cache.GetJSON(rctx, key, &out) {
		ctx.JSON(http.StatusOK, out)
		return
	}

	v, err, _ := s.sf.Do(key, func() (interface{}, error) {
		// shared by every waiting request, so it must outlive the one that started it
		sctx, cancel := context.WithTimeout(context.WithoutCancel(rctx), statsTimeout)
		defer cancel()
		return s.collect(sctx)
	})
	if err != nil {
		utils.ErrorJSON(ctx, http.StatusInternalServerError, err.Error())
		return
	}
	out = v.([]BucketStats)
	s.cache.SetJSON(rctx, key, out, statsCacheTTL)
	ctx.JSON(http.StatusOK, out)
}

func (s *StatsController) collect(ctx context.Context) ([]BucketStats, error) {
	out := make([]BucketStats, 0, len(s.namespaces))
	for _, ns := range s.namespaces {
		records, err := s.store.List(ctx, ns.Name)
		if err != nil {
			utils.Logger.Error("stats list failed", zap.String("bucket", ns.Name), zap.Error(err))
			return nil, err
		}
		st := BucketStats{Bucket: ns.Name, Files: len(records)}
		for _, rec := range records {
			st.Bytes += rec.Length
		}
		out = append(out, st)
	}
	return out, nil
}
