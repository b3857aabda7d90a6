package spider

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/audiens/internal/common"
	"github.com/ternarybob/audiens/internal/interfaces"
	"github.com/ternarybob/audiens/internal/models"
)

// Gateway pushes crawl requests onto the spider's Redis list. The spider
// drains with RPOP, so LPUSH preserves FIFO order.
type Gateway struct {
	client  *redis.Client
	listKey string
	timeout time.Duration
	logger  arbor.ILogger
}

// NewGateway connects to the spider queue. AUTH and database selection come
// from the DSN.
func NewGateway(cfg *common.RedisConfig, logger arbor.ILogger) (interfaces.SpiderGateway, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("spider redis url is not configured")
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse spider redis url: %w", err)
	}

	listKey := cfg.ListKey
	if listKey == "" {
		listKey = "spider:requests"
	}

	return &Gateway{
		client:  redis.NewClient(opts),
		listKey: listKey,
		timeout: cfg.TimeoutDuration(),
		logger:  logger,
	}, nil
}

// Enqueue pushes one crawl request. A connection failure is retryable; the
// whole enqueue stage reruns idempotently because task rows already exist.
func (g *Gateway) Enqueue(ctx context.Context, req *interfaces.SpiderRequest) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return models.NewConstraintError("spider enqueue", err)
	}

	opCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	if err := g.client.LPush(opCtx, g.listKey, payload).Err(); err != nil {
		return models.NewUpstreamError("redis", true, fmt.Errorf("lpush %s: %w", g.listKey, err))
	}

	g.logger.Debug().
		Str("task_id", req.TaskID).
		Str("run_type", req.RunType).
		Str("list", g.listKey).
		Msg("Crawl request enqueued")
	return nil
}

// Close releases the Redis connection.
func (g *Gateway) Close() error {
	return g.client.Close()
}
