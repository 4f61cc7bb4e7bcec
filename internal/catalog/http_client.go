package catalog

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dreamware/shardmeta/internal/chunk"
	"github.com/dreamware/shardmeta/internal/cluster"
	"github.com/dreamware/shardmeta/internal/errcode"
)

// Paths served by the config server for catalog reads.
const (
	PathFindDatabase   = "/find/database"
	PathFindCollection = "/find/collection"
	PathFindChunks     = "/find/chunks"
)

// FindRequest is the body of every catalog find.
type FindRequest struct {
	Name           string            `json:"name,omitempty"`
	NS             *chunk.Namespace  `json:"ns,omitempty"`
	CollectionUUID *uuid.UUID        `json:"collectionUuid,omitempty"`
	Predicate      *VersionPredicate `json:"predicate,omitempty"`
	ReadConcern    ReadConcern       `json:"readConcern"`
}

// HTTPClient implements CatalogClient against one or more config servers.
// Unreachable hosts and non-primaries are retried against the next address
// with exponential backoff; every other error is returned immediately.
type HTTPClient struct {
	addrs       []string
	current     atomic.Uint32
	maxAttempts int
	interval    time.Duration
	logger      *zap.Logger
}

// NewHTTPClient creates a client for the given base URLs.
func NewHTTPClient(addrs []string, logger *zap.Logger) *HTTPClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	trimmed := make([]string, len(addrs))
	for i, a := range addrs {
		trimmed[i] = strings.TrimRight(a, "/")
	}
	return &HTTPClient{
		addrs:       trimmed,
		maxAttempts: 3,
		interval:    100 * time.Millisecond,
		logger:      logger.Named("catalog-client"),
	}
}

// SetRetryPolicy overrides the attempt bound and the initial backoff.
func (c *HTTPClient) SetRetryPolicy(maxAttempts int, initial time.Duration) {
	if maxAttempts > 0 {
		c.maxAttempts = maxAttempts
	}
	if initial > 0 {
		c.interval = initial
	}
}

func (c *HTTPClient) FindDatabase(ctx context.Context, name string, rc ReadConcern) (DocumentsReply, error) {
	return c.find(ctx, PathFindDatabase, FindRequest{Name: name, ReadConcern: rc})
}

func (c *HTTPClient) FindCollection(ctx context.Context, nss chunk.Namespace, rc ReadConcern) (DocumentsReply, error) {
	return c.find(ctx, PathFindCollection, FindRequest{NS: &nss, ReadConcern: rc})
}

func (c *HTTPClient) FindChunks(ctx context.Context, collectionUUID uuid.UUID, pred VersionPredicate, rc ReadConcern) (DocumentsReply, error) {
	req := FindRequest{CollectionUUID: &collectionUUID, ReadConcern: rc}
	if !pred.IsFull() {
		req.Predicate = &pred
	}
	return c.find(ctx, PathFindChunks, req)
}

func (c *HTTPClient) find(ctx context.Context, path string, req FindRequest) (DocumentsReply, error) {
	if len(c.addrs) == 0 {
		return DocumentsReply{}, errcode.New(errcode.HostUnreachable, "no config server addresses")
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.interval
	policy.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(c.maxAttempts-1)), ctx)

	var reply DocumentsReply
	attempt := 0
	op := func() error {
		attempt++
		addr := c.addrs[int(c.current.Load())%len(c.addrs)]
		reply = DocumentsReply{}
		err := cluster.PostJSON(ctx, addr+path, req, &reply)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		if errors.Is(err, errcode.HostUnreachable) || errors.Is(err, errcode.NotWritablePrimary) {
			c.current.Add(1)
			c.logger.Warn("config server request failed, retargeting",
				zap.String("addr", addr), zap.String("path", path), zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		return backoff.Permanent(err)
	}
	if err := backoff.Retry(op, b); err != nil {
		return DocumentsReply{}, err
	}
	return reply, nil
}
