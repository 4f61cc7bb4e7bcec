package migration

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/dreamware/shardmeta/internal/chunk"
	"github.com/dreamware/shardmeta/internal/cluster"
	"github.com/dreamware/shardmeta/internal/errcode"
	"github.com/dreamware/shardmeta/internal/shard"
)

// DonorClient is the recipient's view of the shard it clones from.
type DonorClient interface {
	// CollectionOptions describes the donor's copy of nss.
	CollectionOptions(ctx context.Context, nss chunk.Namespace) (shard.CollectionOptions, error)
	// FetchNextBatch returns the next batch of cloned documents. An empty
	// batch means the clone is complete.
	FetchNextBatch(ctx context.Context, sid SessionID) ([]chunk.Document, error)
	// FetchModifications returns writes made on the donor since the previous
	// call. An empty result means the backlog is drained.
	FetchModifications(ctx context.Context, sid SessionID) (Modifications, error)
}

// SessionEnder is implemented by donors that hold on to a session, with
// writes to its range paused, until the recipient gives it up.
type SessionEnder interface {
	EndSession(ctx context.Context, sid SessionID) error
}

// DonorDialer builds a DonorClient for one migration.
type DonorDialer func(req StartRequest) (DonorClient, error)

// Modifications is one batch of donor-side writes to replay.
type Modifications struct {
	Reload   []chunk.Document     `json:"reload,omitempty"`
	Deleted  []chunk.Document     `json:"deleted,omitempty"`
	Sessions []shard.SessionEntry `json:"sessions,omitempty"`
}

func (m Modifications) Empty() bool {
	return len(m.Reload) == 0 && len(m.Deleted) == 0 && len(m.Sessions) == 0
}

// Paths served by a donor shard.
const (
	PathDonorOptions = "/migration/donor/options"
	PathDonorBatch   = "/migration/donor/batch"
	PathDonorMods    = "/migration/donor/mods"
	PathDonorEnd     = "/migration/donor/end"
)

// DefaultBatchSize bounds the documents per clone batch.
const DefaultBatchSize = 128

// DonorRequest is the body of every donor call.
type DonorRequest struct {
	SessionID SessionID        `json:"sessionId"`
	NS        chunk.Namespace  `json:"ns"`
	Range     chunk.ChunkRange `json:"range"`
	To        chunk.ShardID    `json:"to,omitempty"`
	After     []byte           `json:"after,omitempty"`
	Limit     int              `json:"limit,omitempty"`
}

// BatchReply carries one clone batch and the cursor for the next one.
type BatchReply struct {
	Documents []chunk.Document `json:"documents"`
	Next      []byte           `json:"next,omitempty"`
}

// HTTPDonor fetches from a donor shard over HTTP. It keeps the clone cursor,
// so one value serves exactly one migration.
type HTTPDonor struct {
	addr  string
	req   StartRequest
	after []byte
	done  bool
}

// DialHTTP is the DonorDialer for shards reachable over HTTP.
func DialHTTP(req StartRequest) (DonorClient, error) {
	if req.DonorAddr == "" {
		return nil, errcode.New(errcode.BadValue, "missing donor address for %s", req.FromShard)
	}
	return &HTTPDonor{addr: strings.TrimRight(req.DonorAddr, "/"), req: req}, nil
}

func (d *HTTPDonor) CollectionOptions(ctx context.Context, nss chunk.Namespace) (shard.CollectionOptions, error) {
	var opts shard.CollectionOptions
	err := cluster.PostJSON(ctx, d.addr+PathDonorOptions, d.request(d.req.SessionID, nss), &opts)
	return opts, err
}

func (d *HTTPDonor) request(sid SessionID, nss chunk.Namespace) DonorRequest {
	return DonorRequest{SessionID: sid, NS: nss, Range: d.req.Range, To: d.req.ToShard}
}

func (d *HTTPDonor) FetchNextBatch(ctx context.Context, sid SessionID) ([]chunk.Document, error) {
	if d.done {
		return nil, nil
	}
	var reply BatchReply
	req := d.request(sid, d.req.NS)
	req.After = d.after
	req.Limit = DefaultBatchSize
	err := cluster.PostJSON(ctx, d.addr+PathDonorBatch, req, &reply)
	if err != nil {
		return nil, err
	}
	d.after = reply.Next
	d.done = reply.Next == nil
	return reply.Documents, nil
}

func (d *HTTPDonor) FetchModifications(ctx context.Context, sid SessionID) (Modifications, error) {
	var mods Modifications
	err := cluster.PostJSON(ctx, d.addr+PathDonorMods, d.request(sid, d.req.NS), &mods)
	return mods, err
}

// EndSession tells the donor to resume writes to the range.
func (d *HTTPDonor) EndSession(ctx context.Context, sid SessionID) error {
	return cluster.PostJSON(ctx, d.addr+PathDonorEnd, d.request(sid, d.req.NS), nil)
}

// SnapshotSource answers donor calls from the local catalog. It serves a
// point-in-time copy of the range and reports no modifications, so the first
// call of a session pauses writes to the range and admits the session as
// this shard's outgoing migration. Both last until End or EndRange.
type SnapshotSource struct {
	catalog  *shard.Catalog
	registry *ActiveMigrationsRegistry
	logger   *zap.Logger

	mu        sync.Mutex
	donations map[SessionID]*donation
}

type donation struct {
	nss   chunk.Namespace
	rng   chunk.ChunkRange
	coll  *shard.Collection
	guard *ScopedDonateChunk
}

// NewSnapshotSource serves donations out of cat. Pass the registry of the
// shard's Manager so a shard never donates and receives at once.
func NewSnapshotSource(cat *shard.Catalog, registry *ActiveMigrationsRegistry, logger *zap.Logger) *SnapshotSource {
	if registry == nil {
		registry = NewActiveMigrationsRegistry()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SnapshotSource{
		catalog:   cat,
		registry:  registry,
		logger:    logger.Named("migration-donor"),
		donations: make(map[SessionID]*donation),
	}
}

func (s *SnapshotSource) collection(nss chunk.Namespace) (*shard.Collection, error) {
	coll, ok := s.catalog.Get(nss)
	if !ok {
		return nil, errcode.New(errcode.NamespaceNotFound, "collection %s not found", nss)
	}
	return coll, nil
}

// begin starts the donation of req.Range under req.SessionID. Repeated calls
// for the same session are no-ops.
func (s *SnapshotSource) begin(req DonorRequest, coll *shard.Collection) error {
	if req.SessionID == "" {
		return errcode.New(errcode.BadValue, "missing session id")
	}
	if err := req.Range.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.donations[req.SessionID]; ok {
		if d.nss != req.NS || !d.rng.Equal(req.Range) {
			return errcode.New(errcode.IllegalOperation, "session %s donates %s of %s, not %s of %s",
				req.SessionID, d.rng, d.nss, req.Range, req.NS)
		}
		return nil
	}
	guard, err := s.registry.RegisterDonateChunk(req.NS, req.Range, req.To)
	if err != nil {
		return err
	}
	if err := coll.BeginDonate(req.Range); err != nil {
		guard.Release()
		return err
	}
	s.donations[req.SessionID] = &donation{nss: req.NS, rng: req.Range, coll: coll, guard: guard}
	s.logger.Info("donating range",
		zap.Stringer("session", req.SessionID),
		zap.Stringer("ns", req.NS),
		zap.Stringer("range", req.Range),
		zap.String("to", string(req.To)))
	return nil
}

func (s *SnapshotSource) endLocked(sid SessionID, d *donation) {
	d.coll.EndDonate(d.rng)
	d.guard.Release()
	delete(s.donations, sid)
	s.logger.Info("donation ended", zap.Stringer("session", sid), zap.Stringer("ns", d.nss), zap.Stringer("range", d.rng))
}

// End resumes writes to the range donated under sid. It reports whether sid
// was donating.
func (s *SnapshotSource) End(sid SessionID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.donations[sid]
	if ok {
		s.endLocked(sid, d)
	}
	return ok
}

// EndRange ends every donation of nss inside rng and returns how many there
// were. Called once rng has been released after a committed move.
func (s *SnapshotSource) EndRange(nss chunk.Namespace, rng chunk.ChunkRange) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for sid, d := range s.donations {
		if d.nss == nss && rng.Covers(d.rng) {
			s.endLocked(sid, d)
			n++
		}
	}
	return n
}

// Donating reports whether a donation is in progress.
func (s *SnapshotSource) Donating() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.donations) > 0
}

func (s *SnapshotSource) Options(req DonorRequest) (shard.CollectionOptions, error) {
	coll, err := s.collection(req.NS)
	if err != nil {
		return shard.CollectionOptions{}, err
	}
	if err := s.begin(req, coll); err != nil {
		return shard.CollectionOptions{}, err
	}
	return coll.Options(), nil
}

func (s *SnapshotSource) Batch(req DonorRequest) (BatchReply, error) {
	coll, err := s.collection(req.NS)
	if err != nil {
		return BatchReply{}, err
	}
	if err := s.begin(req, coll); err != nil {
		return BatchReply{}, err
	}
	limit := req.Limit
	if limit <= 0 {
		limit = DefaultBatchSize
	}
	docs, next, err := coll.ListRangePage(req.Range, req.After, limit)
	if err != nil {
		return BatchReply{}, err
	}
	if docs == nil {
		docs = []chunk.Document{}
	}
	return BatchReply{Documents: docs, Next: next}, nil
}

func (s *SnapshotSource) Modifications(req DonorRequest) (Modifications, error) {
	if _, err := s.collection(req.NS); err != nil {
		return Modifications{}, err
	}
	return Modifications{}, nil
}

// Register serves the donor endpoints on mux.
func (s *SnapshotSource) Register(mux *http.ServeMux) {
	serve := func(fn func(DonorRequest) (any, error)) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				return
			}
			var req DonorRequest
			if err := cluster.DecodeJSON(r, &req); err != nil {
				cluster.WriteError(w, err)
				return
			}
			out, err := fn(req)
			if err != nil {
				cluster.WriteError(w, err)
				return
			}
			cluster.WriteJSON(w, http.StatusOK, out)
		}
	}
	mux.HandleFunc(PathDonorOptions, serve(func(r DonorRequest) (any, error) { return s.Options(r) }))
	mux.HandleFunc(PathDonorBatch, serve(func(r DonorRequest) (any, error) { return s.Batch(r) }))
	mux.HandleFunc(PathDonorMods, serve(func(r DonorRequest) (any, error) { return s.Modifications(r) }))
	mux.HandleFunc(PathDonorEnd, serve(func(r DonorRequest) (any, error) {
		return struct {
			Ended bool `json:"ended"`
		}{Ended: s.End(r.SessionID)}, nil
	}))
}

var (
	_ DonorClient  = (*HTTPDonor)(nil)
	_ SessionEnder = (*HTTPDonor)(nil)
)
