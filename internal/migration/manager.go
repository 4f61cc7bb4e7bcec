package migration

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/dreamware/shardmeta/internal/chunk"
	"github.com/dreamware/shardmeta/internal/errcode"
	"github.com/dreamware/shardmeta/internal/metrics"
	"github.com/dreamware/shardmeta/internal/shard"
)

const (
	DefaultCatchupMaxPasses   = 10
	DefaultSteadyPollInterval = 100 * time.Millisecond
	DefaultCommitTimeout      = 30 * time.Second
	DefaultReportWaitTimeout  = time.Second

	donorEndTimeout = 5 * time.Second
)

// Config tunes a Manager. Zero fields take the defaults.
type Config struct {
	CatchupMaxPasses   int
	SteadyPollInterval time.Duration
	CommitTimeout      time.Duration
	ReportWaitTimeout  time.Duration
	Logger             *zap.Logger
	Registerer         prometheus.Registerer
}

func (c *Config) setDefaults() {
	if c.CatchupMaxPasses <= 0 {
		c.CatchupMaxPasses = DefaultCatchupMaxPasses
	}
	if c.SteadyPollInterval <= 0 {
		c.SteadyPollInterval = DefaultSteadyPollInterval
	}
	if c.CommitTimeout <= 0 {
		c.CommitTimeout = DefaultCommitTimeout
	}
	if c.ReportWaitTimeout <= 0 {
		c.ReportWaitTimeout = DefaultReportWaitTimeout
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

var errAborted = errors.New("migration aborted")

// Counters tracks the documents applied in each phase.
type Counters struct {
	Cloned      int64 `json:"cloned"`
	ClonedBytes int64 `json:"clonedBytes"`
	Catchup     int64 `json:"catchup"`
	Steady      int64 `json:"steady"`
}

type session struct {
	req      StartRequest
	epoch    uuid.UUID
	wc       WriteConcern
	scoped   *ScopedReceiveChunk
	counters Counters

	// Set by Start before the drive goroutine runs.
	donor   DonorClient
	coll    *shard.Collection
	cleanup *shard.Completion
	cancel  context.CancelFunc
	done    chan struct{}
}

// Manager receives chunk migrations into this shard. At most one migration
// is active at a time; its progress is driven by a background goroutine and
// observed through State, IsActive and Report.
type Manager struct {
	shardID  chunk.ShardID
	catalog  *shard.Catalog
	registry *ActiveMigrationsRegistry
	dial     DonorDialer
	cfg      Config
	logger   *zap.Logger
	metrics  *metrics.MigrationMetrics

	mu      sync.Mutex // Protects everything below
	phase   phase
	changed chan struct{} // closed and replaced on every transition
	active  bool
	session *session // most recent session, kept after it ends for Report
}

// NewManager creates a recipient for shard id. A new manager is always in
// READY.
func NewManager(id chunk.ShardID, cat *shard.Catalog, registry *ActiveMigrationsRegistry, dial DonorDialer, cfg Config) *Manager {
	cfg.setDefaults()
	if registry == nil {
		registry = NewActiveMigrationsRegistry()
	}
	if dial == nil {
		dial = DialHTTP
	}
	return &Manager{
		shardID:  id,
		catalog:  cat,
		registry: registry,
		dial:     dial,
		cfg:      cfg,
		logger:   cfg.Logger.Named("migration-recipient"),
		metrics:  metrics.NewMigrationMetrics(cfg.Registerer),
		phase:    readyPhase{},
		changed:  make(chan struct{}),
	}
}

// setPhaseLocked is the only writer of m.phase.
func (m *Manager) setPhaseLocked(p phase) {
	from := m.phase.state()
	m.phase = p
	close(m.changed)
	m.changed = make(chan struct{})
	m.metrics.Transitions.WithLabelValues(p.state().String()).Inc()
	fields := []zap.Field{zap.Stringer("from", from), zap.Stringer("to", p.state())}
	if m.session != nil {
		fields = append(fields, zap.Stringer("session", m.session.req.SessionID))
	}
	m.logger.Debug("migration state change", fields...)
}

// releaseLocked ends sess's admission. The session stays readable by Report.
func (m *Manager) releaseLocked(sess *session) {
	if m.session == sess {
		m.active = false
	}
	sess.scoped.Release()
	m.metrics.Active.Set(0)
}

// observe returns the current state and a channel closed on the next
// transition.
func (m *Manager) observe() (State, <-chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase.state(), m.changed
}

// Start admits a migration of req.Range from req.FromShard, prepares the
// local collection and returns once the background copy has been started.
func (m *Manager) Start(ctx context.Context, req StartRequest, epoch uuid.UUID, wc WriteConcern) error {
	m.mu.Lock()
	if m.active {
		cur := m.session.req.SessionID
		m.mu.Unlock()
		return errcode.New(errcode.ConflictingOperationInProgress, "migration %s is already active", cur)
	}
	if err := req.Validate(); err != nil {
		m.mu.Unlock()
		return err
	}
	if req.ToShard != "" && req.ToShard != m.shardID {
		m.mu.Unlock()
		return errcode.New(errcode.IllegalOperation, "migration targets shard %s, this is %s", req.ToShard, m.shardID)
	}
	scoped, err := m.registry.RegisterReceiveChunk(req.NS, req.Range, req.FromShard)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	sess := &session{req: req, epoch: epoch, wc: wc, scoped: scoped}
	m.session = sess
	m.active = true
	if m.phase.state().IsTerminal() {
		m.setPhaseLocked(readyPhase{})
	}
	m.metrics.Active.Set(1)
	m.mu.Unlock()

	m.logger.Info("starting migration",
		zap.Stringer("session", req.SessionID),
		zap.Stringer("ns", req.NS),
		zap.Stringer("range", req.Range),
		zap.String("from", string(req.FromShard)),
		zap.Stringer("epoch", epoch))

	if err := m.prepare(ctx, sess); err != nil {
		m.mu.Lock()
		m.releaseLocked(sess)
		m.mu.Unlock()
		m.endDonorSession(sess)
		m.logger.Warn("migration start failed", zap.Stringer("session", req.SessionID), zap.Error(err))
		return err
	}

	m.mu.Lock()
	if m.phase.state() != Ready {
		sess.coll.ForgetPending(req.Range)
		m.releaseLocked(sess)
		m.mu.Unlock()
		m.endDonorSession(sess)
		return errcode.New(errcode.ConflictingOperationInProgress, "migration %s was aborted while starting", req.SessionID)
	}
	dctx, cancel := context.WithCancel(context.Background())
	sess.cancel = cancel
	sess.done = make(chan struct{})
	go m.drive(dctx, sess)
	m.mu.Unlock()
	return nil
}

// endDonorSession lets the donor resume writes to a range this shard will
// not take over.
func (m *Manager) endDonorSession(sess *session) {
	ender, ok := sess.donor.(SessionEnder)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), donorEndTimeout)
	defer cancel()
	if err := ender.EndSession(ctx, sess.req.SessionID); err != nil {
		m.logger.Warn("cannot end donor session",
			zap.Stringer("session", sess.req.SessionID), zap.String("donor", string(sess.req.FromShard)), zap.Error(err))
	}
}

func (m *Manager) prepare(ctx context.Context, sess *session) error {
	req := sess.req
	donor, err := m.dial(req)
	if err != nil {
		return err
	}
	sess.donor = donor
	opts, err := donor.CollectionOptions(ctx, req.NS)
	if err != nil {
		return errors.Wrapf(err, "fetching options of %s from %s", req.NS, req.FromShard)
	}
	if req.CollectionUUID != uuid.Nil && opts.UUID != req.CollectionUUID {
		return errcode.New(errcode.InvalidUUID, "donor %s has %s with uuid %s, expected %s",
			req.FromShard, req.NS, opts.UUID, req.CollectionUUID)
	}
	if !opts.KeyPattern.Equal(req.KeyPattern) {
		return errcode.New(errcode.IllegalOperation, "donor shard key %s differs from requested %s",
			opts.KeyPattern, req.KeyPattern)
	}
	coll, _, err := m.catalog.GetOrCreate(req.NS, opts)
	if err != nil {
		return err
	}
	coll.ApplyOptions(opts.Indexes, opts.Options)
	cleanup, err := coll.NotePending(req.Range)
	if err != nil {
		return err
	}
	sess.coll = coll
	sess.cleanup = cleanup
	return nil
}

func (m *Manager) drive(ctx context.Context, sess *session) {
	defer close(sess.done)
	defer sess.cancel()
	m.finish(sess, m.run(ctx, sess))
}

// advance moves from one state to the next unless the session was aborted
// in between.
func (m *Manager) advance(sess *session, from State, to phase) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session != sess || m.phase.state() != from {
		return errAborted
	}
	m.setPhaseLocked(to)
	return nil
}

func (m *Manager) run(ctx context.Context, sess *session) error {
	req := sess.req
	if err := sess.cleanup.Wait(ctx); err != nil {
		return errors.Wrapf(err, "waiting for orphan cleanup of %s", req.Range)
	}
	if err := m.advance(sess, Ready, clonePhase{}); err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		docs, err := sess.donor.FetchNextBatch(ctx, req.SessionID)
		if err != nil {
			return errors.Wrap(err, "fetching clone batch")
		}
		if len(docs) == 0 {
			break
		}
		var size int64
		for _, doc := range docs {
			if err := m.checkInRange(sess, doc); err != nil {
				return err
			}
			size += int64(doc.Size())
		}
		if err := sess.coll.UpsertBatch(ctx, docs); err != nil {
			return errors.Wrap(err, "applying clone batch")
		}
		m.mu.Lock()
		sess.counters.Cloned += int64(len(docs))
		sess.counters.ClonedBytes += size
		m.mu.Unlock()
		m.metrics.Documents.WithLabelValues("clone").Add(float64(len(docs)))
		m.metrics.ClonedBytes.Add(float64(size))
	}

	if err := m.advance(sess, Clone, catchupPhase{}); err != nil {
		return err
	}
	for pass := 0; pass < m.cfg.CatchupMaxPasses; pass++ {
		n, err := m.transfer(ctx, sess)
		if err != nil {
			return err
		}
		if n < 0 {
			break
		}
		m.count(sess, Catchup, n)
	}
	if err := m.flush(sess); err != nil {
		return err
	}
	if err := m.advance(sess, Catchup, steadyPhase{}); err != nil {
		return err
	}

	ticker := time.NewTicker(m.cfg.SteadyPollInterval)
	defer ticker.Stop()
	for {
		st, changed := m.observe()
		if st == CommitStart {
			break
		}
		if st != Steady {
			return errAborted
		}
		n, err := m.transfer(ctx, sess)
		if err != nil {
			return err
		}
		if n > 0 {
			m.count(sess, Steady, n)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		case <-ticker.C:
		}
	}

	for {
		n, err := m.transfer(ctx, sess)
		if err != nil {
			return err
		}
		if n < 0 {
			break
		}
		m.count(sess, Steady, n)
	}
	return m.flush(sess)
}

// transfer applies one batch of donor modifications. It returns -1 when the
// donor had nothing left to send.
func (m *Manager) transfer(ctx context.Context, sess *session) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	mods, err := sess.donor.FetchModifications(ctx, sess.req.SessionID)
	if err != nil {
		return 0, errors.Wrap(err, "fetching modifications")
	}
	if mods.Empty() {
		return -1, nil
	}
	n := 0
	for _, doc := range mods.Reload {
		if err := m.upsert(ctx, sess, doc); err != nil {
			return n, err
		}
		n++
	}
	for _, doc := range mods.Deleted {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if err := m.checkInRange(sess, doc); err != nil {
			return n, err
		}
		if err := sess.coll.Delete(doc); err != nil {
			return n, errors.Wrap(err, "applying delete")
		}
		n++
	}
	if len(mods.Sessions) > 0 {
		m.catalog.Transactions().Apply(mods.Sessions...)
	}
	return n, nil
}

func (m *Manager) checkInRange(sess *session, doc chunk.Document) error {
	key, err := sess.req.KeyPattern.ExtractKey(doc)
	if err != nil {
		return errors.Wrap(err, "extracting shard key")
	}
	if !sess.req.Range.Contains(key) {
		return errcode.New(errcode.BadValue, "document with key %s is outside the migrated range %s", key, sess.req.Range)
	}
	return nil
}

func (m *Manager) upsert(ctx context.Context, sess *session, doc chunk.Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.checkInRange(sess, doc); err != nil {
		return err
	}
	if err := sess.coll.Upsert(ctx, doc); err != nil {
		return errors.Wrap(err, "applying document")
	}
	return nil
}

func (m *Manager) count(sess *session, st State, n int) {
	m.mu.Lock()
	switch st {
	case Catchup:
		sess.counters.Catchup += int64(n)
	case Steady:
		sess.counters.Steady += int64(n)
	}
	m.mu.Unlock()
	m.metrics.Documents.WithLabelValues(st.String()).Add(float64(n))
}

// flush waits for applied writes to satisfy the session's write concern.
func (m *Manager) flush(sess *session) error {
	if !sess.wc.durable() {
		return nil
	}
	if err := sess.coll.Sync(); err != nil {
		return errors.Wrap(err, "flushing migrated documents")
	}
	return nil
}

// finish ends the session. A clean run that reached COMMIT_START commits the
// range; anything else forgets it and, unless the session was aborted,
// records the failure.
func (m *Manager) finish(sess *session, runErr error) {
	req := sess.req
	if runErr == nil {
		m.mu.Lock()
		if cs, ok := m.phase.(commitStartPhase); ok {
			if err := sess.coll.CommitPending(req.Range); err != nil {
				runErr = err
			} else {
				m.setPhaseLocked(donePhase{})
				m.releaseLocked(sess)
				m.mu.Unlock()
				m.logger.Info("migration done",
					zap.Stringer("session", req.SessionID),
					zap.Stringer("ns", req.NS),
					zap.Stringer("range", req.Range),
					zap.Duration("commit", time.Since(cs.since)))
				return
			}
		} else {
			runErr = errAborted
		}
		m.mu.Unlock()
	}

	sess.coll.ForgetPending(req.Range)
	m.endDonorSession(sess)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase.state() != Abort {
		m.setPhaseLocked(failPhase{errmsg: runErr.Error()})
		m.logger.Error("migration failed",
			zap.Stringer("session", req.SessionID), zap.Stringer("ns", req.NS), zap.Error(runErr))
	} else {
		m.logger.Info("migration aborted", zap.Stringer("session", req.SessionID), zap.Stringer("ns", req.NS))
	}
	m.releaseLocked(sess)
}

// StartCommit asks the active migration to apply its final modifications and
// take ownership of the range. It returns once the migration is DONE.
func (m *Manager) StartCommit(ctx context.Context, sid SessionID) error {
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return errcode.New(errcode.IllegalOperation, "no active migration")
	}
	sess := m.session
	if !sess.req.SessionID.Matches(sid) {
		m.mu.Unlock()
		return errcode.New(errcode.IllegalOperation, "session %s does not match active migration %s", sid, sess.req.SessionID)
	}
	if st := m.phase.state(); st != Steady {
		m.mu.Unlock()
		return errcode.New(errcode.IllegalOperation, "migration %s is in state %s, expected %s", sid, st, Steady)
	}
	m.setPhaseLocked(commitStartPhase{since: time.Now()})
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, m.cfg.CommitTimeout)
	defer cancel()
	for {
		m.mu.Lock()
		p, changed := m.phase, m.changed
		m.mu.Unlock()
		switch p := p.(type) {
		case donePhase:
			return nil
		case failPhase:
			return errors.Newf("migration %s failed: %s", sid, p.errmsg)
		case abortPhase:
			return errcode.New(errcode.ConflictingOperationInProgress, "migration %s was aborted", sid)
		}
		select {
		case <-changed:
		case <-ctx.Done():
			m.logger.Warn("commit did not finish in time, aborting", zap.Stringer("session", sid))
			m.mu.Lock()
			done := m.abortLocked(sess)
			m.mu.Unlock()
			waitDone(context.Background(), done)
			return errors.Wrapf(ctx.Err(), "waiting for migration %s to commit", sid)
		}
	}
}

// abortLocked moves an unfinished session to ABORT and cancels its drive
// goroutine. The returned channel closes once the goroutine exited; it is
// nil when there is nothing to wait for.
func (m *Manager) abortLocked(sess *session) <-chan struct{} {
	if m.session != sess || m.phase.state().IsTerminal() {
		return nil
	}
	m.setPhaseLocked(abortPhase{})
	if sess.cancel != nil {
		sess.cancel()
	}
	if sess.done == nil {
		return nil
	}
	return sess.done
}

func waitDone(ctx context.Context, done <-chan struct{}) error {
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Abort stops the active migration if sid names it. Aborting while idle or
// with a different session id does nothing. It waits, bounded by ctx, until
// the range has been released.
func (m *Manager) Abort(ctx context.Context, sid SessionID) error {
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		m.logger.Debug("abort with no active migration", zap.Stringer("session", sid))
		return nil
	}
	sess := m.session
	if !sess.req.SessionID.Matches(sid) {
		m.mu.Unlock()
		m.logger.Warn("ignoring abort for another session",
			zap.Stringer("session", sid), zap.Stringer("active", sess.req.SessionID))
		return nil
	}
	done := m.abortLocked(sess)
	m.mu.Unlock()
	return waitDone(ctx, done)
}

// AbortWithoutSessionCheck aborts whatever migration is active.
func (m *Manager) AbortWithoutSessionCheck(ctx context.Context) error {
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return nil
	}
	done := m.abortLocked(m.session)
	m.mu.Unlock()
	return waitDone(ctx, done)
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase.state()
}

// IsActive reports whether a migration holds this shard's admission.
func (m *Manager) IsActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Close aborts any active migration and waits for it to unwind.
func (m *Manager) Close(ctx context.Context) error {
	return m.AbortWithoutSessionCheck(ctx)
}
