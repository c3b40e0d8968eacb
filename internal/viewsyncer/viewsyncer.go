// Package viewsyncer implements the per-client-group orchestrator (spec.md
// §4.6): it owns one pipeline.Driver and one cvr.Record, serializes all
// mutation through a single reconcile loop, and drives pokes out to
// attached clients.
//
// Because Go has no coroutine-held lock across await points the way the
// original single-writer design assumes, the "logical lock" here is
// modeled as one dedicated goroutine draining a buffered command channel
// — only that goroutine ever touches the Driver or Record, so no mutex is
// needed around them. This follows the teacher's own WorkerPool shape
// (internal/storage/concurrency.go) of goroutines pulling off a job
// channel, here with one reconcile loop per client group; the number of
// loops is not bounded by a worker pool.
package viewsyncer

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/zerocache/viewsyncer/internal/ast"
	"github.com/zerocache/viewsyncer/internal/authz"
	"github.com/zerocache/viewsyncer/internal/cvr"
	"github.com/zerocache/viewsyncer/internal/cvr/updater"
	"github.com/zerocache/viewsyncer/internal/errs"
	"github.com/zerocache/viewsyncer/internal/ivm"
	"github.com/zerocache/viewsyncer/internal/logging"
	"github.com/zerocache/viewsyncer/internal/pipeline"
	"github.com/zerocache/viewsyncer/internal/poke"
	"github.com/zerocache/viewsyncer/internal/ttlclock"
)

// command is one unit of work the reconcile loop processes serially.
type command struct {
	run  func()
	done chan struct{}
}

// Orchestrator owns one client group's ViewSyncer state machine (spec.md
// §4.6).
type Orchestrator struct {
	clientGroupID string
	store         cvr.Store
	driver        *pipeline.Driver
	log           *logging.Logger
	advanceBudget time.Duration

	record     *cvr.Record
	token      cvr.OwnershipToken
	pinnedAuth *authz.AuthToken

	clients  map[string]*poke.ClientHandler
	ttl      *ttlclock.Clock
	ttlSched *ttlclock.Scheduler

	cmds   chan command
	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs an Orchestrator; Start must be called before any
// mutation method is used.
func New(clientGroupID string, store cvr.Store, driver *pipeline.Driver, log *logging.Logger, advanceBudget time.Duration) *Orchestrator {
	o := &Orchestrator{
		clientGroupID: clientGroupID,
		store:         store,
		driver:        driver,
		log:           log,
		advanceBudget: advanceBudget,
		clients:       map[string]*poke.ClientHandler{},
		ttl:           ttlclock.New(0),
		cmds:          make(chan command, 64),
		done:          make(chan struct{}),
	}
	o.ttlSched = ttlclock.NewScheduler(o.ttl, o.evictExpiredQuery)
	return o
}

// Start loads the CVR, claims ownership, and launches the reconcile loop
// goroutine (spec.md §4.6).
func (o *Orchestrator) Start(ctx context.Context) error {
	rec, err := o.store.Load(ctx, o.clientGroupID)
	if err != nil {
		return fmt.Errorf("viewsyncer: load cvr: %w", err)
	}
	o.record = rec
	o.token = cvr.OwnershipToken{TaskID: uuid.New(), LastConnectTime: time.Now()}
	o.record.Owner = o.token
	if err := o.store.ClaimOwnership(ctx, o.clientGroupID, o.token); err != nil {
		return fmt.Errorf("viewsyncer: claim ownership: %w", err)
	}

	o.ttlSched.Start()

	loopCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	go o.run(loopCtx)
	return nil
}

// run is the single goroutine that owns o.record and o.driver; this is the
// "logical lock" referenced in the package doc.
func (o *Orchestrator) run(ctx context.Context) {
	defer close(o.done)
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-o.cmds:
			cmd.run()
			close(cmd.done)
		}
	}
}

// exec submits fn to the reconcile loop and blocks until it has run,
// giving external callers (inspect RPC, AddClient, handlers) serialized
// access without taking a lock themselves.
func (o *Orchestrator) exec(fn func()) {
	done := make(chan struct{})
	o.cmds <- command{run: fn, done: done}
	<-done
}

// Stop stops the TTL scheduler first so no eviction can fire after the
// reconcile loop exits, then cancels the loop and waits for it to exit
// (spec.md §4.6 graceful shutdown).
func (o *Orchestrator) Stop() {
	o.ttlSched.Stop()
	if o.cancel != nil {
		o.cancel()
	}
	<-o.done
}

// DesiredQueryChange is one resolved entry of an initConnection or
// changeDesiredQueries frame's desiredQueriesPatch (spec.md §4.6, §6): "put"
// adds (or re-activates) a client's interest in a query, "del" marks it
// inactive and starts its TTL grace period, and "clear" does "del" for
// every query the client currently desires.
type DesiredQueryChange struct {
	Op          string // "put" | "del" | "clear"
	Hash        string
	Query       *ast.Query
	Transformer authz.Transformer
	AuthData    map[string]any
	TTLMillis   int64
}

// AddClient registers a newly connected client, pins (or checks) its auth
// token, and folds its initial desired-query set into the pipeline/CVR
// (spec.md §4.3 addQuery, §4.4, §4.5, §4.6 invariant §8.7 token pinning).
func (o *Orchestrator) AddClient(ctx context.Context, clientID, baseCookie string, schemaVersion int, token authz.AuthToken, downstream poke.Downstream, changes []DesiredQueryChange) error {
	var retErr error
	o.exec(func() {
		if err := o.pinToken(token); err != nil {
			retErr = err
			return
		}

		now := time.Now()
		updater.NewConfigDrivenUpdater(o.record).PutClient(clientID, baseCookie, schemaVersion, now)
		o.record.LastActive = now

		o.clients[clientID] = poke.NewClientHandler(clientID, downstream, baseCookie)
		o.ttl.Connect()

		retErr = o.applyDesiredQueries(ctx, clientID, changes)
	})
	return retErr
}

// pinToken enforces spec.md §4.6/invariant §8.7: every accepted token in a
// client group must share the same Sub; among tokens with equal Sub, the
// one with the greatest IAT is retained as the pinned token.
func (o *Orchestrator) pinToken(token authz.AuthToken) error {
	if o.pinnedAuth == nil {
		o.pinnedAuth = &token
		return nil
	}
	if token.Sub != o.pinnedAuth.Sub {
		return errs.New(errs.Unauthorized, "token sub %q does not match pinned sub %q for client group %s", token.Sub, o.pinnedAuth.Sub, o.clientGroupID)
	}
	if token.IAT > o.pinnedAuth.IAT {
		o.pinnedAuth = &token
	}
	return nil
}

// ChangeDesiredQueries applies a changeDesiredQueries frame for an
// already-connected client (spec.md §4.6's changeDesiredQueries /
// syncQueryPipelineSet).
func (o *Orchestrator) ChangeDesiredQueries(ctx context.Context, clientID string, changes []DesiredQueryChange) error {
	var retErr error
	o.exec(func() {
		if _, ok := o.clients[clientID]; !ok {
			retErr = errs.New(errs.ClientNotFound, "client %s is not connected to group %s", clientID, o.clientGroupID)
			return
		}
		retErr = o.applyDesiredQueries(ctx, clientID, changes)
	})
	return retErr
}

// applyDesiredQueries is syncQueryPipelineSet (spec.md §4.6): it folds
// clientID's put/del/clear desired-query changes into the CVR and driver —
// hydrating any pipeline newly made active, and arming or cancelling TTL
// eviction deadlines for ones a client stopped desiring — then delivers the
// resulting patches to attached clients. Must run on the reconcile loop.
func (o *Orchestrator) applyDesiredQueries(ctx context.Context, clientID string, changes []DesiredQueryChange) error {
	cfgUpdater := updater.NewConfigDrivenUpdater(o.record)
	qu := updater.NewQueryDrivenUpdater(o.record)
	now := o.ttl.Read()

	var allPatches []updater.Patch
	for _, ch := range changes {
		switch ch.Op {
		case "put":
			_, alreadyActive := o.record.Queries[ch.Hash]
			transformed, err := ch.Transformer.Transform(ch.Query, ch.AuthData)
			if err != nil {
				return errs.Wrap(errs.Unauthorized, err, "transform query %s", ch.Hash)
			}
			cfgUpdater.AddQuery(ch.Hash, clientID, ch.TTLMillis)
			o.ttlSched.Cancel(ch.Hash)
			if alreadyActive {
				continue
			}
			rows, err := o.driver.AddQuery(ch.Hash, transformed)
			if err != nil {
				return fmt.Errorf("viewsyncer: hydrate %s: %w", ch.Hash, err)
			}
			allPatches = append(allPatches, qu.Received(ch.Hash, transformed.Table, rowsToAdds(rows))...)

		case "del":
			cfgUpdater.InactivateQuery(ch.Hash, clientID, now)
			o.armDeadline(ch.Hash)

		case "clear":
			for hash := range o.record.Queries {
				cfgUpdater.InactivateQuery(hash, clientID, now)
				o.armDeadline(hash)
			}
		}
	}

	return o.deliver(ctx, allPatches)
}

// armDeadline re-evaluates hash's eviction deadline from its current
// client-state map: if any client still actively desires it the timer is
// cancelled outright, otherwise the nearest per-client grace-period
// deadline is (re)armed (spec.md §4.7's scheduleExpireEviction).
func (o *Orchestrator) armDeadline(hash string) {
	q, ok := o.record.Queries[hash]
	if !ok || len(q.ClientIDs) > 0 {
		o.ttlSched.Cancel(hash)
		return
	}
	var deadline int64 = -1
	for _, state := range q.Clients {
		if !state.Inactive() {
			continue
		}
		d := state.InactivatedAt + state.TTLMillis
		if deadline == -1 || d < deadline {
			deadline = d
		}
	}
	if deadline < 0 {
		o.ttlSched.Cancel(hash)
		return
	}
	o.ttlSched.SetDeadline(hash, deadline)
}

// evictExpiredQuery is the ttlclock.Scheduler callback (spec.md §4.7's "on
// fire, the reconcile loop is invoked under the lock"); it hops onto the
// reconcile loop via exec so the eviction itself is serialized with every
// other mutation.
func (o *Orchestrator) evictExpiredQuery(hash string) {
	o.exec(func() {
		o.evictQuery(context.Background(), hash)
	})
}

// evictQuery drops hash's QueryRecord and pipeline once confirmed still
// expired (a re-`put` can race the timer firing) and delivers the
// resulting row deletes (spec.md §4.7, scenario (c)).
func (o *Orchestrator) evictQuery(ctx context.Context, hash string) {
	cfgUpdater := updater.NewConfigDrivenUpdater(o.record)
	stillExpired := false
	for _, h := range cfgUpdater.ExpiredQueries(o.ttl.Read()) {
		if h == hash {
			stillExpired = true
			break
		}
	}
	if !stillExpired {
		return
	}

	qu := updater.NewQueryDrivenUpdater(o.record)
	cfgUpdater.EvictQuery(hash)
	qu.ForgetQuery(hash)
	o.driver.RemoveQuery(hash)
	patches := qu.DeleteUnreferencedRows()

	if err := o.deliver(ctx, patches); err != nil {
		o.log.Error("evict query %s: %v", hash, err)
	}
}

// RemoveClient disconnects clientID. Its desired queries are inactivated
// (not dropped outright) so the TTL clock reclaims them, matching a
// disconnect to an implicit "del" on every query it held (spec.md §4.7).
func (o *Orchestrator) RemoveClient(clientID string) {
	o.exec(func() {
		delete(o.clients, clientID)
		now := o.ttl.Read()
		affected := updater.NewConfigDrivenUpdater(o.record).RemoveClient(clientID, now)
		for _, hash := range affected {
			o.armDeadline(hash)
		}
		o.ttl.Disconnect()
	})
}

// Reconcile advances the driver against upstream changes and delivers any
// resulting patches to attached clients (spec.md §4.6's syncQueryPipelineSet).
// On errs.ErrResetPipelines it rebuilds every pipeline from scratch
// (spec.md §4.3) and delivers nothing for that cycle.
func (o *Orchestrator) Reconcile(ctx context.Context) error {
	var retErr error
	o.exec(func() {
		if len(o.clients) == 0 {
			if err := o.driver.AdvanceWithoutDiff(); err != nil {
				retErr = err
			}
			return
		}

		results, err := o.driver.Advance(o.advanceBudget)
		if err == errs.ErrResetPipelines {
			o.log.Warn("resetting pipelines after circuit breaker trip")
			if _, rerr := o.driver.Reset(); rerr != nil {
				retErr = rerr
			}
			return
		}
		if err != nil {
			retErr = err
			return
		}

		var allPatches []updater.Patch
		qu := updater.NewQueryDrivenUpdater(o.record)
		for _, res := range results {
			patches := qu.Received(res.QueryHash, res.Table, res.Changes)
			allPatches = append(allPatches, patches...)
		}
		allPatches = append(allPatches, qu.DeleteUnreferencedRows()...)

		retErr = o.deliver(ctx, allPatches)
	})
	return retErr
}

// deliver sends allPatches as one incremental poke to every client handler
// whose BaseCookie already matches the group's pre-poke cookie, and routes
// every lagging handler (including one that just connected at a stale or
// absent cookie) through a full-state catchup poke instead, excluding it
// from the incremental one (spec.md §4.5/§4.6's catchupClients). Before
// sending anything it bumps the CVR version (if there are patches) and
// flushes, so a failed flush (e.g. errs.ErrOwnershipLost) sends no poke.
func (o *Orchestrator) deliver(ctx context.Context, allPatches []updater.Patch) error {
	currentCookie := fmt.Sprintf("%d", o.record.Version)

	var upToDate, lagging []*poke.ClientHandler
	for _, h := range o.clients {
		if h.BaseCookie() == currentCookie {
			upToDate = append(upToDate, h)
		} else {
			lagging = append(lagging, h)
		}
	}

	if len(allPatches) > 0 {
		o.record.Version++
	}
	if err := o.store.Flush(ctx, o.record); err != nil {
		return err
	}

	if len(allPatches) > 0 && len(upToDate) > 0 {
		p := poke.NewPoker(upToDate)
		if err := p.Start(currentCookie); err != nil {
			return err
		}
		if err := p.AddPatch(allPatches); err != nil {
			return err
		}
		if err := p.End(fmt.Sprintf("%d", o.record.Version)); err != nil {
			return err
		}
	}

	if len(lagging) > 0 {
		newCookie := fmt.Sprintf("%d", o.record.Version)
		if err := poke.CatchupClients(lagging, newCookie, o.fullStatePatches()); err != nil {
			return err
		}
	}

	return nil
}

// fullStatePatches builds a full-snapshot patch set from every row the CVR
// currently has referenced by at least one query, for catchup delivery to
// clients reconnecting behind the group's current cookie (spec.md §4.5).
func (o *Orchestrator) fullStatePatches() []updater.Patch {
	patches := make([]updater.Patch, 0, len(o.record.Rows))
	for _, row := range o.record.Rows {
		if row.TotalRefCount() <= 0 {
			continue
		}
		patches = append(patches, updater.Patch{Table: row.Table, Type: ivm.Add, Row: row.PK})
	}
	return patches
}

func rowsToAdds(rows []ivm.Row) []ivm.Change {
	out := make([]ivm.Change, len(rows))
	for i, r := range rows {
		out[i] = ivm.Change{Type: ivm.Add, Row: r}
	}
	return out
}
