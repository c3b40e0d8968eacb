// Package pipeline drives the incremental view maintenance pipelines for
// one client group's active queries (spec.md §4.3): it owns the mapping
// from queryHash to compiled ivm.Operator tree, hydrates new queries,
// and advances all pipelines against a batch of upstream changes.
//
// The cooperative-yield and circuit-breaker timing logic below is
// generalized from the teacher's WorkerPool/BatchProcessor cooperative
// scheduling in internal/storage/concurrency.go, which periodically checks
// elapsed time and queue depth to decide whether to keep draining a batch
// inline or hand back control.
package pipeline

import (
	"runtime"
	"time"

	"github.com/zerocache/viewsyncer/internal/ast"
	"github.com/zerocache/viewsyncer/internal/errs"
	"github.com/zerocache/viewsyncer/internal/ivm"
)

// hydrateYieldRows/hydrateYieldInterval set how often a single hydrate
// call yields the processor (spec.md §4.3); advanceBreakerRows is how often
// Advance checks its circuit breaker.
const (
	hydrateYieldRows     = 100
	hydrateYieldInterval = 500 * time.Millisecond

	advanceBreakerRows = 10
)

// ReplicaSnapshotter exposes the upstream replica to the pipeline driver:
// a row fetch (for hydration) and a changelog read since a version (for
// advance) (spec.md §4.3, §6). The implementations in this module
// (replicasqlite, replicatest) ignore Fetch's atVersion and read the
// table's current rows.
type ReplicaSnapshotter interface {
	Fetch(table string, constraint ivm.Constraint, atVersion string) (ivm.RowIterator, error)
	ChangesSince(sinceVersion string) ([]ivm.Change, string, error)
}

// replicaSource is the single shared reader for one table: every pipeline
// touching that table attaches its own sourceProxy to it, so a pushed
// change is broadcast to every attached occurrence rather than to just one
// operator tree (spec.md §9 Design Notes: a TableSource is "shared by
// reference ... otherwise a fan-out operator is interposed").
type replicaSource struct {
	table     string
	schema    ivm.Schema
	replica   ReplicaSnapshotter
	version   string
	listeners []*sourceProxy
}

func (s *replicaSource) fetch(c ivm.Constraint) (ivm.RowIterator, error) {
	return s.replica.Fetch(s.table, c, s.version)
}

// push fans one raw replica change out to every attachment on this table.
func (s *replicaSource) push(c ivm.Change) error {
	for _, l := range s.listeners {
		if err := l.Push(c); err != nil {
			return err
		}
	}
	return nil
}

func (s *replicaSource) attach() *sourceProxy {
	p := &sourceProxy{shared: s}
	s.listeners = append(s.listeners, p)
	return p
}

func (s *replicaSource) detach(p *sourceProxy) {
	for i, l := range s.listeners {
		if l == p {
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			return
		}
	}
}

// sourceProxy is the ivm.TableSource handed to one Compile call's use of a
// table. It is the fan-out attachment point: a self-join or two distinct
// pipelines referencing the same table each get their own proxy, with its
// own registered Output, while Fetch/Schema delegate to the one shared
// reader underneath.
type sourceProxy struct {
	shared *replicaSource
	out    ivm.Output
}

func (p *sourceProxy) Schema() ivm.Schema { return p.shared.schema }

func (p *sourceProxy) Fetch(c ivm.Constraint) (ivm.RowIterator, error) {
	return p.shared.fetch(c)
}

func (p *sourceProxy) SetOutput(out ivm.Output) { p.out = out }
func (p *sourceProxy) Destroy()                 {}

func (p *sourceProxy) Push(c ivm.Change) error {
	if p.out == nil {
		return nil
	}
	return p.out.Push(c)
}

// SchemaCatalog resolves table schemas for table names; a thin seam so the
// Driver does not need to special-case a hardcoded schema set.
type SchemaCatalog interface {
	Schema(table string) (ivm.Schema, bool)
}

// proxyRef records one (table, proxy) attachment made while compiling a
// single pipeline, so RemoveQuery can later detach exactly those listeners
// and leave every other pipeline's attachment on that table untouched.
type proxyRef struct {
	table string
	proxy *sourceProxy
}

// recordingFactory implements ivm.SourceFactory over a Driver's shared
// source cache, recording every proxy handed out during one Compile call.
type recordingFactory struct {
	driver  *Driver
	proxies []proxyRef
}

func (f *recordingFactory) TableSource(table string) (ivm.TableSource, error) {
	proxy, err := f.driver.attachSource(table)
	if err != nil {
		return nil, err
	}
	f.proxies = append(f.proxies, proxyRef{table: table, proxy: proxy})
	return proxy, nil
}

// Pipeline is one compiled, hydrated query: its operator tree, the sink
// collecting advance-time diffs at its root, and the source attachments it
// must release when removed.
type Pipeline struct {
	QueryHash string
	Query     *ast.Query
	Root      ivm.Operator

	sink    *collectOutput
	proxies []proxyRef
}

// Driver owns every active pipeline for one client group (spec.md §4.3),
// plus the per-table replicaSources those pipelines share.
type Driver struct {
	replica ReplicaSnapshotter
	catalog SchemaCatalog

	version   string
	pipelines map[string]*Pipeline
	sources   map[string]*replicaSource
}

func NewDriver(replica ReplicaSnapshotter, catalog SchemaCatalog, initialVersion string) *Driver {
	return &Driver{
		replica:   replica,
		catalog:   catalog,
		version:   initialVersion,
		pipelines: map[string]*Pipeline{},
		sources:   map[string]*replicaSource{},
	}
}

func (d *Driver) Version() string { return d.version }

// attachSource returns a fresh sourceProxy for table, creating and caching
// the shared replicaSource on first use.
func (d *Driver) attachSource(table string) (*sourceProxy, error) {
	src, ok := d.sources[table]
	if !ok {
		schema, ok := d.catalog.Schema(table)
		if !ok {
			return nil, errs.New(errs.InvalidPush, "unknown table %q", table)
		}
		src = &replicaSource{table: table, schema: schema, replica: d.replica, version: d.version}
		d.sources[table] = src
	}
	return src.attach(), nil
}

// AddQuery compiles and hydrates a new pipeline, returning its full result
// set for initial CVR population (spec.md §4.3 addQuery / §4.4 hydrate).
func (d *Driver) AddQuery(hash string, q *ast.Query) ([]ivm.Row, error) {
	factory := &recordingFactory{driver: d}
	root, err := ivm.Compile(q, factory)
	if err != nil {
		return nil, err
	}
	sink := &collectOutput{}
	root.SetOutput(sink)
	rows, err := hydrate(root)
	if err != nil {
		root.Destroy()
		for _, ref := range factory.proxies {
			if src, ok := d.sources[ref.table]; ok {
				src.detach(ref.proxy)
			}
		}
		return nil, err
	}
	d.pipelines[hash] = &Pipeline{QueryHash: hash, Query: q, Root: root, sink: sink, proxies: factory.proxies}
	return rows, nil
}

// RemoveQuery tears down and forgets one pipeline (spec.md §4.3), detaching
// its source attachments so it stops receiving broadcast pushes.
func (d *Driver) RemoveQuery(hash string) {
	p, ok := d.pipelines[hash]
	if !ok {
		return
	}
	for _, ref := range p.proxies {
		if src, ok := d.sources[ref.table]; ok {
			src.detach(ref.proxy)
		}
	}
	p.Root.Destroy()
	delete(d.pipelines, hash)
}

// hydrate drains a freshly compiled tree's Fetch (spec.md §4.3). Every
// hydrateYieldRows rows, if more than hydrateYieldInterval has passed since
// the start or the last yield, it calls runtime.Gosched. It always returns
// the complete row set; it never stops early.
func hydrate(root ivm.Operator) ([]ivm.Row, error) {
	it, err := root.Fetch(ivm.Constraint{})
	if err != nil {
		return nil, err
	}
	defer it.Close()

	start := time.Now()
	var rows []ivm.Row
	for {
		r, ok, err := it.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return rows, nil
		}
		rows = append(rows, r)
		if len(rows)%hydrateYieldRows == 0 && time.Since(start) > hydrateYieldInterval {
			runtime.Gosched()
			start = time.Now()
		}
	}
}

// AdvanceResult summarizes one advance() call's effect on a single
// pipeline, for CVR diffing (spec.md §4.3/§4.4's "received(rows)"). Table
// is the pipeline's root query table, matching how CVR row keys are built
// everywhere else a pipeline's output feeds the CVR layer.
type AdvanceResult struct {
	QueryHash string
	Table     string
	Changes   []ivm.Change
}

// Advance applies all replica changes since the driver's current version,
// pushing each one into the shared leaf TableSource for its table so it
// fans out through every pipeline's operator tree and lands in that
// pipeline's root sink. Every advanceBreakerRows changes it checks a
// circuit breaker: if more than half of budget has elapsed while fewer than
// half of the changes have been reached, it aborts with
// errs.ErrResetPipelines so the caller rebuilds from scratch rather than
// risk an inconsistent partial application (spec.md §4.3).
func (d *Driver) Advance(budget time.Duration) ([]AdvanceResult, error) {
	start := time.Now()
	changes, newVersion, err := d.replica.ChangesSince(d.version)
	if err != nil {
		return nil, err
	}

	touched := 0
	for _, c := range changes {
		touched++
		if touched%advanceBreakerRows == 0 && touched*2 < len(changes) && time.Since(start) > budget/2 {
			return nil, errs.ErrResetPipelines
		}
		src, ok := d.sources[c.Table]
		if !ok {
			continue // no pipeline currently reads this table
		}
		if err := src.push(c); err != nil {
			return nil, err
		}
	}
	d.version = newVersion
	d.retarget(newVersion)

	out := make([]AdvanceResult, 0, len(d.pipelines))
	for hash, p := range d.pipelines {
		if len(p.sink.changes) == 0 {
			continue
		}
		out = append(out, AdvanceResult{QueryHash: hash, Table: p.Query.Table, Changes: p.sink.changes})
		p.sink.changes = nil
	}
	return out, nil
}

// AdvanceWithoutDiff fast-forwards the driver's version watermark without
// computing per-pipeline diffs, used when no client is attached to
// observe the change (spec.md §4.3 advanceWithoutDiff).
func (d *Driver) AdvanceWithoutDiff() error {
	_, newVersion, err := d.replica.ChangesSince(d.version)
	if err != nil {
		return err
	}
	d.version = newVersion
	d.retarget(newVersion)
	return nil
}

// retarget updates every shared source's pinned Fetch version, so a
// subsequent AddQuery's hydration (or a Reset rebuild) reads at the
// driver's current watermark.
func (d *Driver) retarget(version string) {
	for _, s := range d.sources {
		s.version = version
	}
}

// Reset tears down and recompiles every pipeline (and every shared source)
// against the current replica version, used after ErrResetPipelines or a
// schema mismatch (spec.md §4.3 reset / §4.1 SchemaMismatchError).
func (d *Driver) Reset() (map[string][]ivm.Row, error) {
	queries := make(map[string]*ast.Query, len(d.pipelines))
	for hash, p := range d.pipelines {
		queries[hash] = p.Query
		p.Root.Destroy()
	}
	d.pipelines = map[string]*Pipeline{}
	d.sources = map[string]*replicaSource{}

	out := map[string][]ivm.Row{}
	for hash, q := range queries {
		rows, err := d.AddQuery(hash, q)
		if err != nil {
			return nil, err
		}
		out[hash] = rows
	}
	return out, nil
}

type collectOutput struct{ changes []ivm.Change }

func (c *collectOutput) Push(change ivm.Change) error {
	c.changes = append(c.changes, change)
	return nil
}
