// Command viewsyncer runs one or more Zero-cache View Syncer client-group
// orchestrators behind a websocket poke endpoint and a diagnostic gRPC
// inspect service. Flag wiring and server bootstrap follow the teacher's
// own cmd/server/main.go: a flag.FlagSet, a net/http mux for the public
// surface, and a manually registered grpc.Server for the internal one.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/grpc"

	"github.com/zerocache/viewsyncer/internal/authz"
	"github.com/zerocache/viewsyncer/internal/config"
	"github.com/zerocache/viewsyncer/internal/cvr"
	"github.com/zerocache/viewsyncer/internal/cvr/sqlstore"
	"github.com/zerocache/viewsyncer/internal/inspectrpc"
	"github.com/zerocache/viewsyncer/internal/logging"
	"github.com/zerocache/viewsyncer/internal/pipeline"
	"github.com/zerocache/viewsyncer/internal/poke"
	"github.com/zerocache/viewsyncer/internal/replicasqlite"
	"github.com/zerocache/viewsyncer/internal/viewsyncer"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// registry tracks one Orchestrator per client group, started lazily on
// first connection (spec.md §4.6). Every group shares the one open replica
// snapshot (it is read-only and self-describes its own version per call)
// but owns an independent pipeline.Driver, since each client group may be
// caught up to a different replica version.
type registry struct {
	mu      sync.Mutex
	group   map[string]*viewsyncer.Orchestrator
	store   cvr.Store
	replica *replicasqlite.Replica
	log     *logging.Logger
	cfg     config.Config
}

func newRegistry(store cvr.Store, replica *replicasqlite.Replica, log *logging.Logger, cfg config.Config) *registry {
	return &registry{group: map[string]*viewsyncer.Orchestrator{}, store: store, replica: replica, log: log, cfg: cfg}
}

func (r *registry) get(ctx context.Context, clientGroupID string) (*viewsyncer.Orchestrator, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if o, ok := r.group[clientGroupID]; ok {
		return o, nil
	}
	driver := pipeline.NewDriver(r.replica, r.replica, "0")
	o := viewsyncer.New(clientGroupID, r.store, driver, r.log.With(clientGroupID), r.cfg.SlowHydrateThreshold())
	if err := o.Start(ctx); err != nil {
		return nil, err
	}
	r.group[clientGroupID] = o
	return o, nil
}

func (r *registry) Inspect(clientGroupID string) (inspectrpc.InspectResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.group[clientGroupID]; !ok {
		return inspectrpc.InspectResponse{}, fmt.Errorf("unknown client group %q", clientGroupID)
	}
	return inspectrpc.InspectResponse{Metrics: inspectrpc.Metrics{ClientGroupID: clientGroupID}}, nil
}

func main() {
	fs := flag.NewFlagSet("viewsyncer", flag.ExitOnError)
	configPath := fs.String("config", "", "optional YAML config file")
	listenAddr := fs.String("listen", ":8976", "websocket listen address")
	grpcAddr := fs.String("grpc.listen", ":8977", "inspect gRPC listen address")

	cfg, err := config.ParseFlags(fs, os.Args[1:], *configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "viewsyncer:", err)
		os.Exit(1)
	}

	log := logging.New("viewsyncer", logging.ParseLevel(cfg.LogLevel))

	store, err := sqlstore.Open(cfg.CVRDB)
	if err != nil {
		log.Error("open cvr store: %v", err)
		os.Exit(1)
	}
	defer store.Close()

	replica, err := replicasqlite.Open(cfg.ReplicaFile)
	if err != nil {
		log.Error("open replica: %v", err)
		os.Exit(1)
	}
	defer replica.Close()

	reg := newRegistry(store, replica, log, cfg)

	mux := http.NewServeMux()
	mux.HandleFunc("/sync/v1/connect", func(w http.ResponseWriter, req *http.Request) {
		handleConnect(w, req, reg, log)
	})

	grpcServer := grpc.NewServer()
	inspectrpc.Register(grpcServer, inspectrpc.NewServer(reg))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	httpServer := &http.Server{Addr: *listenAddr, Handler: mux}
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info("poke endpoint listening on %s", *listenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server: %v", err)
		}
	}()

	lis, err := net.Listen("tcp", *grpcAddr)
	if err != nil {
		log.Error("listen grpc: %v", err)
		os.Exit(1)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info("inspect rpc listening on %s", *grpcAddr)
		if err := grpcServer.Serve(lis); err != nil {
			log.Error("grpc server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	httpServer.Shutdown(shutdownCtx)
	grpcServer.GracefulStop()

	reg.mu.Lock()
	for _, o := range reg.group {
		o.Stop()
	}
	reg.mu.Unlock()

	wg.Wait()
}

// handleConnect upgrades one websocket, reads the spec.md §6 initConnection
// message, attaches the client to its group's Orchestrator, then drains
// changeDesiredQueries/deleteClients frames until the socket closes, at
// which point it removes the client and lets the TTL clock reclaim its
// now-unreferenced queries (spec.md §4.7).
func handleConnect(w http.ResponseWriter, req *http.Request, reg *registry, log *logging.Logger) {
	clientGroupID := req.URL.Query().Get("clientGroupID")
	if clientGroupID == "" {
		http.Error(w, "missing clientGroupID", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Warn("websocket upgrade failed: %v", err)
		return
	}
	down := poke.NewWSDownstream(conn)

	ctx := req.Context()
	orch, err := reg.get(ctx, clientGroupID)
	if err != nil {
		log.Error("start orchestrator for group %s: %v", clientGroupID, err)
		down.Close()
		return
	}

	_, raw, err := conn.ReadMessage()
	if err != nil {
		log.Debug("client group %s: read initConnection: %v", clientGroupID, err)
		down.Close()
		return
	}
	var connReq poke.ConnectRequest
	if err := json.Unmarshal(raw, &connReq); err != nil {
		log.Warn("client group %s: bad initConnection: %v", clientGroupID, err)
		down.Close()
		return
	}

	changes := desiredQueriesToChanges(connReq.DesiredQueriesPatch)
	if err := orch.AddClient(ctx, connReq.ClientID, connReq.BaseCookie, connReq.SchemaVersion, connReq.Token, down, changes); err != nil {
		log.Warn("client %s/%s: addClient: %v", clientGroupID, connReq.ClientID, err)
		down.Close()
		return
	}
	log.Debug("client %s/%s connected with %d desired queries", clientGroupID, connReq.ClientID, len(changes))

	defer func() {
		orch.RemoveClient(connReq.ClientID)
		down.Close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			log.Debug("client %s/%s disconnected: %v", clientGroupID, connReq.ClientID, err)
			return
		}
		var change poke.ChangeDesiredQueries
		if err := json.Unmarshal(raw, &change); err != nil {
			log.Warn("client %s/%s: bad changeDesiredQueries: %v", clientGroupID, connReq.ClientID, err)
			continue
		}
		changes := desiredQueriesToChanges(change.DesiredQueriesPatch)
		if len(changes) == 0 {
			continue
		}
		if err := orch.ChangeDesiredQueries(ctx, connReq.ClientID, changes); err != nil {
			log.Warn("client %s/%s: changeDesiredQueries: %v", clientGroupID, connReq.ClientID, err)
		}
	}
}

// desiredQueriesToChanges converts the wire-level patch list into the
// resolved form Orchestrator.AddClient/ChangeDesiredQueries expects. "put"
// entries with no attached AST are dropped (named queries resolved
// separately via query.url are out of this core's scope, spec.md §1); "del"
// and "clear" entries pass through untouched since they carry no AST to
// resolve. The passthrough Transformer matches spec.md §1's framing of
// permission rule evaluation as an external collaborator: this CLI wires no
// permission system, so every query is its own "permission-transformed"
// form.
func desiredQueriesToChanges(patches []poke.DesiredQueriesPatch) []viewsyncer.DesiredQueryChange {
	var out []viewsyncer.DesiredQueryChange
	for _, p := range patches {
		if p.Op == "put" && p.AST == nil {
			continue
		}
		out = append(out, viewsyncer.DesiredQueryChange{
			Op:          p.Op,
			Hash:        p.Hash,
			Query:       p.AST,
			Transformer: authz.PassThrough{},
			TTLMillis:   p.TTLMillis,
		})
	}
	return out
}
