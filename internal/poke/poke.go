// Package poke implements the downstream patch protocol (spec.md §4.5,
// §6): pokeStart/pokePart/pokeEnd framing, per-client delivery ordering,
// and catchup for clients that reconnect behind the group's current
// version. Frame encoding follows the teacher's own JSON-over-the-wire
// convention (cmd/server/main.go's manual grpc codec also chooses JSON
// over a binary wire format for inspectability).
package poke

import (
	"encoding/json"

	"github.com/zerocache/viewsyncer/internal/ast"
	"github.com/zerocache/viewsyncer/internal/authz"
	"github.com/zerocache/viewsyncer/internal/cvr/updater"
)

// FrameType names one downstream protocol frame (spec.md §6).
type FrameType string

const (
	FramePokeStart     FrameType = "pokeStart"
	FramePokePart      FrameType = "pokePart"
	FramePokeEnd       FrameType = "pokeEnd"
	FrameDeleteClients FrameType = "deleteClients"
	FrameInspectResp   FrameType = "inspectResponse"
	FrameError         FrameType = "error"
)

// Frame is one message sent down to a client.
type Frame struct {
	Type FrameType `json:"type"`
	Body any       `json:"body"`
}

type PokeStartBody struct {
	PokeID         string `json:"pokeID"`
	BaseCookie     string `json:"baseCookie"`
	SchemaVersions [2]int `json:"schemaVersions,omitempty"` // [min, max] supported
}

type PokePartBody struct {
	PokeID  string            `json:"pokeID"`
	Patches []updater.Patch   `json:"patches"`
	Gots    map[string]string `json:"gotQueries,omitempty"` // queryHash -> resolution note
}

type PokeEndBody struct {
	PokeID     string `json:"pokeID"`
	CookieOut  string `json:"cookie"`
	Cancelled  bool   `json:"cancelled,omitempty"`
}

type DeleteClientsBody struct {
	ClientIDs []string `json:"clientIDs"`
}

type ErrorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Downstream is the transport-agnostic sink a ClientHandler writes frames
// to; concrete transports (wsconn.go's websocket.Conn wrapper, or an
// in-memory test double) implement it.
type Downstream interface {
	Send(f Frame) error
	Close() error
}

func Marshal(f Frame) ([]byte, error) { return json.Marshal(f) }

// ConnectRequest is the spec.md §6 initConnection message a client sends
// right after the websocket upgrade: its identity, the base cookie it is
// resuming from (empty/absent on first connect), and its initial desired
// query set expressed as a patch list so later changeDesiredQueries
// messages share the same shape.
type ConnectRequest struct {
	ClientID            string                `json:"clientID"`
	BaseCookie          string                `json:"baseCookie"`
	SchemaVersion       int                   `json:"schemaVersion"`
	Token               authz.AuthToken       `json:"token"`
	DesiredQueriesPatch []DesiredQueriesPatch `json:"desiredQueriesPatch"`
}

// DesiredQueriesPatch is one entry of a changeDesiredQueries/
// initConnection desiredQueriesPatch list (spec.md §6).
type DesiredQueriesPatch struct {
	Op        string     `json:"op"` // put|del|clear
	Hash      string     `json:"hash"`
	AST       *ast.Query `json:"ast,omitempty"`
	TTLMillis int64      `json:"ttl,omitempty"`
}

// ChangeDesiredQueries is the upstream message adding/removing a client's
// desired query set after the initial connect (spec.md §6).
type ChangeDesiredQueries struct {
	DesiredQueriesPatch []DesiredQueriesPatch `json:"desiredQueriesPatch"`
}
