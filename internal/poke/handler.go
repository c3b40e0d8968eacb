package poke

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/zerocache/viewsyncer/internal/cvr/updater"
)

// ClientHandler owns one connected client's Downstream and its delivery
// bookkeeping: the last cookie it has acknowledged, so catchup can be
// computed against the CVR's current state rather than requiring the
// client to replay every intermediate poke (spec.md §4.5).
type ClientHandler struct {
	mu         sync.Mutex
	ClientID   string
	downstream Downstream
	baseCookie string
}

func NewClientHandler(clientID string, downstream Downstream, baseCookie string) *ClientHandler {
	return &ClientHandler{ClientID: clientID, downstream: downstream, baseCookie: baseCookie}
}

func (h *ClientHandler) BaseCookie() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.baseCookie
}

func (h *ClientHandler) setCookie(cookie string) {
	h.mu.Lock()
	h.baseCookie = cookie
	h.mu.Unlock()
}

func (h *ClientHandler) send(f Frame) error { return h.downstream.Send(f) }

// Poker sequences one poke (a pokeStart/pokePart*/pokeEnd triple) to a set
// of ClientHandlers, matching spec.md §4.5's startPoke/addPatch/end/cancel
// lifecycle. A single Poker instance is used for one reconcile cycle's
// worth of patches across all attached clients.
type Poker struct {
	pokeID   string
	clients  []*ClientHandler
	started  bool
	cancelled bool
}

func NewPoker(clients []*ClientHandler) *Poker {
	return &Poker{pokeID: uuid.NewString(), clients: clients}
}

// Start sends pokeStart to every attached client.
func (p *Poker) Start(baseCookie string) error {
	p.started = true
	for _, c := range p.clients {
		if err := c.send(Frame{Type: FramePokeStart, Body: PokeStartBody{PokeID: p.pokeID, BaseCookie: baseCookie}}); err != nil {
			return fmt.Errorf("poke: start client %s: %w", c.ClientID, err)
		}
	}
	return nil
}

// AddPatch sends one pokePart carrying patches to every attached client.
// Only patches relevant to queries a given client subscribes to should be
// passed by the caller; Poker itself fans identical parts out uniformly,
// matching the simpler case where all attached clients share the same
// query set (per-client filtering, when query sets diverge, is done by
// the caller constructing distinct Pokers).
func (p *Poker) AddPatch(patches []updater.Patch) error {
	if !p.started {
		return fmt.Errorf("poke: addPatch called before start")
	}
	if p.cancelled {
		return nil
	}
	for _, c := range p.clients {
		if err := c.send(Frame{Type: FramePokePart, Body: PokePartBody{PokeID: p.pokeID, Patches: patches}}); err != nil {
			return fmt.Errorf("poke: part client %s: %w", c.ClientID, err)
		}
	}
	return nil
}

// End sends pokeEnd with the new cookie and updates each client's
// acknowledged baseCookie.
func (p *Poker) End(cookieOut string) error {
	if p.cancelled {
		return nil
	}
	for _, c := range p.clients {
		if err := c.send(Frame{Type: FramePokeEnd, Body: PokeEndBody{PokeID: p.pokeID, CookieOut: cookieOut}}); err != nil {
			return fmt.Errorf("poke: end client %s: %w", c.ClientID, err)
		}
		c.setCookie(cookieOut)
	}
	return nil
}

// Cancel aborts an in-flight poke without advancing any client's cookie
// (spec.md §4.5) by sending a cancelled pokeEnd.
func (p *Poker) Cancel() error {
	p.cancelled = true
	for _, c := range p.clients {
		if err := c.send(Frame{Type: FramePokeEnd, Body: PokeEndBody{PokeID: p.pokeID, Cancelled: true}}); err != nil {
			return err
		}
	}
	return nil
}

// CatchupClients sends a synthetic single-part poke to every client whose
// baseCookie differs from currentCookie, delivering fullState unfiltered
// (the same patches to each client, whatever queries it desires) rather
// than replaying history (spec.md §4.5).
func CatchupClients(clients []*ClientHandler, currentCookie string, fullState []updater.Patch) error {
	var lagging []*ClientHandler
	for _, c := range clients {
		if c.BaseCookie() != currentCookie {
			lagging = append(lagging, c)
		}
	}
	if len(lagging) == 0 {
		return nil
	}
	p := NewPoker(lagging)
	if err := p.Start(lagging[0].BaseCookie()); err != nil {
		return err
	}
	if err := p.AddPatch(fullState); err != nil {
		return err
	}
	return p.End(currentCookie)
}
