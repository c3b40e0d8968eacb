package poke

import (
	"testing"

	"github.com/zerocache/viewsyncer/internal/cvr/updater"
	"github.com/zerocache/viewsyncer/internal/ivm"
)

type memDownstream struct {
	frames []Frame
}

func (m *memDownstream) Send(f Frame) error { m.frames = append(m.frames, f); return nil }
func (m *memDownstream) Close() error       { return nil }

func TestPoker_FullLifecycle(t *testing.T) {
	down := &memDownstream{}
	client := NewClientHandler("c1", down, "cookie0")
	p := NewPoker([]*ClientHandler{client})

	if err := p.Start("cookie0"); err != nil {
		t.Fatal(err)
	}
	patches := []updater.Patch{{QueryHash: "h1", Type: ivm.Add, Table: "issue", Row: map[string]any{"id": "1"}}}
	if err := p.AddPatch(patches); err != nil {
		t.Fatal(err)
	}
	if err := p.End("cookie1"); err != nil {
		t.Fatal(err)
	}

	if len(down.frames) != 3 {
		t.Fatalf("expected 3 frames (start/part/end), got %d", len(down.frames))
	}
	if down.frames[0].Type != FramePokeStart || down.frames[2].Type != FramePokeEnd {
		t.Fatalf("unexpected frame sequence: %+v", down.frames)
	}
	if client.BaseCookie() != "cookie1" {
		t.Fatalf("expected client cookie advanced to cookie1, got %s", client.BaseCookie())
	}
}

func TestPoker_AddPatchBeforeStartErrors(t *testing.T) {
	client := NewClientHandler("c1", &memDownstream{}, "")
	p := NewPoker([]*ClientHandler{client})
	if err := p.AddPatch(nil); err == nil {
		t.Fatal("expected error calling AddPatch before Start")
	}
}

func TestPoker_CancelSkipsCookieAdvance(t *testing.T) {
	client := NewClientHandler("c1", &memDownstream{}, "cookie0")
	p := NewPoker([]*ClientHandler{client})
	_ = p.Start("cookie0")
	if err := p.Cancel(); err != nil {
		t.Fatal(err)
	}
	if client.BaseCookie() != "cookie0" {
		t.Fatalf("expected cookie unchanged after cancel, got %s", client.BaseCookie())
	}
}

func TestCatchupClients_SkipsUpToDateClients(t *testing.T) {
	downCurrent := &memDownstream{}
	downLagging := &memDownstream{}
	current := NewClientHandler("current", downCurrent, "cookie5")
	lagging := NewClientHandler("lagging", downLagging, "cookie1")

	if err := CatchupClients([]*ClientHandler{current, lagging}, "cookie5", nil); err != nil {
		t.Fatal(err)
	}
	if len(downCurrent.frames) != 0 {
		t.Fatalf("expected up-to-date client to receive no catchup frames, got %d", len(downCurrent.frames))
	}
	if len(downLagging.frames) != 3 {
		t.Fatalf("expected lagging client to receive start/part/end, got %d", len(downLagging.frames))
	}
}
