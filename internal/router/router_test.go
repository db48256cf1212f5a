package router

import (
	"errors"
	"testing"

	"github.com/mtzanidakis/arable/internal/agent"
	"github.com/mtzanidakis/arable/internal/agents"
	"github.com/mtzanidakis/arable/internal/registry"
)

func newTestRouter(t *testing.T) (*Router, *registry.Registry) {
	t.Helper()
	reg := registry.New(agent.Deps{})
	if err := agents.RegisterBuiltin(reg); err != nil {
		t.Fatal(err)
	}
	for id, typ := range map[string]string{
		"extract-a": agents.TypeDocumentExtractor,
		"extract-b": agents.TypeDocumentExtractor,
		"pm":        agents.TypeMondayManager,
	} {
		if _, err := reg.Create(typ, id, nil); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	return New(reg), reg
}

func TestRouteWithAtPrefix(t *testing.T) {
	rtr, _ := newTestRouter(t)

	id, err := rtr.Route("@pm")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "pm" {
		t.Errorf("expected agent 'pm', got %q", id)
	}

	if _, err := rtr.Route("@unknown"); !errors.Is(err, registry.ErrAgentNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestRouteByID(t *testing.T) {
	rtr, _ := newTestRouter(t)

	id, err := rtr.Route(" extract-b ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "extract-b" {
		t.Errorf("expected 'extract-b', got %q", id)
	}
}

func TestRouteByCapability(t *testing.T) {
	rtr, reg := newTestRouter(t)

	id, err := rtr.Route("document_extraction")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "extract-a" {
		t.Errorf("expected first provider 'extract-a', got %q", id)
	}

	a, _ := reg.Get("extract-a")
	a.(*agents.DocumentExtractor).SetStatus(agent.StatusProcessing)
	if id, _ := rtr.Route("document_extraction"); id != "extract-b" {
		t.Errorf("expected idle provider 'extract-b', got %q", id)
	}

	b, _ := reg.Get("extract-b")
	b.(*agents.DocumentExtractor).SetStatus(agent.StatusProcessing)
	if id, _ := rtr.Route("document_extraction"); id != "extract-a" {
		t.Errorf("expected first provider when all busy, got %q", id)
	}

	if id, _ := rtr.Route("board_automation"); id != "pm" {
		t.Errorf("expected 'pm', got %q", id)
	}
}

func TestRouteUnknownCapability(t *testing.T) {
	rtr, _ := newTestRouter(t)

	if _, err := rtr.Route("translation"); !errors.Is(err, ErrNoProvider) {
		t.Errorf("expected ErrNoProvider, got %v", err)
	}
	if _, err := rtr.Route(""); err == nil {
		t.Error("expected error for empty target")
	}
}

func TestProviders(t *testing.T) {
	rtr, _ := newTestRouter(t)

	got := rtr.Providers("proposal_processing")
	if len(got) != 2 || got[0].ID != "extract-a" || got[1].ID != "extract-b" {
		t.Errorf("providers = %+v", got)
	}
	if len(rtr.Providers("nothing")) != 0 {
		t.Error("expected no providers")
	}
}

func TestRouteSkipsBusyAgents(t *testing.T) {
	_, reg := newTestRouter(t)
	locked := map[string]bool{"extract-a": true}
	rtr := New(reg, WithBusy(func(id string) bool { return locked[id] }))

	if id, _ := rtr.Route("document_extraction"); id != "extract-b" {
		t.Errorf("expected unlocked provider 'extract-b', got %q", id)
	}
	// An explicit ID is honoured even when busy.
	if id, _ := rtr.Route("extract-a"); id != "extract-a" {
		t.Errorf("expected 'extract-a', got %q", id)
	}
}
