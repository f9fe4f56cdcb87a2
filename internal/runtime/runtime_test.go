package runtime

import (
	"strings"
	"testing"

	"github.com/loqalabs/loqa-narrator/internal/config"
)

func TestNewAssignsNodeID(t *testing.T) {
	cfg := config.Default()
	rt := New(cfg, "test", discardLogger())
	if !strings.HasPrefix(rt.cfg.Node.ID, "loqa-narrator-") || len(rt.cfg.Node.ID) != len("loqa-narrator-")+8 {
		t.Fatalf("unexpected generated node id %q", rt.cfg.Node.ID)
	}

	cfg.Node.ID = "fixed"
	if rt := New(cfg, "test", discardLogger()); rt.cfg.Node.ID != "fixed" {
		t.Fatalf("configured node id must be kept, got %q", rt.cfg.Node.ID)
	}
}

func TestHealthyRequiresStart(t *testing.T) {
	rt := New(config.Default(), "test", discardLogger())
	if rt.healthy() {
		t.Fatal("runtime must not report ready before Start")
	}
	rt.ready.Store(true)
	if !rt.healthy() {
		t.Fatal("runtime without bus components is ready once started")
	}
}
