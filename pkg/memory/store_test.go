package memory

import (
	"strings"
	"testing"
)

func TestProfileForConfigValues(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want DepthProfile
	}{
		{"short", "short", DepthProfile{MaxMemories: 10, RetrievalLimit: 2, Threshold: 0.7}},
		{"medium", "medium", DepthProfile{MaxMemories: 50, RetrievalLimit: 5, Threshold: 0.5}},
		{"long", "long", DepthProfile{MaxMemories: 100, RetrievalLimit: 8, Threshold: 0.3}},
		{"empty defaults to medium", "", DepthProfile{MaxMemories: 50, RetrievalLimit: 5, Threshold: 0.5}},
		{"unknown defaults to medium", "forever", DepthProfile{MaxMemories: 50, RetrievalLimit: 5, Threshold: 0.5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Raw strings arrive from env config and CLI flags.
			if got := ProfileFor(Depth(tt.raw)); got != tt.want {
				t.Errorf("ProfileFor(%q) = %+v, want %+v", tt.raw, got, tt.want)
			}
		})
	}
}

func TestCreateEphemeralCapsAndDropsOldest(t *testing.T) {
	s := NewStore(3)
	for _, content := range []string{"one", "two", "three", "four", "five"} {
		s.CreateEphemeral(content, RoleUser, 0.5)
	}

	got := s.Ephemeral()
	if len(got) != 3 {
		t.Fatalf("len(ephemeral) = %d, want 3", len(got))
	}
	if got[0].Content != "three" || got[2].Content != "five" {
		t.Errorf("ephemeral = %q, %q, %q, want oldest dropped", got[0].Content, got[1].Content, got[2].Content)
	}
}

func TestIDsUniqueAndPrefixed(t *testing.T) {
	s := NewStore(100)
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		m := s.CreateEphemeral("content", RoleUser, 0.5)
		if !strings.HasPrefix(m.ID, "mem-") || len(m.ID) != len("mem-")+8 {
			t.Fatalf("ID = %q, want mem-<8 hex chars>", m.ID)
		}
		if seen[m.ID] {
			t.Fatalf("duplicate ID %q", m.ID)
		}
		seen[m.ID] = true
	}
}

func TestAddValidatedIdempotent(t *testing.T) {
	s := NewStore(10)
	m := s.CreateEphemeral("to promote", RoleAssistant, 0.8)

	s.AddValidated(m)
	s.AddValidated(m)

	got := s.Validated()
	if len(got) != 1 {
		t.Fatalf("len(validated) = %d, want 1", len(got))
	}
	if !got[0].Validated {
		t.Error("promoted memory not marked validated")
	}

	// re-adding with changed fields replaces the stored copy
	m.Score = 0.1
	s.AddValidated(m)
	got = s.Validated()
	if len(got) != 1 || got[0].Score != 0.1 {
		t.Errorf("validated = %+v, want single updated entry", got)
	}
}

func TestRemoveEphemeralByIndex(t *testing.T) {
	s := NewStore(10)
	s.CreateEphemeral("a", RoleUser, 0)
	s.CreateEphemeral("b", RoleUser, 0)

	if s.RemoveEphemeralByIndex(5) {
		t.Error("out-of-range removal reported success")
	}
	if !s.RemoveEphemeralByIndex(0) {
		t.Fatal("in-range removal failed")
	}
	got := s.Ephemeral()
	if len(got) != 1 || got[0].Content != "b" {
		t.Errorf("ephemeral = %+v", got)
	}
}

func TestRemoveValidatedByID(t *testing.T) {
	s := NewStore(10)
	m := s.CreateEphemeral("a", RoleUser, 0.9)
	s.AddValidated(m)

	if s.RemoveValidatedByID("mem-missing") {
		t.Error("unknown ID removal reported success")
	}
	if !s.RemoveValidatedByID(m.ID) {
		t.Fatal("removal by ID failed")
	}
	if len(s.Validated()) != 0 {
		t.Error("validated not empty after removal")
	}
}

func TestOrganizeLayers(t *testing.T) {
	s := NewStore(10)
	s.CreateEphemeral("fresh", RoleUser, 0.9)

	low := s.CreateEphemeral("low scored", RoleUser, 0.2)
	s.AddValidated(low)
	high := s.CreateEphemeral("high scored", RoleUser, 0.8)
	s.AddValidated(high)
	meta := Memory{ID: newID(), Content: "meta summary", Role: RoleSummary, Score: 0.9, IsMeta: true}
	s.AddValidated(meta)

	layers := s.OrganizeLayers(0.5)

	// ephemeral plus the low-scored validated entry
	if len(layers.ShortTerm) != 4 {
		t.Errorf("len(ShortTerm) = %d, want 4", len(layers.ShortTerm))
	}
	if len(layers.LongTerm) != 1 || layers.LongTerm[0].ID != high.ID {
		t.Errorf("LongTerm = %+v, want the high-scored entry", layers.LongTerm)
	}
	if len(layers.Meta) != 1 || layers.Meta[0].ID != meta.ID {
		t.Errorf("Meta = %+v", layers.Meta)
	}
}

func TestSnapshotCounters(t *testing.T) {
	s := NewStore(2)
	s.CreateEphemeral("a", RoleUser, 0)
	s.CreateEphemeral("b", RoleUser, 0)
	s.CreateEphemeral("c", RoleUser, 0) // drops "a"
	m := s.CreateEphemeral("d", RoleUser, 0.9)
	s.AddValidated(m)
	s.ClearEphemeral()

	got := s.Snapshot()
	if got.Ephemeral != 0 || got.Validated != 1 {
		t.Errorf("snapshot = %+v", got)
	}
	if got.CreatedTotal != 4 {
		t.Errorf("CreatedTotal = %d, want 4", got.CreatedTotal)
	}
	if got.PromotedTotal != 1 {
		t.Errorf("PromotedTotal = %d, want 1", got.PromotedTotal)
	}
}
