package identity

import (
	"testing"

	"github.com/servaudit/servaudit/internal/domain/entity"
	"github.com/servaudit/servaudit/internal/domain/finding"
)

func TestNewToken(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		tok := NewToken()
		if !IsToken(tok) {
			t.Fatalf("NewToken() = %q, not a valid token", tok)
		}
		if seen[tok] {
			t.Fatalf("NewToken() repeated %q", tok)
		}
		seen[tok] = true
	}
}

func TestIsToken(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want bool
	}{
		{"minted token", NewToken(), true},
		{"empty", "", false},
		{"too short", "abc123", false},
		{"uppercase", "ABCDEFGHIJKLMNOPQRSTUVWXYZ", false},
		{"bad digit", "abcdefghijklmnopqrstuvwxy1", false},
		{"legacy key", "db1|public|log_connections", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsToken(tt.in); got != tt.want {
				t.Errorf("IsToken(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestResolver_Resolve(t *testing.T) {
	prev := []finding.State{
		{Kind: entity.KindLogin, Identity: "tokena", LegacyKey: "db1||app_rw", Status: finding.StatusFail},
		{Kind: entity.KindLogin, Identity: "tokenb", LegacyKey: "db1||app_ro", Status: finding.StatusPass},
		{Kind: entity.KindSetting, Identity: "tokenc", LegacyKey: "db1||fsync", Status: finding.StatusFail},
	}
	r := NewResolver(entity.KindLogin, 7, prev, nil)

	// Known legacy keys reuse the bound identity
	id, minted := r.Resolve("db1||app_rw")
	if id != "tokena" || minted {
		t.Errorf("Resolve() = (%v, %v), want (tokena, false)", id, minted)
	}

	// States for other kinds are not part of the seed
	id, minted = r.Resolve("db1||fsync")
	if id == "tokenc" || !minted {
		t.Errorf("Resolve() reused an identity across kinds: (%v, %v)", id, minted)
	}

	// An unknown key mints once and stays stable within the cycle
	first, minted := r.Resolve("db2||batch_user")
	if !minted {
		t.Error("Resolve() did not mint for an unknown key")
	}
	again, minted := r.Resolve("db2||batch_user")
	if again != first || minted {
		t.Errorf("Resolve() = (%v, %v), want (%v, false)", again, minted, first)
	}
}

func TestResolver_ResurrectionMintsFreshIdentity(t *testing.T) {
	// Run n-1 no longer lists the entity: its identity left the active set
	prev := []finding.State{
		{Kind: entity.KindLogin, Identity: "tokenb", LegacyKey: "db1||app_ro", Status: finding.StatusPass},
	}
	r := NewResolver(entity.KindLogin, 9, prev, nil)

	// The key once bound to "retired" reappears
	id, minted := r.Resolve("db1||app_rw")
	if !minted {
		t.Fatal("Resolve() did not mint for a reappearing key")
	}
	if id == "retired" {
		t.Error("Resolve() resurrected a retired identity")
	}
	if r.Known("retired") {
		t.Error("Known() = true for an identity outside the seed")
	}
}

func TestResolver_Known(t *testing.T) {
	prev := []finding.State{
		{Kind: entity.KindSetting, Identity: "tokena", LegacyKey: "db1||fsync", Status: finding.StatusFail},
	}
	r := NewResolver(entity.KindSetting, 3, prev, []string{"orphantoken"})

	if !r.Known("tokena") {
		t.Error("Known() = false for an active identity")
	}
	if !r.Known("orphantoken") {
		t.Error("Known() = false for an annotated identity")
	}
	if r.Known("strangertoken") {
		t.Error("Known() = true for an unseen identity")
	}
}

func TestResolver_MintedDrains(t *testing.T) {
	r := NewResolver(entity.KindForeignServer, 4, nil, nil)

	r.Resolve("db1||analytics_fdw")
	r.Resolve("db2||reports_fdw")

	minted := r.Minted()
	if len(minted) != 2 {
		t.Fatalf("Minted() returned %d assignments, want 2", len(minted))
	}
	for _, a := range minted {
		if a.Kind != entity.KindForeignServer || a.RunID != 4 {
			t.Errorf("Minted() assignment = %+v, want kind %v run 4", a, entity.KindForeignServer)
		}
		if !IsToken(a.Identity) {
			t.Errorf("Minted() identity %q is not a token", a.Identity)
		}
	}

	if again := r.Minted(); len(again) != 0 {
		t.Errorf("Minted() after drain returned %d assignments, want 0", len(again))
	}

	// Resolving after a drain accumulates fresh assignments only
	r.Resolve("db3||audit_fdw")
	if final := r.Minted(); len(final) != 1 {
		t.Errorf("Minted() returned %d assignments, want 1", len(final))
	}
}
