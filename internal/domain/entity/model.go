package entity

import (
	"strings"
	"time"
)

// Kind is the category an audited entity belongs to. Kinds scope identity
// uniqueness, workbook sheets and per-category commits
type Kind string

const (
	KindLogin         Kind = "logins"
	KindSetting       Kind = "settings"
	KindForeignServer Kind = "foreign-servers"
)

// Kinds returns all entity kinds in commit order
func Kinds() []Kind {
	return []Kind{KindLogin, KindSetting, KindForeignServer}
}

// IsValid checks whether the kind is one of the known categories
func (k Kind) IsValid() bool {
	switch k {
	case KindLogin, KindSetting, KindForeignServer:
		return true
	default:
		return false
	}
}

func (k Kind) String() string {
	return string(k)
}

// ParseKind maps a sheet or category name to a Kind, or "" when unknown
func ParseKind(s string) Kind {
	k := Kind(strings.TrimSpace(strings.ToLower(s)))
	if k.IsValid() {
		return k
	}
	return ""
}

// Ref names one logical entity within a kind
type Ref struct {
	Kind     Kind   `json:"kind"`
	Identity string `json:"identity"`
}

// Assignment records that an identity token was bound to a legacy key.
// Assignments are insert-only; a reappearing legacy key mints a fresh one
type Assignment struct {
	Kind      Kind      `json:"kind"`
	Identity  string    `json:"identity"`
	LegacyKey string    `json:"legacy_key"`
	RunID     int64     `json:"run_id"`
	CreatedAt time.Time `json:"created_at"`
}

// LegacyKey derives the deterministic fallback key from an entity's natural
// attributes. The separator is part of the durable format
func LegacyKey(target, scope, name string) string {
	return strings.TrimSpace(target) + "|" + strings.TrimSpace(scope) + "|" + strings.TrimSpace(name)
}
