package identity

import (
	"encoding/base32"
	"time"

	"github.com/google/uuid"

	"github.com/servaudit/servaudit/internal/domain/entity"
	"github.com/servaudit/servaudit/internal/domain/finding"
)

const tokenAlphabet = "abcdefghijklmnopqrstuvwxyz234567"

// tokenEncoding renders 128-bit tokens as 26 lowercase characters that
// survive spreadsheet round-trips without quoting or case mangling
var tokenEncoding = base32.NewEncoding(tokenAlphabet).WithPadding(base32.NoPadding)

// NewToken mints an opaque identity token
func NewToken() string {
	u := uuid.New()
	return tokenEncoding.EncodeToString(u[:])
}

// IsToken checks whether s has the shape of a minted identity token
func IsToken(s string) bool {
	if len(s) != 26 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < 'a' || c > 'z') && (c < '2' || c > '7') {
			return false
		}
	}
	return true
}

// Resolver maps observations and workbook rows for one entity kind onto
// stable identity tokens within one cycle. A legacy key whose identity left
// the active set mints a fresh token when it reappears: identities are never
// resurrected. One resolver serves both the ingest and the diff of a cycle
// so both phases agree on every minted token
type Resolver struct {
	kind     entity.Kind
	runID    int64
	byLegacy map[string]string
	known    map[string]bool
	minted   []entity.Assignment
}

// NewResolver seeds a resolver from the previous run's states for the kind
// plus any identities already carrying annotations
func NewResolver(kind entity.Kind, runID int64, prev []finding.State, annotated []string) *Resolver {
	r := &Resolver{
		kind:     kind,
		runID:    runID,
		byLegacy: make(map[string]string, len(prev)),
		known:    make(map[string]bool, len(prev)+len(annotated)),
	}
	for _, s := range prev {
		if s.Kind != kind {
			continue
		}
		r.byLegacy[s.LegacyKey] = s.Identity
		r.known[s.Identity] = true
	}
	for _, id := range annotated {
		r.known[id] = true
	}
	return r
}

// Bind attaches an already persisted assignment without minting. Resume uses
// it to reclaim the tokens the interrupted attempt minted during ingest
func (r *Resolver) Bind(legacyKey, token string) {
	r.byLegacy[legacyKey] = token
	r.known[token] = true
}

// Known reports whether the token names an identity this cycle accepts
func (r *Resolver) Known(token string) bool {
	return r.known[token]
}

// Lookup returns the identity currently bound to a legacy key, if any
func (r *Resolver) Lookup(legacyKey string) (string, bool) {
	id, ok := r.byLegacy[legacyKey]
	return id, ok
}

// Resolve returns the identity for a legacy key, minting a fresh token when
// the key is not bound. The second return reports whether a mint happened
func (r *Resolver) Resolve(legacyKey string) (string, bool) {
	if id, ok := r.byLegacy[legacyKey]; ok {
		return id, false
	}
	id := NewToken()
	r.byLegacy[legacyKey] = id
	r.known[id] = true
	r.minted = append(r.minted, entity.Assignment{
		Kind:      r.kind,
		Identity:  id,
		LegacyKey: legacyKey,
		RunID:     r.runID,
		CreatedAt: time.Now().UTC(),
	})
	return id, true
}

// Minted drains the assignments created since the last call
func (r *Resolver) Minted() []entity.Assignment {
	m := r.minted
	r.minted = nil
	return m
}
