package engine

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// defaultRetiredTokens bounds how many resolved tokens are remembered for
// already_resolved rejections.
const defaultRetiredTokens = 4096

var errTokenNotReserved = errors.New("token is not reserved for this instance")

// tokenEntry is a parked continuation.
type tokenEntry struct {
	instanceID string
	workerID   string
}

// tokenTable indexes parked continuations by their continuation token.
// A token moves through reserved -> parked -> retired, and only the caller
// that removes it from reserved or parked may resolve the owning instance.
type tokenTable struct {
	mu       sync.Mutex
	reserved map[string]string
	parked   map[string]tokenEntry
	retired  map[string]string

	// retiredOrder is a ring of retired tokens used to evict the oldest.
	retiredOrder []string
	retiredNext  int
}

func newTokenTable(retain int) *tokenTable {
	if retain <= 0 {
		retain = defaultRetiredTokens
	}
	return &tokenTable{
		reserved:     make(map[string]string),
		parked:       make(map[string]tokenEntry),
		retired:      make(map[string]string),
		retiredOrder: make([]string, retain),
	}
}

// mint reserves a fresh token for an instance. A candidate that collides
// with any token the table knows about is discarded and re-drawn.
func (t *tokenTable) mint(instanceID string) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	for {
		token := newToken()
		if t.knownLocked(token) {
			continue
		}
		t.reserved[token] = instanceID
		return token
	}
}

// park moves a reserved token into the lookup table, binding it to the
// worker that is expected to signal it.
func (t *tokenTable) park(token, instanceID, workerID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if owner, ok := t.reserved[token]; !ok || owner != instanceID {
		return errTokenNotReserved
	}
	delete(t.reserved, token)
	t.parked[token] = tokenEntry{instanceID: instanceID, workerID: workerID}
	return nil
}

// claim looks up and removes a parked token in one step. A payload whose
// worker identifier does not match leaves the entry parked.
func (t *tokenTable) claim(token, workerID string) (string, RejectReason, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.parked[token]
	if !ok {
		if id, done := t.retired[token]; done {
			return id, RejectAlreadyResolved, false
		}
		if id, pending := t.reserved[token]; pending {
			return id, RejectUnknownToken, false
		}
		return "", RejectUnknownToken, false
	}
	if entry.workerID != workerID {
		return entry.instanceID, RejectContextMismatch, false
	}

	delete(t.parked, token)
	t.retireLocked(token, entry.instanceID)
	return entry.instanceID, "", true
}

// revoke removes a reserved or parked token. It returns false if the token
// was already claimed or revoked.
func (t *tokenTable) revoke(token string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if id, ok := t.reserved[token]; ok {
		delete(t.reserved, token)
		t.retireLocked(token, id)
		return true
	}
	if entry, ok := t.parked[token]; ok {
		delete(t.parked, token)
		t.retireLocked(token, entry.instanceID)
		return true
	}
	return false
}

// isParked reports whether the token currently resolves to a parked entry.
func (t *tokenTable) isParked(token string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.parked[token]
	return ok
}

// parkedCount returns the number of parked continuations.
func (t *tokenTable) parkedCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.parked)
}

func (t *tokenTable) knownLocked(token string) bool {
	if _, ok := t.reserved[token]; ok {
		return true
	}
	if _, ok := t.parked[token]; ok {
		return true
	}
	_, ok := t.retired[token]
	return ok
}

func (t *tokenTable) retireLocked(token, instanceID string) {
	if old := t.retiredOrder[t.retiredNext]; old != "" {
		delete(t.retired, old)
	}
	t.retiredOrder[t.retiredNext] = token
	t.retiredNext = (t.retiredNext + 1) % len(t.retiredOrder)
	t.retired[token] = instanceID
}

// newToken returns an opaque token: a random UUID followed by 64 more
// random bits.
func newToken() string {
	var suffix [8]byte
	if _, err := rand.Read(suffix[:]); err != nil {
		return uuid.New().String()
	}
	return uuid.New().String() + "." + hex.EncodeToString(suffix[:])
}
