// Package tokenpool manages an ordered pool of API credentials with
// round-robin rotation and exhaustion tracking.
//
// The pool is loaded once from a JSON token file at startup. Entries are never
// removed; the only mutations are flagging a credential as exhausted (which
// advances the rotation cursor past it) and clearing all flags. Mutations are
// not written back to the file.
package tokenpool

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
)

// ErrNoTokens is returned by Next when the pool is empty or every credential
// is flagged exhausted.
var ErrNoTokens = errors.New("tokenpool: no token available")

// Entry is a single credential in the pool.
type Entry struct {
	Token     string `json:"token"`
	Exhausted bool   `json:"exhausted,omitempty"`
}

// Pool holds an ordered list of credentials and a rotation cursor.
// All methods are safe for concurrent use.
type Pool struct {
	mu      sync.Mutex
	entries []Entry
	cursor  int
}

// New creates an empty pool.
func New() *Pool {
	return &Pool{}
}

// Load reads credentials from the token file at path. A missing or malformed
// file leaves the pool empty; the failure is logged rather than propagated so
// an explicitly configured API key can still carry the client.
func Load(path string) *Pool {
	p := New()

	entries, err := ReadFile(path)
	if err != nil {
		slog.Error("failed to load token file", "path", path, "error", err)
		return p
	}

	p.entries = entries
	slog.Info("loaded tokens", "path", path, "count", len(entries))
	return p
}

// Next returns the first non-exhausted credential scanning forward from the
// cursor, wrapping around. The cursor does not move on success; it advances
// only through MarkExhausted, so a healthy credential stays active across
// calls. Every entry is probed at most once before ErrNoTokens is returned.
func (p *Pool) Next() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.entries)
	if n == 0 {
		return "", ErrNoTokens
	}

	for i := 0; i < n; i++ {
		idx := (p.cursor + i) % n
		if !p.entries[idx].Exhausted {
			slog.Debug("selected token", "index", idx+1, "total", n)
			return p.entries[idx].Token, nil
		}
	}

	return "", ErrNoTokens
}

// MarkExhausted flags the first entry whose token matches and advances the
// cursor to the position immediately after it, so the next scan starts at a
// different credential. Unknown tokens are a no-op.
func (p *Pool) MarkExhausted(token string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := range p.entries {
		if p.entries[i].Token == token {
			p.entries[i].Exhausted = true
			p.cursor = (i + 1) % len(p.entries)
			slog.Warn("token marked exhausted", "index", i+1, "total", len(p.entries))
			return
		}
	}
}

// ResetAll clears every exhaustion flag. The cursor stays where it is.
func (p *Pool) ResetAll() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := range p.entries {
		p.entries[i].Exhausted = false
	}
	slog.Info("reset token exhaustion flags", "count", len(p.entries))
}

// Stats reports pool occupancy for the admin surface.
func (p *Pool) Stats() (total, exhausted int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, e := range p.entries {
		if e.Exhausted {
			exhausted++
		}
	}
	return len(p.entries), exhausted
}

// Size returns the number of credentials in the pool.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// ReadFile parses the token file at path into its entries.
func ReadFile(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading token file: %w", err)
	}

	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parsing token file: %w", err)
	}
	return entries, nil
}

// AppendToken adds a credential to the token file at path, creating the file
// if it does not exist. Exhaustion flags of existing entries are preserved.
func AppendToken(path, token string) error {
	entries, err := ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	entries = append(entries, Entry{Token: token})

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding token file: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing token file: %w", err)
	}
	return nil
}
