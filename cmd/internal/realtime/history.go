package realtime

import (
	"context"
	"strings"
	"time"
)

const (
	defaultPageLimit   = 30
	maxPageLimit       = 200
	defaultSearchLimit = 100
	maxSearchLimit     = 500
)

// History serves backward pagination and search with the same Resolver used
// for live delivery.
type History struct {
	store    Store
	resolver Resolver
}

// NewHistory constructs a History service.
func NewHistory(store Store, resolver Resolver) *History {
	return &History{store: store, resolver: resolver}
}

// Page is one window of history, ascending.
type Page struct {
	Messages []Message
	// HasMore reports whether in-scope messages older than Messages[0] exist.
	HasMore bool
}

// LoadOlder returns the last limit in-scope messages strictly older than
// before (no bound when before is nil).
func (h *History) LoadOlder(ctx context.Context, viewer string, scope Scope, before *time.Time, limit int) (Page, error) {
	limit = clampLimit(limit, defaultPageLimit, maxPageLimit)
	match := h.resolver.Matcher(viewer, scope)

	msgs, err := h.store.Filter(ctx, func(m Message) bool {
		if before != nil && !m.Timestamp.Before(*before) {
			return false
		}
		return match(m)
	})
	if err != nil {
		return Page{}, err
	}

	if len(msgs) <= limit {
		return Page{Messages: msgs}, nil
	}
	return Page{Messages: msgs[len(msgs)-limit:], HasMore: true}, nil
}

// Search returns the most recent limit in-scope messages whose text contains
// query, case-insensitively. An empty query matches nothing.
func (h *History) Search(ctx context.Context, viewer string, scope Scope, query string, limit int) ([]Message, error) {
	limit = clampLimit(limit, defaultSearchLimit, maxSearchLimit)
	needle := strings.ToLower(strings.TrimSpace(query))
	if needle == "" {
		return []Message{}, nil
	}
	match := h.resolver.Matcher(viewer, scope)

	msgs, err := h.store.Filter(ctx, func(m Message) bool {
		if m.Text == "" {
			return false
		}
		return match(m) && strings.Contains(strings.ToLower(m.Text), needle)
	})
	if err != nil {
		return nil, err
	}

	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

// Recent returns the last limit messages visible to viewer in the global view.
func (h *History) Recent(ctx context.Context, viewer string, limit int) ([]Message, error) {
	page, err := h.LoadOlder(ctx, viewer, GlobalScope, nil, limit)
	if err != nil {
		return nil, err
	}
	return page.Messages, nil
}

func clampLimit(n, def, max int) int {
	if n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}
