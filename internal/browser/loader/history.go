package loader

import (
	"net/url"
)

// HistoryItem is one session history entry. History is kept in memory only.
type HistoryItem struct {
	URL           *url.URL
	OriginalURL   *url.URL
	Method        string
	RedirectChain []*url.URL
}

// History is a frame's session history.
type History struct {
	items   []HistoryItem
	current int
}

func newHistory() *History {
	return &History{current: -1}
}

func (h *History) Len() int { return len(h.items) }

// Items returns a copy of the entries, oldest first.
func (h *History) Items() []HistoryItem {
	return append([]HistoryItem(nil), h.items...)
}

// Current returns the entry being displayed, or nil if there is none.
func (h *History) Current() *HistoryItem {
	if h.current < 0 {
		return nil
	}
	item := h.items[h.current]
	return &item
}

// push drops any forward entries and appends item.
func (h *History) push(item HistoryItem) {
	h.items = append(h.items[:h.current+1], item)
	h.current = len(h.items) - 1
}

func (h *History) replace(item HistoryItem) {
	if h.current < 0 {
		h.push(item)
		return
	}
	h.items[h.current] = item
}

// updateCurrentURL moves the current entry to u after a fragment navigation.
func (h *History) updateCurrentURL(u *url.URL) {
	if h.current < 0 {
		return
	}
	h.items[h.current].URL = u
}
