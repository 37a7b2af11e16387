package ingest

import (
	"sync"
	"time"
)

const (
	EventFileStored   = "file_stored"
	EventMessageAcked = "message_acked"
	EventTeamCreated  = "team_created"
	EventTeamClosed   = "team_closed"
)

// Event is one ingestion occurrence fanned out to admin stream subscribers.
type Event struct {
	Type         string `json:"type"`
	TeamName     string `json:"team_name,omitempty"`
	TeamKey      int64  `json:"team_key,omitempty"`
	ChannelID    int64  `json:"channel_id,omitempty"`
	MessageID    int64  `json:"message_id,omitempty"`
	AttachmentID int64  `json:"attachment_id,omitempty"`
	Path         string `json:"path,omitempty"`
	Timestamp    string `json:"timestamp"`
}

// Hub fans events out to subscribers and keeps a bounded ring of recent
// events for polling clients. Slow subscribers miss events rather than
// blocking publishers.
type Hub struct {
	mu        sync.Mutex
	maxRecent int
	recent    []Event
	nextSubID int
	subs      map[int]chan Event
}

func NewHub(maxRecent int) *Hub {
	if maxRecent <= 0 {
		maxRecent = 256
	}
	return &Hub{
		maxRecent: maxRecent,
		subs:      map[int]chan Event{},
	}
}

func (h *Hub) Publish(event Event) {
	if event.Timestamp == "" {
		event.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.recent = append(h.recent, event)
	if len(h.recent) > h.maxRecent {
		h.recent = h.recent[len(h.recent)-h.maxRecent:]
	}
	for _, ch := range h.subs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Subscribe registers a new subscriber. The returned cancel function must be
// called to release the channel.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	id := h.nextSubID
	h.nextSubID++
	h.subs[id] = ch
	h.mu.Unlock()
	cancel := func() {
		h.mu.Lock()
		if _, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(ch)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

func (h *Hub) Recent() []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Event, len(h.recent))
	copy(out, h.recent)
	return out
}
