package broadcast

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

const defaultQueueSize = 1000

type delivery struct {
	group string
	data  []byte
}

// Hub is the in-process Broadcaster. A single dispatcher drains one FIFO queue,
// so events published for a group reach each subscriber in publish order.
type Hub struct {
	groups map[string]map[Subscriber]struct{}
	mu     sync.RWMutex

	queue chan delivery

	published atomic.Int64
	dropped   atomic.Int64
	evicted   atomic.Int64
}

// Stats is a point-in-time view of the hub.
type Stats struct {
	Groups      int            `json:"groups"`
	Subscribers int            `json:"subscribers"`
	PerGroup    map[string]int `json:"per_group"`
	Published   int64          `json:"published"`
	Dropped     int64          `json:"dropped"`
	Evicted     int64          `json:"evicted"`
}

// NewHub creates a hub whose queue holds queueSize pending deliveries.
func NewHub(queueSize int) *Hub {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Hub{
		groups: make(map[string]map[Subscriber]struct{}),
		queue:  make(chan delivery, queueSize),
	}
}

// Start runs the dispatcher until ctx is cancelled.
func (h *Hub) Start(ctx context.Context) {
	log.Info().Msg("broadcast hub started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("broadcast hub shutting down")
			return
		case d := <-h.queue:
			h.dispatch(d)
		}
	}
}

func (h *Hub) Subscribe(group string, sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.groups[group] == nil {
		h.groups[group] = make(map[Subscriber]struct{})
	}
	h.groups[group][sub] = struct{}{}

	log.Debug().
		Str("group", group).
		Str("subscriber", sub.ID()).
		Int("subscribers", len(h.groups[group])).
		Msg("subscriber added")
}

func (h *Hub) Unsubscribe(group string, sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.groups[group]
	if !ok {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(h.groups, group)
	}
}

// Publish encodes the event once and queues it for the group.
func (h *Hub) Publish(ctx context.Context, group string, event Event) error {
	data, err := Encode(event)
	if err != nil {
		return err
	}
	h.Enqueue(group, data)
	return nil
}

// Enqueue queues pre-encoded data for the group. It never blocks; a full queue drops the event.
func (h *Hub) Enqueue(group string, data []byte) {
	select {
	case h.queue <- delivery{group: group, data: data}:
		h.published.Add(1)
	default:
		h.dropped.Add(1)
		log.Warn().Str("group", group).Msg("broadcast queue full, dropping event")
	}
}

func (h *Hub) dispatch(d delivery) {
	h.mu.RLock()
	subs := make([]Subscriber, 0, len(h.groups[d.group]))
	for sub := range h.groups[d.group] {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	for _, sub := range subs {
		if sub.Deliver(d.data) {
			continue
		}
		log.Warn().
			Str("group", d.group).
			Str("subscriber", sub.ID()).
			Msg("subscriber cannot keep up, dropping it")
		h.evicted.Add(1)
		h.Unsubscribe(d.group, sub)
	}

	log.Debug().
		Str("group", d.group).
		Int("subscribers", len(subs)).
		Msg("event broadcasted")
}

// Stats reports subscriber counts and delivery counters.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	stats := Stats{
		Groups:    len(h.groups),
		PerGroup:  make(map[string]int, len(h.groups)),
		Published: h.published.Load(),
		Dropped:   h.dropped.Load(),
		Evicted:   h.evicted.Load(),
	}
	for group, subs := range h.groups {
		stats.PerGroup[group] = len(subs)
		stats.Subscribers += len(subs)
	}
	return stats
}
