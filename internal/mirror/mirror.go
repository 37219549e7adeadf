// Package mirror maintains the authoritative local snapshot of all hub
// entities. It is purely reactive: auth success and every state_changed
// event trigger a full get_states refresh that replaces the snapshot
// wholesale. Trading bandwidth for simplicity this way eliminates the
// partial-update ordering bugs a delta protocol would invite, and is cheap
// at household entity counts.
package mirror

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/casa-home/casahub-go/internal/hub"
	"github.com/casa-home/casahub-go/internal/metrics"
)

// Subscriber receives every applied snapshot. The slice is shared
// copy-on-write state: read it, never mutate it.
type Subscriber func(entities []hub.Entity)

// DefaultRefreshTimeout bounds one triggered get_states round trip.
const DefaultRefreshTimeout = 15 * time.Second

// Mirror holds the entity snapshot and fans out refreshes.
type Mirror struct {
	client         *hub.Client
	enrich         *Enrichment
	metrics        *metrics.Metrics
	logger         *logrus.Logger
	refreshTimeout time.Duration

	mu       sync.RWMutex
	entities []hub.Entity
	byID     map[string]int
	subs     []Subscriber
}

// New creates a mirror and wires it to the client's dispatcher: refresh on
// every connect and on every state_changed event. Concurrent refreshes may
// overlap; each response is a complete snapshot, so last-write-wins is safe.
// refreshTimeout <= 0 selects the default.
func New(client *hub.Client, enrich *Enrichment, m *metrics.Metrics, logger *logrus.Logger, refreshTimeout time.Duration) *Mirror {
	if enrich == nil {
		enrich = &Enrichment{}
	}
	if refreshTimeout <= 0 {
		refreshTimeout = DefaultRefreshTimeout
	}
	mir := &Mirror{
		client:         client,
		enrich:         enrich,
		metrics:        m,
		logger:         logger,
		refreshTimeout: refreshTimeout,
		byID:           make(map[string]int),
	}

	client.Dispatcher().OnConnectionState(func(connected bool) {
		if connected {
			go mir.refresh()
		}
	})
	client.Dispatcher().OnStateChanged(func(ev *hub.Event) {
		go mir.refresh()
	})

	return mir
}

// Entities returns the current snapshot. Treat it as read-only.
func (m *Mirror) Entities() []hub.Entity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entities
}

// Entity looks up one entity by id.
func (m *Mirror) Entity(entityID string) (hub.Entity, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if i, ok := m.byID[entityID]; ok {
		return m.entities[i], true
	}
	return hub.Entity{}, false
}

// Subscribe registers a callback invoked with every applied snapshot.
func (m *Mirror) Subscribe(sub Subscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, sub)
}

// Refresh requests the complete entity list and replaces the snapshot.
func (m *Mirror) Refresh(ctx context.Context) error {
	res, err := m.client.Request(ctx, map[string]any{"type": hub.TypeGetStates})
	if err != nil {
		return err
	}

	var entities []hub.Entity
	if err := json.Unmarshal(res.Result, &entities); err != nil {
		return err
	}

	m.apply(entities)
	return nil
}

func (m *Mirror) refresh() {
	ctx, cancel := context.WithTimeout(context.Background(), m.refreshTimeout)
	defer cancel()
	if err := m.Refresh(ctx); err != nil {
		m.logger.WithError(err).Warn("Snapshot refresh failed")
	}
}

// apply enriches and installs a snapshot, then notifies subscribers. The
// last response to arrive wins.
func (m *Mirror) apply(entities []hub.Entity) {
	enriched := make([]hub.Entity, 0, len(entities))
	byID := make(map[string]int, len(entities))
	for _, e := range entities {
		// Exactly one entity per key: a duplicate in the server list
		// replaces the earlier occurrence.
		if i, seen := byID[e.EntityID]; seen {
			enriched[i] = m.enrich.Apply(e)
			continue
		}
		byID[e.EntityID] = len(enriched)
		enriched = append(enriched, m.enrich.Apply(e))
	}

	m.mu.Lock()
	m.entities = enriched
	m.byID = byID
	subs := make([]Subscriber, len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()

	m.metrics.Snapshot(len(enriched), float64(time.Now().Unix()))
	m.logger.WithField("entity_count", len(enriched)).Debug("Snapshot applied")

	for _, sub := range subs {
		sub(enriched)
	}
}
