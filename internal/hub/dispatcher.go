package hub

import (
	"encoding/json"
	"sync"

	"github.com/sirupsen/logrus"
)

// EventObserver receives every bus event pushed by the hub.
type EventObserver func(ev *Event)

// StateObserver receives only state_changed events.
type StateObserver func(ev *Event)

// ConnectionObserver receives raw connected/disconnected transitions.
// Debouncing, if needed, is the caller's job.
type ConnectionObserver func(connected bool)

// Dispatcher routes unsolicited server push to registered observers. Unlike
// a single mutable callback slot, registrations accumulate, so a second
// consumer never silently overwrites the first.
type Dispatcher struct {
	logger *logrus.Logger

	mu           sync.RWMutex
	eventObs     []EventObserver
	stateObs     []StateObserver
	connObs      []ConnectionObserver
}

// NewDispatcher creates a new event dispatcher
func NewDispatcher(logger *logrus.Logger) *Dispatcher {
	return &Dispatcher{logger: logger}
}

// OnEvent registers an observer for every bus event.
func (d *Dispatcher) OnEvent(obs EventObserver) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.eventObs = append(d.eventObs, obs)
}

// OnStateChanged registers an observer for state_changed events only.
func (d *Dispatcher) OnStateChanged(obs StateObserver) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stateObs = append(d.stateObs, obs)
}

// OnConnectionState registers an observer for connection transitions.
func (d *Dispatcher) OnConnectionState(obs ConnectionObserver) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connObs = append(d.connObs, obs)
}

// dispatchEvent classifies and fans out one event frame.
func (d *Dispatcher) dispatchEvent(raw json.RawMessage) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		d.logger.WithError(err).Warn("Dropping malformed event frame")
		return
	}

	d.mu.RLock()
	eventObs := make([]EventObserver, len(d.eventObs))
	copy(eventObs, d.eventObs)
	stateObs := make([]StateObserver, len(d.stateObs))
	copy(stateObs, d.stateObs)
	d.mu.RUnlock()

	for _, obs := range eventObs {
		obs(&ev)
	}

	if ev.EventType == EventStateChanged {
		for _, obs := range stateObs {
			obs(&ev)
		}
	}
}

// dispatchConnectionState fans out a connected/disconnected transition.
func (d *Dispatcher) dispatchConnectionState(connected bool) {
	d.mu.RLock()
	obs := make([]ConnectionObserver, len(d.connObs))
	copy(obs, d.connObs)
	d.mu.RUnlock()

	for _, o := range obs {
		o(connected)
	}
}
