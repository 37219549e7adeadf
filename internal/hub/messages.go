package hub

import (
	"encoding/json"
	"strings"
	"time"
)

// Frame types used by the hub's WebSocket protocol.
const (
	TypeAuthRequired    = "auth_required"
	TypeAuth            = "auth"
	TypeAuthOK          = "auth_ok"
	TypeAuthInvalid     = "auth_invalid"
	TypeResult          = "result"
	TypeEvent           = "event"
	TypePing            = "ping"
	TypePong            = "pong"
	TypeGetStates       = "get_states"
	TypeSubscribeEvents = "subscribe_events"
	TypeCallService     = "call_service"
)

// EventStateChanged is the event class that triggers a full mirror resync.
const EventStateChanged = "state_changed"

// serverFrame is the envelope for every frame the hub sends. Fields are
// populated depending on Type; Result and Event stay raw so each consumer
// decodes only the shape it expects.
type serverFrame struct {
	ID        int64           `json:"id,omitempty"`
	Type      string          `json:"type"`
	Success   *bool           `json:"success,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *CommandError   `json:"error,omitempty"`
	Event     json.RawMessage `json:"event,omitempty"`
	HAVersion string          `json:"ha_version,omitempty"`
}

// Result is the correlated response to a single command.
type Result struct {
	ID      int64
	Success bool
	Result  json.RawMessage
	Error   *CommandError
}

// Event is an unsolicited bus event pushed by the hub.
type Event struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	Origin    string          `json:"origin"`
	TimeFired time.Time       `json:"time_fired"`
}

// Entity is an immutable snapshot of one hub entity. Every update replaces
// the whole value; nothing patches an Entity in place.
type Entity struct {
	EntityID    string         `json:"entity_id"`
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes"`
	LastChanged time.Time      `json:"last_changed"`
	LastUpdated time.Time      `json:"last_updated"`

	// RelatedControlID points at a companion control entity (e.g. the
	// favorite-position button of a cover). Filled in by the mirror's
	// enrichment pass, never sent by the hub.
	RelatedControlID string `json:"related_control_id,omitempty"`
}

// Domain returns the entity-id prefix denoting the entity's capability
// category ("light", "cover", ...).
func (e Entity) Domain() string {
	if i := strings.IndexByte(e.EntityID, '.'); i > 0 {
		return e.EntityID[:i]
	}
	return ""
}

// FriendlyName returns the display name attribute, falling back to the id.
func (e Entity) FriendlyName() string {
	if name, ok := e.Attributes["friendly_name"].(string); ok && name != "" {
		return name
	}
	return e.EntityID
}

// IsOn reports whether the entity state is the literal "on".
func (e Entity) IsOn() bool {
	return e.State == "on"
}
