// Package commands exposes the typed service-call surface of the hub. Every
// operation funnels into one generic primitive: domain + service + target
// entity + optional payload, answered by a correlated response. Control
// commands are never retried here: remote actions like "toggle" are not
// idempotent, so recovery belongs to the caller.
package commands

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/casa-home/casahub-go/internal/hub"
	"github.com/casa-home/casahub-go/internal/metrics"
)

// DefaultDataTimeout bounds data-returning calls independently of the
// generic request path: a server-side service can hang without the socket
// ever closing.
const DefaultDataTimeout = 15 * time.Second

// Facade issues service calls through the wire client.
type Facade struct {
	client      *hub.Client
	metrics     *metrics.Metrics
	logger      *logrus.Logger
	dataTimeout time.Duration
}

// New creates a command facade. dataTimeout <= 0 selects the default.
func New(client *hub.Client, m *metrics.Metrics, logger *logrus.Logger, dataTimeout time.Duration) *Facade {
	if dataTimeout <= 0 {
		dataTimeout = DefaultDataTimeout
	}
	return &Facade{
		client:      client,
		metrics:     m,
		logger:      logger,
		dataTimeout: dataTimeout,
	}
}

// CallService invokes domain.service against entityID. It returns the
// server's error verbatim on explicit rejection, and ErrNotConnected
// immediately (before any network attempt) when the channel is down.
func (f *Facade) CallService(ctx context.Context, domain, service, entityID string, data map[string]any) error {
	payload := map[string]any{
		"type":    hub.TypeCallService,
		"domain":  domain,
		"service": service,
	}
	serviceData := map[string]any{"entity_id": entityID}
	for k, v := range data {
		serviceData[k] = v
	}
	payload["service_data"] = serviceData

	start := time.Now()
	_, err := f.client.Request(ctx, payload)
	status := "ok"
	if err != nil {
		status = "error"
	}
	f.metrics.Command(domain, status, time.Since(start).Seconds())

	if err != nil {
		f.logger.WithError(err).WithFields(logrus.Fields{
			"domain":    domain,
			"service":   service,
			"entity_id": entityID,
		}).Debug("Service call failed")
	}
	return err
}

// dataCall runs a return_response service call. Timeouts and unrecognizable
// envelopes degrade to a nil payload with no error: these reads are
// enrichment, not control, so "no data" is a valid outcome. Not-connected
// still fails fast so callers can short-circuit.
func (f *Facade) dataCall(ctx context.Context, domain, service, entityID string, data map[string]any, key string) (map[string]any, error) {
	payload := map[string]any{
		"type":            hub.TypeCallService,
		"domain":          domain,
		"service":         service,
		"return_response": true,
	}
	serviceData := map[string]any{"entity_id": entityID}
	for k, v := range data {
		serviceData[k] = v
	}
	payload["service_data"] = serviceData

	ctx, cancel := context.WithTimeout(ctx, f.dataTimeout)
	defer cancel()

	start := time.Now()
	res, err := f.client.Request(ctx, payload)
	switch err {
	case nil:
	case hub.ErrRequestTimeout:
		f.metrics.Command(domain, "timeout", time.Since(start).Seconds())
		f.logger.WithFields(logrus.Fields{
			"domain":    domain,
			"service":   service,
			"entity_id": entityID,
		}).Warn("Data call timed out, returning empty result")
		return nil, nil
	default:
		f.metrics.Command(domain, "error", time.Since(start).Seconds())
		return nil, err
	}
	f.metrics.Command(domain, "ok", time.Since(start).Seconds())

	node, ok := locateResponse(res.Result, entityID, key)
	if !ok {
		f.logger.WithFields(logrus.Fields{
			"domain":  domain,
			"service": service,
			"key":     key,
		}).Warn("Could not locate payload in service response")
		return nil, nil
	}
	return node, nil
}

// Lights

// ToggleLight flips a light.
func (f *Facade) ToggleLight(ctx context.Context, entityID string) error {
	return f.CallService(ctx, "light", "toggle", entityID, nil)
}

// SetBrightness turns a light on at the given brightness (0-255).
func (f *Facade) SetBrightness(ctx context.Context, entityID string, brightness int) error {
	return f.CallService(ctx, "light", "turn_on", entityID, map[string]any{"brightness": brightness})
}

// Covers

// OpenCover opens a window covering.
func (f *Facade) OpenCover(ctx context.Context, entityID string) error {
	return f.CallService(ctx, "cover", "open_cover", entityID, nil)
}

// CloseCover closes a window covering.
func (f *Facade) CloseCover(ctx context.Context, entityID string) error {
	return f.CallService(ctx, "cover", "close_cover", entityID, nil)
}

// SetCoverPosition moves a covering to position (0 closed - 100 open).
func (f *Facade) SetCoverPosition(ctx context.Context, entityID string, position int) error {
	return f.CallService(ctx, "cover", "set_cover_position", entityID, map[string]any{"position": position})
}

// Switches and helpers

// SetHelper sets a boolean helper entity on or off.
func (f *Facade) SetHelper(ctx context.Context, entityID string, on bool) error {
	service := "turn_off"
	if on {
		service = "turn_on"
	}
	return f.CallService(ctx, "input_boolean", service, entityID, nil)
}

// PressButton presses a virtual button entity.
func (f *Facade) PressButton(ctx context.Context, entityID string) error {
	return f.CallService(ctx, "button", "press", entityID, nil)
}

// ActivateScene activates a scene.
func (f *Facade) ActivateScene(ctx context.Context, entityID string) error {
	return f.CallService(ctx, "scene", "turn_on", entityID, nil)
}

// Vacuum

// VacuumStart starts or resumes cleaning.
func (f *Facade) VacuumStart(ctx context.Context, entityID string) error {
	return f.CallService(ctx, "vacuum", "start", entityID, nil)
}

// VacuumPause pauses cleaning.
func (f *Facade) VacuumPause(ctx context.Context, entityID string) error {
	return f.CallService(ctx, "vacuum", "pause", entityID, nil)
}

// VacuumReturnToBase sends the vacuum home.
func (f *Facade) VacuumReturnToBase(ctx context.Context, entityID string) error {
	return f.CallService(ctx, "vacuum", "return_to_base", entityID, nil)
}

// Alarm

// AlarmArmAway arms the alarm in away mode.
func (f *Facade) AlarmArmAway(ctx context.Context, entityID, code string) error {
	return f.CallService(ctx, "alarm_control_panel", "alarm_arm_away", entityID, alarmData(code))
}

// AlarmArmHome arms the alarm in home mode.
func (f *Facade) AlarmArmHome(ctx context.Context, entityID, code string) error {
	return f.CallService(ctx, "alarm_control_panel", "alarm_arm_home", entityID, alarmData(code))
}

// AlarmDisarm disarms the alarm.
func (f *Facade) AlarmDisarm(ctx context.Context, entityID, code string) error {
	return f.CallService(ctx, "alarm_control_panel", "alarm_disarm", entityID, alarmData(code))
}

func alarmData(code string) map[string]any {
	if code == "" {
		return nil
	}
	return map[string]any{"code": code}
}

// Climate

// ClimateSetTemperature sets the target temperature.
func (f *Facade) ClimateSetTemperature(ctx context.Context, entityID string, temperature float64) error {
	return f.CallService(ctx, "climate", "set_temperature", entityID, map[string]any{"temperature": temperature})
}

// Media

// PlayMedia starts playback of a piece of content.
func (f *Facade) PlayMedia(ctx context.Context, entityID, contentID, contentType string) error {
	return f.CallService(ctx, "media_player", "play_media", entityID, map[string]any{
		"media_content_id":   contentID,
		"media_content_type": contentType,
	})
}

// MediaNode is one node of a media browse tree.
type MediaNode struct {
	Title       string      `json:"title"`
	ContentID   string      `json:"media_content_id"`
	ContentType string      `json:"media_content_type"`
	CanPlay     bool        `json:"can_play"`
	CanExpand   bool        `json:"can_expand"`
	Thumbnail   string      `json:"thumbnail,omitempty"`
	Children    []MediaNode `json:"children,omitempty"`
}

// BrowseMedia fetches one level of the player's media tree. Empty on
// timeout or unrecognized envelope.
func (f *Facade) BrowseMedia(ctx context.Context, entityID, contentID, contentType string) ([]MediaNode, error) {
	data := map[string]any{}
	if contentID != "" {
		data["media_content_id"] = contentID
		data["media_content_type"] = contentType
	}
	node, err := f.dataCall(ctx, "media_player", "browse_media", entityID, data, "children")
	if err != nil || node == nil {
		return []MediaNode{}, err
	}
	var children []MediaNode
	if !decodeField(node, "children", &children) {
		return []MediaNode{}, nil
	}
	return children, nil
}

// Calendar

// CalendarEvent is one scheduled event. Start and end stay strings because
// the hub emits all-day events as dates and timed events as datetimes.
type CalendarEvent struct {
	Start       string `json:"start"`
	End         string `json:"end"`
	Summary     string `json:"summary"`
	Description string `json:"description,omitempty"`
	Location    string `json:"location,omitempty"`
}

// CalendarEvents fetches events between start and end. Empty on timeout.
func (f *Facade) CalendarEvents(ctx context.Context, entityID string, start, end time.Time) ([]CalendarEvent, error) {
	node, err := f.dataCall(ctx, "calendar", "get_events", entityID, map[string]any{
		"start_date_time": start.Format(time.RFC3339),
		"end_date_time":   end.Format(time.RFC3339),
	}, "events")
	if err != nil || node == nil {
		return []CalendarEvent{}, err
	}
	var events []CalendarEvent
	if !decodeField(node, "events", &events) {
		return []CalendarEvent{}, nil
	}
	return events, nil
}

// Weather

// ForecastEntry is one forecast period.
type ForecastEntry struct {
	Datetime      string  `json:"datetime"`
	Condition     string  `json:"condition"`
	Temperature   float64 `json:"temperature"`
	TemplLow      float64 `json:"templow,omitempty"`
	Precipitation float64 `json:"precipitation,omitempty"`
	WindSpeed     float64 `json:"wind_speed,omitempty"`
}

// WeatherForecast fetches a forecast of the given type ("daily" or
// "hourly"). Empty on timeout.
func (f *Facade) WeatherForecast(ctx context.Context, entityID, forecastType string) ([]ForecastEntry, error) {
	if forecastType == "" {
		forecastType = "daily"
	}
	node, err := f.dataCall(ctx, "weather", "get_forecasts", entityID, map[string]any{
		"type": forecastType,
	}, "forecast")
	if err != nil || node == nil {
		return []ForecastEntry{}, err
	}
	var forecast []ForecastEntry
	if !decodeField(node, "forecast", &forecast) {
		return []ForecastEntry{}, nil
	}
	return forecast, nil
}

// To-do lists

// TodoItem is one entry of a to-do list entity.
type TodoItem struct {
	UID     string `json:"uid"`
	Summary string `json:"summary"`
	Status  string `json:"status"`
	Due     string `json:"due,omitempty"`
}

// TodoItems fetches all items of a list. Empty on timeout.
func (f *Facade) TodoItems(ctx context.Context, entityID string) ([]TodoItem, error) {
	node, err := f.dataCall(ctx, "todo", "get_items", entityID, nil, "items")
	if err != nil || node == nil {
		return []TodoItem{}, err
	}
	var items []TodoItem
	if !decodeField(node, "items", &items) {
		return []TodoItem{}, nil
	}
	return items, nil
}

// TodoAddItem appends an item to a list.
func (f *Facade) TodoAddItem(ctx context.Context, entityID, summary string) error {
	return f.CallService(ctx, "todo", "add_item", entityID, map[string]any{"item": summary})
}

// TodoUpdateItem updates an item's status ("needs_action" or "completed").
func (f *Facade) TodoUpdateItem(ctx context.Context, entityID, uid, status string) error {
	return f.CallService(ctx, "todo", "update_item", entityID, map[string]any{
		"item":   uid,
		"status": status,
	})
}
