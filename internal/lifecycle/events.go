package lifecycle

import "time"

// EventType names a lifecycle transition.
type EventType string

const (
	EventClientConnected    EventType = "client_connected"
	EventClientDisconnected EventType = "client_disconnected"
	EventIdleScheduled      EventType = "idle_scheduled"
	EventProducerStarted    EventType = "producer_started"
	EventProducerStopped    EventType = "producer_stopped"
	EventProducerFailed     EventType = "producer_failed"
	EventDeviceChanged      EventType = "device_changed"

	// Published by the service layer.
	EventServerStarted EventType = "server_started"
	EventServerStopped EventType = "server_stopped"
	EventServerFailed  EventType = "server_failed"
)

// Event is published to Options.Notify on every transition.
type Event struct {
	Type    EventType `json:"type"`
	Time    time.Time `json:"time"`
	Clients int       `json:"clients,omitempty"`
	Device  string    `json:"device,omitempty"`
	Addr    string    `json:"addr,omitempty"`
	Error   string    `json:"error,omitempty"`
}
