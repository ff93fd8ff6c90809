package types

// EventType names an instance lifecycle event on the event bus
type EventType string

const (
	EventInstanceCreated EventType = "instance.created"
	EventInstanceStopped EventType = "instance.stopped"
	EventInstanceFailed  EventType = "instance.failed"
)

// Event is the wire format published on the event bus
type Event struct {
	Type EventType      `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

// NewInstanceEvent builds the payload shared by every lifecycle event
func NewInstanceEvent(t EventType, inst *Instance, reason string) Event {
	data := map[string]any{
		"instance_id": inst.ID,
		"template_id": inst.TemplateID,
		"team_id":     inst.TeamID,
		"status":      string(inst.Status),
	}
	if reason != "" {
		data["reason"] = reason
	}
	return Event{Type: t, Data: data}
}
