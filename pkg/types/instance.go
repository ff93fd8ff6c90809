package types

import "time"

// InstanceStatus represents the lifecycle status of a challenge instance
type InstanceStatus string

const (
	InstanceStatusProvisioning InstanceStatus = "provisioning"
	InstanceStatusRunning      InstanceStatus = "running"
	InstanceStatusStopping     InstanceStatus = "stopping"
	InstanceStatusStopped      InstanceStatus = "stopped"
	InstanceStatusFailed       InstanceStatus = "failed"
)

func (s InstanceStatus) String() string {
	return string(s)
}

// IsLive reports whether the status blocks a new reservation for the same
// (template, team) pair.
func (s InstanceStatus) IsLive() bool {
	return s == InstanceStatusProvisioning || s == InstanceStatusRunning
}

// IsTerminal reports whether the instance can never change again.
func (s InstanceStatus) IsTerminal() bool {
	return s == InstanceStatusStopped || s == InstanceStatusFailed
}

// HoldsSlot reports whether an instance in this status occupies template capacity.
// Stopping still counts so a host port is never double-booked before teardown completes.
func (s InstanceStatus) HoldsSlot() bool {
	return s == InstanceStatusProvisioning || s == InstanceStatusRunning || s == InstanceStatusStopping
}

var instanceTransitions = map[InstanceStatus][]InstanceStatus{
	InstanceStatusProvisioning: {InstanceStatusRunning, InstanceStatusStopping, InstanceStatusFailed},
	InstanceStatusRunning:      {InstanceStatusStopping, InstanceStatusFailed},
	InstanceStatusStopping:     {InstanceStatusStopped, InstanceStatusFailed},
}

// CanTransition reports whether moving from s to next is a legal lifecycle step
func (s InstanceStatus) CanTransition(next InstanceStatus) bool {
	for _, allowed := range instanceTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Instance is one provisioned (or previously provisioned) sandbox for a team
type Instance struct {
	ID                string         `json:"id"`
	TemplateID        string         `json:"template_id"`
	TeamID            string         `json:"team_id"`
	RequestedBy       string         `json:"requested_by,omitempty"`
	Handle            string         `json:"handle,omitempty"`
	Host              string         `json:"host,omitempty"`
	InternalPort      int            `json:"internal_port"`
	PublishedPort     int            `json:"published_port,omitempty"`
	Flag              string         `json:"-"`
	Status            InstanceStatus `json:"status"`
	HoldsSlot         bool           `json:"-"`
	Error             string         `json:"error,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	ExpiresAt         time.Time      `json:"expires_at"`
	LastHealthCheckAt *time.Time     `json:"last_health_check_at,omitempty"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// Key returns the reservation key for the instance's (template, team) pair
func (i *Instance) Key() ReservationKey {
	return ReservationKey{TemplateID: i.TemplateID, TeamID: i.TeamID}
}

// IsExpired reports whether the instance deadline has passed at now
func (i *Instance) IsExpired(now time.Time) bool {
	return !i.ExpiresAt.IsZero() && now.After(i.ExpiresAt)
}

// Descriptor returns the connection details handed back to the caller
func (i *Instance) Descriptor() *ConnectionDescriptor {
	return &ConnectionDescriptor{
		InstanceID: i.ID,
		Host:       i.Host,
		Port:       i.PublishedPort,
		Status:     i.Status,
		ExpiresAt:  i.ExpiresAt,
	}
}

// Clone returns a copy that is safe to hand out of a registry
func (i *Instance) Clone() *Instance {
	c := *i
	if i.LastHealthCheckAt != nil {
		t := *i.LastHealthCheckAt
		c.LastHealthCheckAt = &t
	}
	return &c
}

// ReservationKey identifies the (template, team) pair guarded by a reservation
type ReservationKey struct {
	TemplateID string
	TeamID     string
}

func (k ReservationKey) String() string {
	return k.TemplateID + ":" + k.TeamID
}

// ConnectionDescriptor is returned to the caller of Acquire
type ConnectionDescriptor struct {
	InstanceID string         `json:"instance_id"`
	Host       string         `json:"host"`
	Port       int            `json:"port"`
	Status     InstanceStatus `json:"status"`
	ExpiresAt  time.Time      `json:"expires_at"`
}
