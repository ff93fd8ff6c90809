package types

import (
	"fmt"
	"time"
)

// Template defaults
const (
	DefaultResetIntervalSeconds = 3600
	DefaultMaxInstances         = 10
	DefaultMemoryLimit          = "100m"
)

// ChallengeTemplate is the static definition of a dynamic challenge
type ChallengeTemplate struct {
	ID                   string            `yaml:"id" json:"id"`
	Name                 string            `yaml:"name" json:"name"`
	Image                string            `yaml:"image" json:"image"`
	InternalPort         int               `yaml:"internal_port" json:"internal_port"`
	Env                  map[string]string `yaml:"env" json:"env,omitempty"`
	Limits               ResourceLimits    `yaml:"limits" json:"limits"`
	Network              string            `yaml:"network" json:"network,omitempty"`
	ResetIntervalSeconds int               `yaml:"reset_interval_seconds" json:"reset_interval_seconds"`
	MaxInstances         int               `yaml:"max_instances" json:"max_instances"`
}

// ResourceLimits are applied to every sandbox created from a template
type ResourceLimits struct {
	// Memory in docker notation, e.g. "100m", "1g"
	Memory string `yaml:"memory" json:"memory"`

	// CPUs as a fraction of host cores, e.g. 0.5
	CPUs float64 `yaml:"cpus" json:"cpus"`
}

// Lifetime returns how long an instance of this template lives
func (t *ChallengeTemplate) Lifetime() time.Duration {
	return time.Duration(t.ResetIntervalSeconds) * time.Second
}

// ApplyDefaults fills unset fields with platform defaults
func (t *ChallengeTemplate) ApplyDefaults() {
	if t.ResetIntervalSeconds == 0 {
		t.ResetIntervalSeconds = DefaultResetIntervalSeconds
	}
	if t.MaxInstances == 0 {
		t.MaxInstances = DefaultMaxInstances
	}
	if t.Limits.Memory == "" {
		t.Limits.Memory = DefaultMemoryLimit
	}
	if t.Name == "" {
		t.Name = t.ID
	}
}

// Validate checks that a template can be provisioned
func (t *ChallengeTemplate) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("template id is required")
	}
	if t.Image == "" {
		return fmt.Errorf("template %s: image is required", t.ID)
	}
	if t.InternalPort <= 0 || t.InternalPort > 65535 {
		return fmt.Errorf("template %s: internal_port out of range: %d", t.ID, t.InternalPort)
	}
	if t.ResetIntervalSeconds <= 0 {
		return fmt.Errorf("template %s: reset_interval_seconds must be positive", t.ID)
	}
	if t.MaxInstances <= 0 {
		return fmt.Errorf("template %s: max_instances must be positive", t.ID)
	}
	if t.Limits.CPUs < 0 {
		return fmt.Errorf("template %s: limits.cpus must not be negative", t.ID)
	}
	return nil
}
