package common

import "fmt"

var (
	// Instance keys
	instanceState        string = "instance:state:%s" // instanceId
	instanceLock         string = "instance:lock:%s"  // instanceId
	instanceIndex        string = "instance:index"
	instanceExpiry       string = "instance:expiry"
	instanceReserveLock  string = "instance:reserve:lock:%s:%s" // templateId, teamId
	instanceLiveKey      string = "instance:live:%s:%s"         // templateId, teamId
	instanceTeamIndex    string = "instance:team:%s"            // teamId
	instanceTemplateSlot string = "instance:template:%s:slots"  // templateId
	instanceTemplateLock string = "instance:template:%s:lock"   // templateId

	// Server keys
	serverInitLock string = "server:init:%s:lock" // name
)

var Keys = &redisKeys{}

type redisKeys struct{}

// Instance keys
func (rk *redisKeys) InstanceState(instanceId string) string {
	return fmt.Sprintf(instanceState, instanceId)
}

func (rk *redisKeys) InstanceLock(instanceId string) string {
	return fmt.Sprintf(instanceLock, instanceId)
}

func (rk *redisKeys) InstanceIndex() string {
	return instanceIndex
}

func (rk *redisKeys) InstanceExpiry() string {
	return instanceExpiry
}

func (rk *redisKeys) InstanceReserveLock(templateId, teamId string) string {
	return fmt.Sprintf(instanceReserveLock, templateId, teamId)
}

func (rk *redisKeys) InstanceLive(templateId, teamId string) string {
	return fmt.Sprintf(instanceLiveKey, templateId, teamId)
}

func (rk *redisKeys) InstanceTeamIndex(teamId string) string {
	return fmt.Sprintf(instanceTeamIndex, teamId)
}

func (rk *redisKeys) InstanceTemplateSlots(templateId string) string {
	return fmt.Sprintf(instanceTemplateSlot, templateId)
}

func (rk *redisKeys) InstanceTemplateLock(templateId string) string {
	return fmt.Sprintf(instanceTemplateLock, templateId)
}

// Server keys
func (rk *redisKeys) ServerInitLock(name string) string {
	return fmt.Sprintf(serverInitLock, name)
}
