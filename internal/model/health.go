package model

import "time"

// ComponentRole is one of the fixed members of a stack
type ComponentRole string

const (
	RoleApp      ComponentRole = "app"
	RoleDatabase ComponentRole = "database"
	RoleCache    ComponentRole = "cache"
)

// Roles is the fixed component set every stack runs
var Roles = []ComponentRole{RoleApp, RoleDatabase, RoleCache}

// ComponentHealth is the run state of one component
type ComponentHealth struct {
	Name     string
	Role     ComponentRole
	Running  bool
	RawState string
}

// StackHealth is the run state of all components of a stack
type StackHealth struct {
	Name       string
	Running    bool
	Components []ComponentHealth
}

// MemoryUsage is a derived memory sample
type MemoryUsage struct {
	UsedBytes  uint64
	LimitBytes uint64
	Percent    float64
	Human      string
}

// ComponentStats is a ResourceSample for one component
type ComponentStats struct {
	Name       string
	Role       ComponentRole
	Status     string
	CPUPercent float64
	Memory     MemoryUsage
}

// StackStats holds ResourceSamples for every component of a stack
type StackStats struct {
	Name       string
	Components []ComponentStats
	SampledAt  time.Time
}
