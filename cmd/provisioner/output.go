package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vibehost/provisioner/internal/model"
	"github.com/vibehost/provisioner/internal/service"
)

type stackView struct {
	ID           string    `json:"id" yaml:"id"`
	Name         string    `json:"name" yaml:"name"`
	OwnerID      string    `json:"owner_id" yaml:"owner_id"`
	Status       string    `json:"status" yaml:"status"`
	Backend      string    `json:"backend" yaml:"backend"`
	Domain       string    `json:"domain" yaml:"domain"`
	CustomDomain string    `json:"custom_domain,omitempty" yaml:"custom_domain,omitempty"`
	URL          string    `json:"url" yaml:"url"`
	CreatedAt    time.Time `json:"created_at" yaml:"created_at"`
}

type componentView struct {
	Name     string `json:"name" yaml:"name"`
	Role     string `json:"role" yaml:"role"`
	Running  bool   `json:"running" yaml:"running"`
	RawState string `json:"state" yaml:"state"`
}

type statusView struct {
	Stack       stackView       `json:"stack" yaml:"stack"`
	Running     bool            `json:"running" yaml:"running"`
	Components  []componentView `json:"components,omitempty" yaml:"components,omitempty"`
	HealthError string          `json:"health_error,omitempty" yaml:"health_error,omitempty"`
}

type componentStatsView struct {
	Name          string  `json:"name" yaml:"name"`
	Role          string  `json:"role" yaml:"role"`
	Status        string  `json:"status" yaml:"status"`
	CPUPercent    float64 `json:"cpu_percent" yaml:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent" yaml:"memory_percent"`
	Memory        string  `json:"memory" yaml:"memory"`
}

type statsView struct {
	Name       string               `json:"name" yaml:"name"`
	SampledAt  time.Time            `json:"sampled_at" yaml:"sampled_at"`
	Components []componentStatsView `json:"components" yaml:"components"`
}

type usageView struct {
	OwnerID      string  `json:"owner_id" yaml:"owner_id"`
	Plan         string  `json:"plan" yaml:"plan"`
	ActiveStacks int     `json:"active_stacks" yaml:"active_stacks"`
	MaxStacks    int     `json:"max_stacks" yaml:"max_stacks"`
	TotalStacks  int     `json:"total_stacks" yaml:"total_stacks"`
	UsedGB       float64 `json:"used_gb" yaml:"used_gb"`
	LimitGB      float64 `json:"limit_gb" yaml:"limit_gb"`
	Percent      float64 `json:"percent" yaml:"percent"`
	Warning      bool    `json:"warning" yaml:"warning"`
	Exceeded     bool    `json:"exceeded" yaml:"exceeded"`
}

type enforcementView struct {
	OwnerID   string  `json:"owner_id" yaml:"owner_id"`
	UsedGB    float64 `json:"used_gb" yaml:"used_gb"`
	LimitGB   float64 `json:"limit_gb" yaml:"limit_gb"`
	Exceeded  bool    `json:"exceeded" yaml:"exceeded"`
	Suspended string  `json:"suspended,omitempty" yaml:"suspended,omitempty"`
}

func newStackView(s *model.TenantStack) stackView {
	return stackView{
		ID:           s.ID,
		Name:         s.Name,
		OwnerID:      s.OwnerID,
		Status:       string(s.Status),
		Backend:      string(s.Backend),
		Domain:       s.Domain,
		CustomDomain: s.CustomDomain,
		URL:          s.AccessURL(),
		CreatedAt:    s.CreatedAt,
	}
}

func newStatusView(r *service.StatusResult) statusView {
	v := statusView{Stack: newStackView(r.Stack), HealthError: r.HealthError}
	if r.Health != nil {
		v.Running = r.Health.Running
		for _, c := range r.Health.Components {
			v.Components = append(v.Components, componentView{
				Name:     c.Name,
				Role:     string(c.Role),
				Running:  c.Running,
				RawState: c.RawState,
			})
		}
	}
	return v
}

func newStatsView(s *model.StackStats) statsView {
	v := statsView{Name: s.Name, SampledAt: s.SampledAt}
	for _, c := range s.Components {
		v.Components = append(v.Components, componentStatsView{
			Name:          c.Name,
			Role:          string(c.Role),
			Status:        c.Status,
			CPUPercent:    c.CPUPercent,
			MemoryPercent: c.Memory.Percent,
			Memory:        c.Memory.Human,
		})
	}
	return v
}

func newUsageView(u *service.UsageSummary) usageView {
	v := usageView{
		OwnerID:      u.OwnerID,
		Plan:         u.Plan.Name,
		ActiveStacks: u.ActiveStacks,
		MaxStacks:    u.Plan.MaxActiveStacks,
		TotalStacks:  u.TotalStacks,
	}
	if u.Storage != nil {
		v.UsedGB = u.Storage.UsedGB
		v.LimitGB = u.Storage.LimitGB
		v.Percent = u.Storage.Percent
		v.Warning = u.Storage.Warning
		v.Exceeded = u.Storage.Exceeded
	}
	return v
}

func newEnforcementView(r *service.EnforcementResult) enforcementView {
	v := enforcementView{OwnerID: r.OwnerID, Suspended: r.Suspended}
	if r.Usage != nil {
		v.UsedGB = r.Usage.UsedGB
		v.LimitGB = r.Usage.LimitGB
		v.Exceeded = r.Usage.Exceeded
	}
	return v
}

// render writes v as JSON or YAML
func render(w io.Writer, format string, v interface{}) error {
	switch format {
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("failed to render output: %w", err)
		}
		return enc.Close()
	case "json", "":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	default:
		return fmt.Errorf("unknown output format %q (json, yaml)", format)
	}
}
