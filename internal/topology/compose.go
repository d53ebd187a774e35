package topology

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/compose-spec/compose-go/v2/types"
)

// ComposeProject converts the definition into a compose project. Every resource
// carries an explicit name so compose does not prefix it with the project.
func (d *Definition) ComposeProject() *types.Project {
	project := &types.Project{
		Name:     d.Project,
		Services: types.Services{},
		Networks: types.Networks{
			d.Network: types.NetworkConfig{
				Name:   d.Network,
				Driver: "bridge",
				Labels: types.Labels{"vibehost.stack": d.StackName},
			},
		},
		Volumes: types.Volumes{},
	}
	if d.ProxyNetwork != "" {
		project.Networks[d.ProxyNetwork] = types.NetworkConfig{
			Name:     d.ProxyNetwork,
			External: true,
		}
	}

	for _, c := range d.Components {
		project.Services[c.Service] = d.service(c)
		project.Volumes[c.Volume.Name] = types.VolumeConfig{
			Name:   c.Volume.Name,
			Labels: types.Labels{"vibehost.stack": d.StackName, "vibehost.role": string(c.Role)},
		}
	}

	return project
}

func (d *Definition) service(c Component) types.ServiceConfig {
	svc := types.ServiceConfig{
		Name:          c.Service,
		Image:         c.Image,
		ContainerName: c.ContainerName,
		Restart:       types.RestartPolicyUnlessStopped,
		Environment:   types.MappingWithEquals{},
		Labels:        types.Labels{"vibehost.stack": d.StackName, "vibehost.role": string(c.Role)},
		Networks: map[string]*types.ServiceNetworkConfig{
			d.Network: nil,
		},
		Volumes: []types.ServiceVolumeConfig{{
			Type:   types.VolumeTypeVolume,
			Source: c.Volume.Name,
			Target: c.Volume.MountPath,
		}},
	}

	for k, v := range c.Environment {
		value := escape(v)
		svc.Environment[k] = &value
	}
	for k, v := range c.Labels {
		svc.Labels[k] = escape(v)
	}
	if len(c.Command) > 0 {
		svc.Command = escapeAll(c.Command)
	}

	if c.HealthCheck != nil {
		interval := types.Duration(c.HealthCheck.Interval)
		timeout := types.Duration(c.HealthCheck.Timeout)
		retries := c.HealthCheck.Retries
		svc.HealthCheck = &types.HealthCheckConfig{
			Test:     types.HealthCheckTest(escapeAll(c.HealthCheck.Test)),
			Interval: &interval,
			Timeout:  &timeout,
			Retries:  &retries,
		}
	}

	if len(c.DependsOn) > 0 {
		svc.DependsOn = types.DependsOnConfig{}
		for _, dep := range c.DependsOn {
			svc.DependsOn[dep] = types.ServiceDependency{
				Condition: types.ServiceConditionHealthy,
				Required:  true,
			}
		}
	}

	if c.PublishedPort > 0 {
		svc.Ports = []types.ServicePortConfig{{
			Mode:      "ingress",
			Target:    AppPort,
			Published: strconv.Itoa(c.PublishedPort),
			Protocol:  "tcp",
		}}
	}

	// Only the app joins the reverse proxy network
	if d.ProxyNetwork != "" && len(c.Labels) > 0 {
		svc.Networks[d.ProxyNetwork] = nil
	}

	return svc
}

// MarshalYAML serializes the definition as a compose file
func (d *Definition) MarshalYAML() ([]byte, error) {
	data, err := d.ComposeProject().MarshalYAML()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize stack %s: %w", d.StackName, err)
	}
	return data, nil
}

// escape protects literal dollar signs from compose variable interpolation
func escape(s string) string {
	return strings.ReplaceAll(s, "$", "$$")
}

func escapeAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = escape(s)
	}
	return out
}
