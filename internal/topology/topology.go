// Package topology models the fixed app/database/cache stack of one tenant
// and serializes it to a compose project at the backend boundary.
package topology

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vibehost/provisioner/internal/model"
)

const (
	// AppPort is the port the forum application listens on inside its network
	AppPort = 3000

	databaseUser = "discourse"
	databaseName = "discourse"
)

// Images selects the container images of the three components
type Images struct {
	App      string
	Database string
	Cache    string
}

// DefaultImages are the images stacks run unless configured otherwise
var DefaultImages = Images{
	App:      "discourse/discourse:latest",
	Database: "postgres:15-alpine",
	Cache:    "redis:7-alpine",
}

// Volume is a named data volume mounted into a component
type Volume struct {
	Name      string
	MountPath string
}

// HealthCheck is a container-level readiness probe
type HealthCheck struct {
	Test     []string
	Interval time.Duration
	Timeout  time.Duration
	Retries  uint64
}

// Component is one container of a stack
type Component struct {
	Role          model.ComponentRole
	Service       string
	ContainerName string
	Image         string
	Command       []string
	Environment   map[string]string
	Volume        Volume
	HealthCheck   *HealthCheck
	PublishedPort int // host port mapped to AppPort, zero when routed by the proxy
	Labels        map[string]string
	DependsOn     []string
}

// Credentials are generated per definition and never reused across tenants
type Credentials struct {
	DatabasePassword string
	CachePassword    string
}

// Definition is the complete topology of one tenant stack
type Definition struct {
	StackName    string
	Project      string
	Network      string
	ProxyNetwork string // external reverse proxy network, empty for loopback stacks
	FullDomain   string
	Email        string
	Loopback     bool
	Credentials  Credentials
	Components   []Component
}

// Request carries the tenant inputs of a definition
type Request struct {
	StackName     string
	Domain        string
	CustomDomain  string
	Email         string
	PublishedPort int
	ProxyNetwork  string
}

// ProjectName is the compose project of a stack
func ProjectName(stack string) string { return "forum-" + stack }

// NetworkName is the private network of a stack
func NetworkName(stack string) string { return "discourse_" + stack }

// ContainerName is the tenant-scoped container name of a component. Stack
// names never contain an underscore, so the separator keeps one stack's
// names out of every other stack's.
func ContainerName(role model.ComponentRole, stack string) string {
	switch role {
	case model.RoleDatabase:
		return "discourse_" + stack + "_postgres"
	case model.RoleCache:
		return "discourse_" + stack + "_redis"
	default:
		return "discourse_" + stack + "_app"
	}
}

// ServiceName is the tenant-scoped service name of a component
func ServiceName(role model.ComponentRole, stack string) string {
	switch role {
	case model.RoleDatabase:
		return "postgres-" + stack
	case model.RoleCache:
		return "redis-" + stack
	default:
		return "discourse-" + stack
	}
}

// VolumeName is the tenant-scoped data volume of a component
func VolumeName(role model.ComponentRole, stack string) string {
	switch role {
	case model.RoleDatabase:
		return "postgres_data_" + stack
	case model.RoleCache:
		return "redis_data_" + stack
	default:
		return "discourse_data_" + stack
	}
}

// VolumeNames lists every data volume of a stack
func VolumeNames(stack string) []string {
	names := make([]string, 0, len(model.Roles))
	for _, role := range model.Roles {
		names = append(names, VolumeName(role, stack))
	}
	return names
}

// NewCredentials generates fresh random passwords
func NewCredentials() Credentials {
	return Credentials{
		DatabasePassword: secret(),
		CachePassword:    secret(),
	}
}

func secret() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Build assembles the definition of a stack
func Build(req Request, images Images) (*Definition, error) {
	if req.StackName == "" {
		return nil, fmt.Errorf("stack name is required")
	}
	if req.Domain == "" && req.CustomDomain == "" {
		return nil, fmt.Errorf("a domain is required")
	}
	if images.App == "" || images.Database == "" || images.Cache == "" {
		return nil, fmt.Errorf("all component images are required")
	}

	name := req.StackName
	loopback := model.IsLoopbackHost(req.Domain) && req.CustomDomain == ""
	if loopback && req.PublishedPort <= 0 {
		return nil, fmt.Errorf("loopback stack %s needs a published port", name)
	}

	def := &Definition{
		StackName:   name,
		Project:     ProjectName(name),
		Network:     NetworkName(name),
		FullDomain:  model.FullDomain(name, req.Domain, req.CustomDomain),
		Email:       req.Email,
		Loopback:    loopback,
		Credentials: NewCredentials(),
	}
	if !loopback {
		def.ProxyNetwork = req.ProxyNetwork
	}

	dbService := ServiceName(model.RoleDatabase, name)
	cacheService := ServiceName(model.RoleCache, name)

	database := Component{
		Role:          model.RoleDatabase,
		Service:       dbService,
		ContainerName: ContainerName(model.RoleDatabase, name),
		Image:         images.Database,
		Environment: map[string]string{
			"POSTGRES_USER":        databaseUser,
			"POSTGRES_PASSWORD":    def.Credentials.DatabasePassword,
			"POSTGRES_DB":          databaseName,
			"ALLOW_EMPTY_PASSWORD": "no",
		},
		Volume: Volume{Name: VolumeName(model.RoleDatabase, name), MountPath: "/var/lib/postgresql/data"},
		HealthCheck: &HealthCheck{
			Test:     []string{"CMD-SHELL", "pg_isready -U " + databaseUser},
			Interval: 10 * time.Second,
			Timeout:  5 * time.Second,
			Retries:  5,
		},
	}

	cache := Component{
		Role:          model.RoleCache,
		Service:       cacheService,
		ContainerName: ContainerName(model.RoleCache, name),
		Image:         images.Cache,
		Command:       []string{"redis-server", "--requirepass", def.Credentials.CachePassword},
		Environment: map[string]string{
			"REDIS_PASSWORD":       def.Credentials.CachePassword,
			"ALLOW_EMPTY_PASSWORD": "no",
		},
		Volume: Volume{Name: VolumeName(model.RoleCache, name), MountPath: "/data"},
		HealthCheck: &HealthCheck{
			Test:     []string{"CMD", "redis-cli", "-a", def.Credentials.CachePassword, "ping"},
			Interval: 10 * time.Second,
			Timeout:  3 * time.Second,
			Retries:  5,
		},
	}

	app := Component{
		Role:          model.RoleApp,
		Service:       ServiceName(model.RoleApp, name),
		ContainerName: ContainerName(model.RoleApp, name),
		Image:         images.App,
		Environment: map[string]string{
			"DISCOURSE_HOSTNAME":             def.FullDomain,
			"DISCOURSE_SITENAME":             name,
			"DISCOURSE_DEVELOPER_EMAILS":     req.Email,
			"DISCOURSE_DATABASE_HOST":        dbService,
			"DISCOURSE_DATABASE_PORT_NUMBER": "5432",
			"DISCOURSE_DATABASE_USER":        databaseUser,
			"DISCOURSE_DATABASE_PASSWORD":    def.Credentials.DatabasePassword,
			"DISCOURSE_DATABASE_NAME":        databaseName,
			"DISCOURSE_REDIS_HOST":           cacheService,
			"DISCOURSE_REDIS_PORT_NUMBER":    "6379",
			"DISCOURSE_REDIS_PASSWORD":       def.Credentials.CachePassword,
			"DISCOURSE_SKIP_INSTALL":         "no",
		},
		Volume: Volume{Name: VolumeName(model.RoleApp, name), MountPath: "/var/www/discourse"},
		HealthCheck: &HealthCheck{
			Test:     []string{"CMD", "curl", "-f", fmt.Sprintf("http://localhost:%d", AppPort)},
			Interval: 30 * time.Second,
			Timeout:  10 * time.Second,
			Retries:  3,
		},
		DependsOn: []string{dbService, cacheService},
	}
	if loopback {
		app.PublishedPort = req.PublishedPort
	} else {
		app.Labels = RoutingLabels(name, def.FullDomain)
	}

	def.Components = []Component{app, database, cache}
	return def, nil
}

// RoutingLabels are the reverse proxy labels routing fullDomain to the app
func RoutingLabels(stack, fullDomain string) map[string]string {
	router := "traefik.http.routers." + stack
	return map[string]string{
		"traefik.enable":             "true",
		router + ".rule":             fmt.Sprintf("Host(`%s`)", fullDomain),
		router + ".entrypoints":      "websecure",
		router + ".tls":              "true",
		router + ".tls.certresolver": "letsencrypt",
		"traefik.http.services." + stack + ".loadbalancer.server.port": fmt.Sprint(AppPort),
	}
}

// Component returns the component with the role
func (d *Definition) Component(role model.ComponentRole) (Component, bool) {
	for _, c := range d.Components {
		if c.Role == role {
			return c, true
		}
	}
	return Component{}, false
}

// AppPublishedPort is the loopback host port of the app, zero when routed
func (d *Definition) AppPublishedPort() int {
	app, _ := d.Component(model.RoleApp)
	return app.PublishedPort
}
