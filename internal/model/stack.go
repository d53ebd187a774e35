package model

import (
	"fmt"
	"strings"
	"time"
)

// BackendKind identifies the provisioning mechanism that owns a stack
type BackendKind string

const (
	BackendLocal  BackendKind = "local"
	BackendRemote BackendKind = "remote"
)

// Valid reports whether k is a known backend kind
func (k BackendKind) Valid() bool {
	return k == BackendLocal || k == BackendRemote
}

// BackendIDs are the opaque identifiers a backend returned for a stack
type BackendIDs struct {
	Namespace   string // compose project or remote project id
	Application string // remote application id, empty for local stacks
	Port        int    // published loopback port, zero when routed by domain
}

// IsZero reports whether no backend resources were ever recorded
func (b BackendIDs) IsZero() bool {
	return b.Namespace == "" && b.Application == ""
}

// TenantStack is the registry record of one tenant's forum stack
type TenantStack struct {
	ID           string
	Name         string
	OwnerID      string
	Email        string
	Domain       string
	CustomDomain string
	Backend      BackendKind
	BackendIDs   BackendIDs
	Status       StackStatus
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// FullDomain is the custom domain when set, otherwise name.domain
func (s *TenantStack) FullDomain() string {
	return FullDomain(s.Name, s.Domain, s.CustomDomain)
}

// AccessURL is the address users reach the forum at
func (s *TenantStack) AccessURL() string {
	if IsLoopbackHost(s.Domain) && s.CustomDomain == "" && s.BackendIDs.Port > 0 {
		return fmt.Sprintf("http://localhost:%d", s.BackendIDs.Port)
	}
	return "https://" + s.FullDomain()
}

// HoldsName reports whether the record blocks another stack from taking its
// name or loopback port. Failed records were torn down by their rollback and
// are retired by the next deploy of the same name.
func (s *TenantStack) HoldsName() bool {
	return s.Status != StatusDeleted && s.Status != StatusFailed
}

// FullDomain computes the public host name of a stack
func FullDomain(name, domain, customDomain string) string {
	if customDomain != "" {
		return strings.ToLower(customDomain)
	}
	return name + "." + strings.ToLower(domain)
}

// IsLoopbackHost reports whether domain is a local development host
func IsLoopbackHost(domain string) bool {
	switch strings.ToLower(domain) {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}
