package validation

import (
	"net/mail"
	"regexp"
	"strings"

	"github.com/vibehost/provisioner/internal/errors"
)

const (
	// MaxNameLength keeps name.domain a valid DNS label
	MaxNameLength   = 63
	MaxDomainLength = 253
	MaxOwnerIDSize  = 128
)

var (
	namePattern        = regexp.MustCompile(`^[a-z0-9-]+$`)
	domainLabelPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)
	nonSlugChars       = regexp.MustCompile(`[^a-z0-9]+`)
)

// Validator validates deploy requests
type Validator struct {
	maxNameLength int
}

// NewValidator creates a new validator with default limits
func NewValidator() *Validator {
	return &Validator{maxNameLength: MaxNameLength}
}

// ValidateName validates a stack name
func (v *Validator) ValidateName(name string) error {
	if name == "" {
		return errors.Validation("name", name, "name cannot be empty")
	}
	if len(name) > v.maxNameLength {
		return errors.Validation("name", name, "name is longer than 63 characters")
	}
	if !namePattern.MatchString(name) {
		return errors.Validation("name", name, "only lowercase letters, digits and hyphens are allowed")
	}
	return nil
}

// ValidateDomain validates a host name such as the base or a custom domain
func (v *Validator) ValidateDomain(field, domain string) error {
	if domain == "" {
		return errors.Validation(field, domain, "domain cannot be empty")
	}
	if len(domain) > MaxDomainLength {
		return errors.Validation(field, domain, "domain is too long")
	}
	if domain == "127.0.0.1" || domain == "::1" {
		return nil
	}

	for _, label := range strings.Split(strings.ToLower(domain), ".") {
		if len(label) > 63 || !domainLabelPattern.MatchString(label) {
			return errors.Validation(field, domain, "not a valid host name")
		}
	}
	return nil
}

// ValidateEmail validates the contact address of a deploy
func (v *Validator) ValidateEmail(email string) error {
	if email == "" {
		return nil
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return errors.Validation("email", email, "not a valid address")
	}
	return nil
}

// ValidateOwnerID validates the owner identifier
func (v *Validator) ValidateOwnerID(ownerID string) error {
	if ownerID == "" {
		return errors.Validation("owner_id", ownerID, "owner ID cannot be empty")
	}
	if len(ownerID) > MaxOwnerIDSize {
		return errors.Validation("owner_id", ownerID, "owner ID is too long")
	}
	return nil
}

// NameFromDomain derives a stack name from a custom domain,
// e.g. "Community.Acme.io" becomes "community-acme-io".
func NameFromDomain(domain string) string {
	slug := nonSlugChars.ReplaceAllString(strings.ToLower(domain), "-")
	slug = strings.Trim(slug, "-")
	if len(slug) > MaxNameLength {
		slug = strings.TrimRight(slug[:MaxNameLength], "-")
	}
	return slug
}
