package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vibehost/provisioner/internal/errors"
)

func TestValidator_ValidateName(t *testing.T) {
	v := NewValidator()

	for _, name := range []string{"acme", "acme-forum", "a1", "123", "x-y-z"} {
		assert.NoError(t, v.ValidateName(name), name)
	}

	for _, name := range []string{"", "Bad Name!", "UPPER", "under_score", "dot.name", "slash/name", strings.Repeat("a", 64)} {
		err := v.ValidateName(name)
		assert.Error(t, err, name)
		assert.Equal(t, errors.ErrCodeValidation, errors.GetCode(err))
		assert.Equal(t, errors.StageFormat, errors.GetStage(err))
	}
}

func TestValidator_ValidateDomain(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateDomain("domain", "localhost"))
	assert.NoError(t, v.ValidateDomain("domain", "127.0.0.1"))
	assert.NoError(t, v.ValidateDomain("domain", "forums.example.com"))
	assert.NoError(t, v.ValidateDomain("custom_domain", "Community.Acme.io"))

	assert.Error(t, v.ValidateDomain("domain", ""))
	assert.Error(t, v.ValidateDomain("domain", "bad..example.com"))
	assert.Error(t, v.ValidateDomain("domain", "-lead.example.com"))
	assert.Error(t, v.ValidateDomain("domain", "evil.com`) || Host(`other.com"))
}

func TestValidator_ValidateEmail(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateEmail(""))
	assert.NoError(t, v.ValidateEmail("admin@example.com"))
	assert.Error(t, v.ValidateEmail("not-an-address"))
	assert.Error(t, v.ValidateEmail("Admin <admin@example.com>"))
}

func TestNameFromDomain(t *testing.T) {
	assert.Equal(t, "community-acme-io", NameFromDomain("Community.Acme.io"))
	assert.Equal(t, "forum-example-com", NameFromDomain("--forum..example.com."))

	long := NameFromDomain(strings.Repeat("ab.", 40) + "com")
	assert.LessOrEqual(t, len(long), MaxNameLength)
	assert.NoError(t, NewValidator().ValidateName(long))
}
