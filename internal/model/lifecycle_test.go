package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransition_AllowedEdges(t *testing.T) {
	allowed := [][2]StackStatus{
		{StatusDeploying, StatusActive},
		{StatusDeploying, StatusFailed},
		{StatusActive, StatusSuspended},
		{StatusActive, StatusDeleted},
		{StatusSuspended, StatusDeleted},
		{StatusFailed, StatusDeleted},
	}

	for _, edge := range allowed {
		assert.NoError(t, Transition(edge[0], edge[1]), "%s -> %s", edge[0], edge[1])
	}
}

func TestTransition_RejectsEverythingElse(t *testing.T) {
	count := 0
	for _, from := range AllStatuses {
		for _, to := range AllStatuses {
			if CanTransition(from, to) {
				count++
				continue
			}
			err := Transition(from, to)
			require.Error(t, err)

			var te *TransitionError
			require.ErrorAs(t, err, &te)
			assert.Equal(t, from, te.From)
			assert.Equal(t, to, te.To)
		}
	}
	assert.Equal(t, 6, count)
}

func TestStackStatus_Terminal(t *testing.T) {
	assert.True(t, StatusDeleted.IsTerminal())
	assert.False(t, StatusSuspended.IsTerminal())
	assert.False(t, StatusDeploying.IsTerminal())
}

func TestTenantStack_AccessURL(t *testing.T) {
	routed := &TenantStack{Name: "acme", Domain: "forums.example.com"}
	assert.Equal(t, "https://acme.forums.example.com", routed.AccessURL())

	custom := &TenantStack{Name: "acme", Domain: "forums.example.com", CustomDomain: "Community.Acme.io"}
	assert.Equal(t, "https://community.acme.io", custom.AccessURL())

	local := &TenantStack{Name: "acme", Domain: "localhost", BackendIDs: BackendIDs{Port: 3042}}
	assert.Equal(t, "http://localhost:3042", local.AccessURL())
}

func TestTenantStack_HoldsName(t *testing.T) {
	for status, holds := range map[StackStatus]bool{
		StatusDeploying: true,
		StatusActive:    true,
		StatusSuspended: true,
		StatusFailed:    false,
		StatusDeleted:   false,
	} {
		s := &TenantStack{Status: status}
		assert.Equal(t, holds, s.HoldsName(), string(status))
	}
}

func TestBackendIDs_IsZero(t *testing.T) {
	assert.True(t, BackendIDs{}.IsZero())
	assert.True(t, BackendIDs{Port: 3001}.IsZero())
	assert.False(t, BackendIDs{Namespace: "forum-acme"}.IsZero())
}
