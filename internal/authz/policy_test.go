package authz

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAuthorizeConnAllowsAnyoneWithEmptyAllowlist(t *testing.T) {
	p := NewPolicy(&Config{})
	ok, _ := p.AuthorizeConn(PeerCred{UID: 9999})
	assert.True(t, ok)
}

func TestAuthorizeConnEnforcesAllowlist(t *testing.T) {
	p := NewPolicy(&Config{AllowedUIDs: []uint32{1000}})

	ok, _ := p.AuthorizeConn(PeerCred{UID: 1000})
	assert.True(t, ok)

	ok, reason := p.AuthorizeConn(PeerCred{UID: 2000})
	assert.False(t, ok)
	assert.Contains(t, reason, "2000")
}

func TestCanSpawnEnforcesPrefix(t *testing.T) {
	p := NewPolicy(&Config{
		Teams: []TeamRule{
			{Name: "team-a", AllowedNamePrefixes: []string{"team-a-"}},
		},
	})

	ok, _ := p.CanSpawn("lead", "team-a", "team-a-worker-1")
	assert.True(t, ok)

	ok, reason := p.CanSpawn("lead", "team-a", "team-b-worker-1")
	assert.False(t, ok)
	assert.Contains(t, reason, "team-a")

	ok, _ = p.CanSpawn("lead", "unknown-team", "anything")
	assert.False(t, ok)
}

func TestAuthorizeNameEnforcesTeamPrefix(t *testing.T) {
	p := NewPolicy(&Config{
		Teams: []TeamRule{
			{Name: "team-a", AllowedUIDs: []uint32{1000}, AllowedNamePrefixes: []string{"team-a-"}},
		},
	})

	ok, _ := p.AuthorizeName(PeerCred{UID: 1000}, "team-a-lead")
	assert.True(t, ok)

	ok, reason := p.AuthorizeName(PeerCred{UID: 1000}, "rogue")
	assert.False(t, ok)
	assert.Contains(t, reason, "team-a")

	// A uid outside every team rule is unconstrained.
	ok, _ = p.AuthorizeName(PeerCred{UID: 2000}, "rogue")
	assert.True(t, ok)
}

func TestAuthorizeNameUnconstrainedTeam(t *testing.T) {
	p := NewPolicy(&Config{
		Teams: []TeamRule{{Name: "team-a", AllowedUIDs: []uint32{1000}}},
	})
	ok, _ := p.AuthorizeName(PeerCred{UID: 1000}, "anything")
	assert.True(t, ok)
}

func TestCanSpawnAllowsAllWhenNoTeamsConfigured(t *testing.T) {
	p := NewPolicy(&Config{})
	ok, _ := p.CanSpawn("lead", "team-a", "whatever")
	assert.True(t, ok)
}
