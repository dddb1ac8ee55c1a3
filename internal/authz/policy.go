// Package authz authorizes inbound connections by Unix peer credentials
// and authorizes SPAWN requests by a team/name-prefix policy loaded from
// TOML.
package authz

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
)

// PeerCred is the uid/gid/pid SO_PEERCRED reports for a connecting
// process.
type PeerCred struct {
	UID uint32
	GID uint32
	PID int32
}

// TeamRule grants a team the right to spawn workers whose names carry one
// of its prefixes, and optionally restricts which uids may authenticate
// as members of that team.
type TeamRule struct {
	Name                string   `toml:"name"`
	AllowedNamePrefixes []string `toml:"allowed_name_prefixes"`
	AllowedUIDs         []uint32 `toml:"allowed_uids"`
}

// Config is the on-disk TOML shape for the authorization policy.
type Config struct {
	// AllowedUIDs, when non-empty, restricts which uids may connect at
	// all, regardless of team. Empty means "any local uid may connect".
	AllowedUIDs []uint32   `toml:"allowed_uids"`
	Teams       []TeamRule `toml:"teams"`
}

// LoadConfig reads and parses a policy file.
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("authz: decode %s: %w", path, err)
	}
	return &cfg, nil
}

// Policy evaluates a loaded Config against connection and spawn requests.
// It satisfies internal/spawn.PolicyChecker.
type Policy struct {
	cfg *Config
}

// NewPolicy wraps a loaded Config. A nil cfg behaves as allow-all.
func NewPolicy(cfg *Config) *Policy {
	return &Policy{cfg: cfg}
}

// AuthorizeConn reports whether a connecting process with the given
// credentials may open a session at all.
func (p *Policy) AuthorizeConn(cred PeerCred) (bool, string) {
	if p.cfg == nil || len(p.cfg.AllowedUIDs) == 0 {
		return true, ""
	}
	for _, uid := range p.cfg.AllowedUIDs {
		if uid == cred.UID {
			return true, ""
		}
	}
	return false, fmt.Sprintf("uid %d is not in the allowed_uids list", cred.UID)
}

// AuthorizeName reports whether a connecting process with the given
// credentials may register the given agent name: the uid's team, when one
// is configured, constrains the name to that team's allowed prefixes
//. A uid with no team rule is unconstrained.
func (p *Policy) AuthorizeName(cred PeerCred, name string) (bool, string) {
	if p.cfg == nil {
		return true, ""
	}
	for _, t := range p.cfg.Teams {
		if !containsUID(t.AllowedUIDs, cred.UID) {
			continue
		}
		if len(t.AllowedNamePrefixes) == 0 {
			return true, ""
		}
		for _, prefix := range t.AllowedNamePrefixes {
			if strings.HasPrefix(name, prefix) {
				return true, ""
			}
		}
		return false, fmt.Sprintf("agent name %q does not match any allowed prefix for team %q", name, t.Name)
	}
	return true, ""
}

func containsUID(uids []uint32, uid uint32) bool {
	for _, u := range uids {
		if u == uid {
			return true
		}
	}
	return false
}

// CanSpawn implements internal/spawn.PolicyChecker: workerName must carry
// one of spawnerTeam's configured name prefixes.
func (p *Policy) CanSpawn(spawnerName, team, workerName string) (bool, string) {
	if p.cfg == nil || len(p.cfg.Teams) == 0 {
		return true, ""
	}

	rule, ok := p.teamRule(team)
	if !ok {
		return false, fmt.Sprintf("team %q has no configured spawn policy", team)
	}
	if len(rule.AllowedNamePrefixes) == 0 {
		return true, ""
	}
	for _, prefix := range rule.AllowedNamePrefixes {
		if strings.HasPrefix(workerName, prefix) {
			return true, ""
		}
	}
	return false, fmt.Sprintf("worker name %q does not match any allowed prefix for team %q", workerName, team)
}

func (p *Policy) teamRule(team string) (TeamRule, bool) {
	for _, t := range p.cfg.Teams {
		if t.Name == team {
			return t, true
		}
	}
	return TeamRule{}, false
}
