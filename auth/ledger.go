package auth

import (
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Access determines the read/write privileges for an ACL rule.
type Access byte

const (
	Deny Access = iota
	ReadOnly
	WriteOnly
	ReadWrite
)

// RString is a rule value that treats "" and "*" as wildcards.
type RString string

// Matches reports whether a matches the rule, treating "" or "*" as "any".
func (r RString) Matches(a string) bool {
	rr := string(r)
	if rr == "" || rr == "*" || a == rr {
		return true
	}
	if i := strings.Index(rr, "*"); i > 0 && len(a) >= i && rr[:i] == a[:i] {
		return true
	}
	return false
}

// FilterMatches reports whether r, treated as an MQTT topic filter, matches
// topic under the usual +/# wildcard rules.
func (r RString) FilterMatches(topic string) bool {
	filterParts := strings.Split(string(r), "/")
	topicParts := strings.Split(topic, "/")
	for i, part := range filterParts {
		if part == "#" {
			return true
		}
		if i >= len(topicParts) {
			return false
		}
		switch part {
		case "+":
			continue
		default:
			if part != topicParts[i] {
				return false
			}
		}
	}
	return len(filterParts) == len(topicParts)
}

// Filters maps a topic filter to the access it grants.
type Filters map[RString]Access

// UserRule is a per-username set of credentials and topic permissions.
type UserRule struct {
	Password RString `yaml:"password,omitempty"`
	ACL      Filters `yaml:"acl,omitempty"`
	Disallow bool    `yaml:"disallow,omitempty"`
}

// Users maps username to its rule.
type Users map[string]UserRule

// AuthRule is a generic, non-user-keyed authentication rule.
type AuthRule struct {
	Client   RString `yaml:"client,omitempty"`
	Username RString `yaml:"username,omitempty"`
	Password RString `yaml:"password,omitempty"`
	Allow    bool    `yaml:"allow,omitempty"`
}

// ACLRule is a generic, non-user-keyed topic access rule.
type ACLRule struct {
	Client   RString `yaml:"client,omitempty"`
	Username RString `yaml:"username,omitempty"`
	Filters  Filters `yaml:"filters,omitempty"`
}

// Ledger is a YAML-loadable set of authentication and ACL rules.
type Ledger struct {
	mu    sync.RWMutex
	Users    Users      `yaml:"users"`
	Auth     []AuthRule `yaml:"auth"`
	ACLRules []ACLRule  `yaml:"acl"`
}

// LoadLedger parses a YAML document into a Ledger.
func LoadLedger(data []byte) (*Ledger, error) {
	l := &Ledger{}
	if err := yaml.Unmarshal(data, l); err != nil {
		return nil, err
	}
	return l, nil
}

// Authenticate implements Authenticator, checking the per-user table first
// and falling back to the generic rule list.
func (l *Ledger) Authenticate(clientID, username, password string) Result {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.Users != nil {
		if u, ok := l.Users[username]; ok && u.Password != "" {
			if u.Password == RString(password) && !u.Disallow {
				return Accept
			}
			return BadUserOrPass
		}
	}

	for _, rule := range l.Auth {
		if rule.Client.Matches(clientID) && rule.Username.Matches(username) && rule.Password.Matches(password) {
			if rule.Allow {
				return Accept
			}
			return NotAuthorized
		}
	}

	return NotAuthorized
}

// ACL implements Authenticator, checking the per-user ACL table first and
// falling back to the generic rule list. With no matching rule, access is
// permitted (matching the teacher's fail-open default for unlisted topics).
func (l *Ledger) ACL(clientID, username, topic string, write bool) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.Users != nil {
		if u, ok := l.Users[username]; ok && len(u.ACL) > 0 {
			for filter, access := range u.ACL {
				if !filter.FilterMatches(topic) {
					continue
				}
				if write {
					return access == WriteOnly || access == ReadWrite
				}
				return access == ReadOnly || access == ReadWrite
			}
		}
	}

	for _, rule := range l.ACLRules {
		if !rule.Client.Matches(clientID) || !rule.Username.Matches(username) {
			continue
		}
		if len(rule.Filters) == 0 {
			return true
		}
		for filter, access := range rule.Filters {
			if !filter.FilterMatches(topic) {
				continue
			}
			if write {
				return access == WriteOnly || access == ReadWrite
			}
			return access == ReadOnly || access == ReadWrite
		}
	}

	return true
}
