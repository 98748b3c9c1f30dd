// Package peers holds the static catalog of remote services the controller
// orchestrates and the least-loaded selection policy used to pick among them.
package peers

import (
	"errors"
	"fmt"
	"strings"
)

// Role identifies the function a peer fulfils in a session.
type Role string

const (
	RoleConference Role = "conference"
	RoleChatBridge Role = "chat-bridge"
	RoleEncoder    Role = "live-encoder"
	RoleFrontend   Role = "frontend"
)

// Roles lists every role in the order the registry validates them.
var Roles = []Role{RoleConference, RoleChatBridge, RoleEncoder, RoleFrontend}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	for _, known := range Roles {
		if r == known {
			return true
		}
	}
	return false
}

// Peer is a remote service endpoint addressed by URL and shared secret.
type Peer struct {
	ID     string
	Role   Role
	URL    string
	Secret string
	// Conference names the conference backend a chat bridge is attached to.
	Conference string

	// conferenceURL is filled by the registry for chat bridges so the API URL
	// can be derived when URL is empty.
	conferenceURL string
}

// APIURL returns the base URL signed calls are posted to.
func (p Peer) APIURL() string {
	base := strings.TrimRight(p.URL, "/")
	switch p.Role {
	case RoleFrontend:
		return base + "/api/v1"
	case RoleChatBridge:
		if base != "" {
			return base
		}
		conf := strings.TrimRight(p.conferenceURL, "/")
		conf = strings.TrimSuffix(conf, "/bigbluebutton")
		if conf == "" {
			return ""
		}
		return conf + "/api/chat"
	default:
		return base
	}
}

// ErrUnknownPeer is returned by Registry.Get for an unregistered id.
var ErrUnknownPeer = errors.New("unknown peer")

// Registry is an immutable catalog of peers grouped by role.
type Registry struct {
	byID    map[string]Peer
	byRole  map[Role][]Peer
	order   map[string]int
	chatFor map[string]string
}

// NewRegistry validates peers and builds a registry. Errors describe fatal
// configuration problems.
func NewRegistry(list []Peer) (*Registry, error) {
	r := &Registry{
		byID:    make(map[string]Peer, len(list)),
		byRole:  make(map[Role][]Peer),
		order:   make(map[string]int, len(list)),
		chatFor: make(map[string]string),
	}

	for i, p := range list {
		p.ID = strings.TrimSpace(p.ID)
		if p.ID == "" {
			return nil, fmt.Errorf("peer %d: id is required", i)
		}
		if !p.Role.Valid() {
			return nil, fmt.Errorf("peer %s: unknown role %q", p.ID, p.Role)
		}
		if _, dup := r.byID[p.ID]; dup {
			return nil, fmt.Errorf("peer %s: duplicate id", p.ID)
		}
		if p.Role != RoleChatBridge && strings.TrimSpace(p.URL) == "" {
			return nil, fmt.Errorf("peer %s: url is required", p.ID)
		}
		r.byID[p.ID] = p
		r.order[p.ID] = i
	}

	for _, p := range list {
		p = r.byID[strings.TrimSpace(p.ID)]
		if p.Role == RoleChatBridge {
			conf, ok := r.byID[p.Conference]
			if !ok || conf.Role != RoleConference {
				return nil, fmt.Errorf("chat bridge %s: conference %q is not configured", p.ID, p.Conference)
			}
			if other, taken := r.chatFor[conf.ID]; taken {
				return nil, fmt.Errorf("conference %s: chat bridges %s and %s both attached", conf.ID, other, p.ID)
			}
			p.conferenceURL = conf.URL
			r.chatFor[conf.ID] = p.ID
			r.byID[p.ID] = p
		}
		r.byRole[p.Role] = append(r.byRole[p.Role], p)
	}

	for _, role := range Roles {
		if len(r.byRole[role]) == 0 {
			return nil, fmt.Errorf("no %s peers configured", role)
		}
	}
	for _, conf := range r.byRole[RoleConference] {
		if _, ok := r.chatFor[conf.ID]; !ok {
			return nil, fmt.Errorf("conference %s: no chat bridge attached", conf.ID)
		}
	}
	return r, nil
}

// PeersOf returns the peers of role in registry order. The slice is a copy.
func (r *Registry) PeersOf(role Role) []Peer {
	return append([]Peer(nil), r.byRole[role]...)
}

// Get looks up a peer by id.
func (r *Registry) Get(id string) (Peer, error) {
	p, ok := r.byID[id]
	if !ok {
		return Peer{}, fmt.Errorf("%w: %s", ErrUnknownPeer, id)
	}
	return p, nil
}

// ChatBridgeFor returns the chat bridge attached to a conference backend.
func (r *Registry) ChatBridgeFor(conferenceID string) (Peer, error) {
	id, ok := r.chatFor[conferenceID]
	if !ok {
		return Peer{}, fmt.Errorf("%w: no chat bridge for conference %s", ErrUnknownPeer, conferenceID)
	}
	return r.byID[id], nil
}

// Position returns the registry index of a peer, or -1.
func (r *Registry) Position(id string) int {
	if pos, ok := r.order[id]; ok {
		return pos
	}
	return -1
}
