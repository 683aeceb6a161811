// Package address implements the scheduling address resolver (C1):
// classifying a calendar-user-address as the acting user themselves, a
// user local to this node, a user on a peer cluster node, or external.
package address

import (
	"context"
	"errors"
	"strings"

	"github.com/larkspur-mail/caldav-scheduler/internal/config"
	"github.com/larkspur-mail/caldav-scheduler/internal/directory"
)

// Kind is the resolved category of a calendar-user-address.
type Kind int

const (
	// KindSelf means the address is one of the acting user's own
	// calendar-user-address-set entries.
	KindSelf Kind = iota
	// KindLocal means a user whose calendar home lives on this node.
	KindLocal
	// KindClusterRemote means a user whose calendar home is on another
	// node of this deployment, reachable via iSchedule.
	KindClusterRemote
	// KindExternal means the address is outside the deployment,
	// reachable only via iMIP.
	KindExternal
)

func (k Kind) String() string {
	switch k {
	case KindSelf:
		return "self"
	case KindLocal:
		return "local"
	case KindClusterRemote:
		return "cluster-remote"
	case KindExternal:
		return "external"
	default:
		return "unknown"
	}
}

// ErrNoUser is returned when addr's domain is configured as local but no
// matching mailbox exists.
var ErrNoUser = errors.New("scheduling: no such local user")

// Resolution is the outcome of resolving a calendar-user-address.
type Resolution struct {
	Kind   Kind
	UserID string
	Server config.ClusterNode // populated when Kind == KindClusterRemote
}

// Resolver classifies calendar-user-addresses per spec §4.1.
type Resolver struct {
	dir directory.Directory
	cfg config.SchedulingConfig
}

func NewResolver(dir directory.Directory, cfg config.SchedulingConfig) *Resolver {
	return &Resolver{dir: dir, cfg: cfg}
}

// Normalize strips a leading "mailto:" and lower-cases an address the
// way the scheduling layer compares CalAddress values throughout.
func Normalize(addr string) string {
	addr = strings.TrimSpace(addr)
	addr = strings.TrimPrefix(addr, "mailto:")
	addr = strings.TrimPrefix(addr, "MAILTO:")
	return strings.ToLower(addr)
}

// Resolve classifies addr relative to actingUser. self beats local: if
// addr is in actingUser's own address set it is KindSelf regardless of
// whether it also resolves to a local mailbox.
func (r *Resolver) Resolve(ctx context.Context, addr string, actingUser *directory.User) (Resolution, error) {
	norm := Normalize(addr)

	if actingUser != nil {
		for _, a := range actingUser.AddressSet {
			if Normalize(a) == norm {
				return Resolution{Kind: KindSelf, UserID: actingUser.UID}, nil
			}
		}
		if Normalize(actingUser.Mail) == norm {
			return Resolution{Kind: KindSelf, UserID: actingUser.UID}, nil
		}
	}

	domain := ""
	if i := strings.LastIndex(norm, "@"); i >= 0 {
		domain = norm[i+1:]
	}

	if domain != "" && !r.cfg.IsLocalDomain(domain) {
		return Resolution{Kind: KindExternal}, nil
	}

	user, err := r.dir.LookupUserByAttr(ctx, "mail", norm)
	if errors.Is(err, directory.ErrUserNotFound) {
		return Resolution{}, ErrNoUser
	}
	if err != nil {
		return Resolution{}, err
	}

	if user.HomeServer == "" || strings.EqualFold(user.HomeServer, r.cfg.ServerName) {
		return Resolution{Kind: KindLocal, UserID: user.UID}, nil
	}

	node, ok := r.cfg.ClusterNodes[user.HomeServer]
	if !ok {
		// Home server tag doesn't match a configured peer: treat as
		// local rather than silently dropping the attendee.
		return Resolution{Kind: KindLocal, UserID: user.UID}, nil
	}
	return Resolution{Kind: KindClusterRemote, UserID: user.UID, Server: node}, nil
}
