package directory

import (
	"errors"
)

// ErrUserNotFound is returned by Directory lookups when no matching entry
// exists. The scheduling address resolver treats it as a NoUser outcome.
var ErrUserNotFound = errors.New("user not found")

type User struct {
	UID         string
	DN          string
	DisplayName string
	Mail        string
	// AddressSet lists every calendar-user-address this user is known by
	// (primary mail plus aliases), used by the scheduling address resolver
	// to decide whether an address is the acting user themselves.
	AddressSet []string
	// HomeServer is the cluster node identity hosting this user's calendar
	// home. Empty means this node.
	HomeServer string
}

type GroupACL struct {
	CalendarID                  string
	Read                        bool
	WriteProps                  bool
	WriteContent                bool
	Bind                        bool
	Unbind                      bool
	Unlock                      bool
	ReadACL                     bool
	ReadCurrentUserPrivilegeSet bool
	ScheduleSend                bool
	ScheduleDeliverInvite       bool
	ScheduleDeliverReply        bool
}

type Group struct {
	CN      string
	DN      string
	Members []string // DNs or UIDs
	ACLs    []GroupACL
}
