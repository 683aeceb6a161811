// Package delivery implements the scheduling delivery router (C6):
// given a resolved recipient it either merges the iTIP envelope into a
// local scheduling inbox, hands it off to iMIP (SMTP or a notifier),
// or POSTs it to a peer node's iSchedule endpoint.
package delivery

import (
	"context"
	"fmt"

	"github.com/emersion/go-ical"
	"github.com/rs/zerolog"

	"github.com/larkspur-mail/caldav-scheduler/internal/acl"
	"github.com/larkspur-mail/caldav-scheduler/internal/config"
	"github.com/larkspur-mail/caldav-scheduler/internal/directory"
	"github.com/larkspur-mail/caldav-scheduler/internal/scheduling/address"
	"github.com/larkspur-mail/caldav-scheduler/internal/storage"
	calutil "github.com/larkspur-mail/caldav-scheduler/pkg/ical"
)

// Status codes per spec §3's Schedule Status Code table.
const (
	StatusPending     = "1.0;Pending"
	StatusSent        = "1.1;Sent"
	StatusDelivered   = "1.2;Delivered"
	StatusSuccess     = "2.0;Success"
	StatusInvalidParam = "2.3;Invalid parameter"
	StatusNoUser      = "3.7;No user"
	StatusNoPrivs     = "3.8;No privileges"
	StatusTempFail    = "5.1;Service unavailable"
	StatusPermFail    = "5.2;No action taken"
	StatusRejected    = "5.3;Rejected"
)

// Router implements the planner.Delivery interface (kept decoupled so
// planner doesn't import delivery, avoiding an import cycle).
type Router struct {
	Resolver  *address.Resolver
	ACL       acl.Provider
	Dir       directory.Directory
	Store     storage.Store
	IMIP      *IMIPSender
	ISchedule *ISchedClient
	Cfg       config.SchedulingConfig
	Logger    zerolog.Logger
	// ActingUser is the organizer (for REQUEST/CANCEL/POLLSTATUS) or the
	// replying attendee (for REPLY) whose own address-set Resolve uses
	// to detect the self case.
	ActingUser *directory.User
}

// Deliver implements planner.Delivery.
func (r *Router) Deliver(ctx context.Context, recipient string, envelope *ical.Calendar, kind, forceSend string, isUpdate bool) (string, error) {
	if !legalForceSend(forceSend, kind) {
		return StatusInvalidParam, nil
	}

	res, err := r.Resolver.Resolve(ctx, recipient, r.ActingUser)
	if err == address.ErrNoUser {
		return StatusNoUser, nil
	}
	if err != nil {
		r.Logger.Error().Err(err).Str("recipient", recipient).Msg("scheduling address resolve failed")
		return StatusTempFail, err
	}

	switch res.Kind {
	case address.KindSelf:
		return StatusSuccess, nil
	case address.KindLocal:
		return r.deliverLocal(ctx, res.UserID, envelope, kind)
	case address.KindClusterRemote:
		return r.deliverISchedule(ctx, recipient, res.Server, envelope, kind)
	default:
		return r.deliverIMIP(ctx, recipient, envelope, kind, isUpdate)
	}
}

// legalForceSend implements the §4.6 SCHEDULE-FORCE-SEND legality
// table: NONE with any kind; REPLY only with kind REPLY; REQUEST only
// with kind REQUEST.
func legalForceSend(forceSend, kind string) bool {
	switch forceSend {
	case "", calutil.ScheduleAgentNone:
		return true
	case "REPLY":
		return kind == "REPLY"
	case "REQUEST":
		return kind == "REQUEST"
	default:
		return false
	}
}

func (r *Router) deliverLocal(ctx context.Context, recipientUserID string, envelope *ical.Calendar, kind string) (string, error) {
	recipientUser, err := r.Dir.LookupUserByAttr(ctx, "uid", recipientUserID)
	if err != nil {
		return StatusTempFail, err
	}

	eff, err := r.inboxPrivileges(ctx, recipientUser)
	if err != nil {
		return StatusTempFail, err
	}
	needsInvitePriv := kind == "REQUEST" || kind == "CANCEL" || kind == "POLLSTATUS"
	if needsInvitePriv && !eff.CanDeliverInvite() {
		return StatusNoPrivs, nil
	}
	if kind == "REPLY" && !eff.CanDeliverReply() {
		return StatusNoPrivs, nil
	}

	return mergeIntoCalendar(ctx, r.Store, recipientUser.UID, envelope, kind)
}

// inboxPrivileges computes the effective ACL on the recipient's
// Scheduling Inbox. The inbox is modeled as a calendar collection the
// same way the teacher's CreateSchedulingInbox does, so ACL lookups go
// through the same acl.Provider as regular calendar access.
func (r *Router) inboxPrivileges(ctx context.Context, recipientUser *directory.User) (acl.Effective, error) {
	inbox, err := r.Store.GetSchedulingInbox(ctx, recipientUser.UID)
	if err != nil || inbox == nil {
		return acl.Effective{}, fmt.Errorf("scheduling inbox lookup: %w", err)
	}
	return r.ACL.Effective(ctx, r.ActingUser, inbox.ID)
}
