package caldav

import (
	"context"

	"github.com/larkspur-mail/caldav-scheduler/internal/acl"
	"github.com/larkspur-mail/caldav-scheduler/internal/auth"
	"github.com/larkspur-mail/caldav-scheduler/internal/directory"
	"github.com/larkspur-mail/caldav-scheduler/internal/scheduling/address"
	"github.com/larkspur-mail/caldav-scheduler/pkg/ical"
)

// applyScheduling runs C4/C5 on a PUT of a VEVENT object, deciding
// organizer-vs-attendee by comparing the acting user's own mail
// address against the event set's ORGANIZER, then returns the bytes
// to actually persist (SCHEDULE-STATUS applied), or newICS unchanged
// if the object carries no ORGANIZER (not a scheduled event) or the
// acting user holds neither role.
func (h *Handlers) applyScheduling(ctx context.Context, pr *auth.Principal, calendarID, calOwner string, oldICS, newICS []byte) []byte {
	if h.scheduler == nil {
		return newICS
	}

	newSet, err := ical.ParseEventSet(newICS)
	if err != nil || newSet.Organizer() == "" {
		return newICS
	}

	actingUser, err := h.dir.LookupUserByAttr(ctx, "uid", pr.UserID)
	if err != nil {
		h.logger.Warn().Err(err).Str("user", pr.UserID).Msg("scheduling: acting user lookup failed, skipping side effects")
		return newICS
	}

	eff := h.schedulingEffective(ctx, pr, calendarID, calOwner)

	var out []byte
	switch {
	case address.Normalize(newSet.Organizer()) == address.Normalize(actingUser.Mail):
		out, err = h.scheduler.ProcessOrganizerWrite(ctx, actingUser, eff, oldICS, newICS)
	case attendsSet(newSet, actingUser.Mail):
		out, err = h.scheduler.ProcessAttendeeReply(ctx, actingUser, eff, actingUser.Mail, oldICS, newICS)
	default:
		return newICS
	}

	if err != nil {
		h.logger.Error().Err(err).Str("user", pr.UserID).Msg("scheduling processing failed, storing object unscheduled")
		return newICS
	}
	if out == nil {
		return newICS
	}
	return out
}

// applySchedulingCancel runs C4's cancellation path for a DELETE of an
// organizer's event (oldICS -> nil).
func (h *Handlers) applySchedulingCancel(ctx context.Context, pr *auth.Principal, calendarID, calOwner string, oldICS []byte) {
	if h.scheduler == nil || len(oldICS) == 0 {
		return
	}
	oldSet, err := ical.ParseEventSet(oldICS)
	if err != nil || oldSet.Organizer() == "" {
		return
	}

	actingUser, err := h.dir.LookupUserByAttr(ctx, "uid", pr.UserID)
	if err != nil {
		return
	}
	if address.Normalize(oldSet.Organizer()) != address.Normalize(actingUser.Mail) {
		return
	}

	eff := h.schedulingEffective(ctx, pr, calendarID, calOwner)
	if _, err := h.scheduler.ProcessOrganizerWrite(ctx, actingUser, eff, oldICS, nil); err != nil {
		h.logger.Error().Err(err).Str("user", pr.UserID).Msg("scheduling cancellation failed")
	}
}

func (h *Handlers) schedulingEffective(ctx context.Context, pr *auth.Principal, calendarID, calOwner string) acl.Effective {
	if pr.UserID == calOwner {
		return acl.Effective{
			Read: true, WriteProps: true, WriteContent: true, Bind: true, Unbind: true,
			ScheduleSend: true, ScheduleDeliverInvite: true, ScheduleDeliverReply: true,
		}
	}
	eff, err := h.aclProv.Effective(ctx, &directory.User{UID: pr.UserID, DN: pr.UserDN, DisplayName: pr.Display}, calendarID)
	if err != nil {
		return acl.Effective{}
	}
	return eff
}

func attendsSet(set *ical.EventSet, mail string) bool {
	for _, comp := range set.Components() {
		for _, p := range ical.Attendees(comp) {
			if address.Normalize(ical.AttendeeAddress(p)) == address.Normalize(mail) {
				return true
			}
		}
	}
	return false
}
