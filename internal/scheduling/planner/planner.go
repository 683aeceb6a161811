// Package planner implements the Request (C4) and Reply (C5) planners:
// given an old/new event pair they decide, per attendee or organizer,
// which iTIP envelopes must be sent and hand each to a Delivery for
// transport, then write the returned status back onto the stored
// event's SCHEDULE-STATUS parameters.
package planner

import (
	"context"

	"github.com/emersion/go-ical"

	calutil "github.com/larkspur-mail/caldav-scheduler/pkg/ical"
)

// Delivery is the subset of C6 the planners depend on. kind is one of
// itip.MethodRequest/Reply/Cancel/PollStatus. isUpdate is forwarded
// into the iMIP notifier JSON handoff per spec §6.
type Delivery interface {
	Deliver(ctx context.Context, recipient string, envelope *ical.Calendar, kind string, forceSend string, isUpdate bool) (statusCode string, err error)
}

// applyStatus writes code onto the matching ATTENDEE (organizer side)
// or ORGANIZER (attendee side) property of comp.
func applyStatus(comp *ical.Component, address, code string, organizerSide bool) {
	if organizerSide {
		attendees := comp.Props.Values(ical.PropAttendee)
		for i := range attendees {
			if calutil.AttendeeAddress(attendees[i]) != address {
				continue
			}
			calutil.SetScheduleStatus(&attendees[i], code)
		}
		comp.Props[ical.PropAttendee] = attendees
		return
	}
	if org := comp.Props.Get(ical.PropOrganizer); org != nil && calutil.AttendeeAddress(*org) == address {
		calutil.SetScheduleStatus(org, code)
	}
}

func attendeeProp(comp *ical.Component, address string) (ical.Prop, bool) {
	for _, p := range calutil.Attendees(comp) {
		if calutil.AttendeeAddress(p) == address {
			return p, true
		}
	}
	return ical.Prop{}, false
}

func attendsComponent(comp *ical.Component, address string) bool {
	_, ok := attendeeProp(comp, address)
	return ok
}

// collectAddresses returns the set of distinct attendee addresses
// across a list of components, excluding organizer and non-SERVER
// SCHEDULE-AGENT entries, matching §4.4's eligibility rule.
func collectAddresses(components []*ical.Component, organizer string) []string {
	seen := map[string]bool{}
	var out []string
	for _, comp := range components {
		if comp == nil {
			continue
		}
		for _, p := range calutil.Attendees(comp) {
			addr := calutil.AttendeeAddress(p)
			if addr == "" || addr == organizer || seen[addr] {
				continue
			}
			if calutil.ScheduleAgent(p) != calutil.ScheduleAgentServer {
				continue
			}
			seen[addr] = true
			out = append(out, addr)
		}
	}
	return out
}

func overridesByRID(set *calutil.EventSet) map[string]*ical.Component {
	if set == nil {
		return nil
	}
	return set.Overrides
}
