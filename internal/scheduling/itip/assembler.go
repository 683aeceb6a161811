// Package itip assembles iTIP envelopes (C3): calendar shells carrying
// a METHOD and a clone of selected components, scheduling-parameters
// stripped and DTSTAMP refreshed, ready for C6 to deliver.
package itip

import (
	"time"

	"github.com/emersion/go-ical"

	calutil "github.com/larkspur-mail/caldav-scheduler/pkg/ical"
)

const (
	MethodRequest    = "REQUEST"
	MethodReply      = "REPLY"
	MethodCancel     = "CANCEL"
	MethodPollStatus = "POLLSTATUS"
)

// Source bundles what the assembler needs from a stored event: the
// source calendar (for VTIMEZONEs/CALSCALE) and the component set it
// was decoded into.
type Source struct {
	Cal   *ical.Calendar
	Set   *calutil.EventSet
	ProdID string
}

// BuildITIP assembles an envelope per spec §4.3. selected is the list
// of components (master and/or overrides) to include; trimToAttendee,
// if non-empty, removes every ATTENDEE but that address (the reply
// case). now is injected so callers (and tests) control DTSTAMP.
func BuildITIP(method string, src Source, selected []*ical.Component, trimToAttendee string, now time.Time) *ical.Calendar {
	cal := &ical.Calendar{
		Component: &ical.Component{
			Name:  ical.CompCalendar,
			Props: make(ical.Props),
		},
	}
	cal.Props.Set(&ical.Prop{Name: ical.PropVersion, Value: "2.0"})
	cal.Props.Set(&ical.Prop{Name: ical.PropProductID, Value: src.ProdID})
	cal.Props.Set(&ical.Prop{Name: ical.PropMethod, Value: method})
	if src.Cal != nil {
		if calscale := src.Cal.Props.Get("CALSCALE"); calscale != nil {
			cal.Props.Set(&ical.Prop{Name: "CALSCALE", Value: calscale.Value})
		}
		for _, child := range src.Cal.Children {
			if child.Name == "VTIMEZONE" {
				cal.Children = append(cal.Children, child)
			}
		}
	}

	for _, comp := range selected {
		cal.Children = append(cal.Children, cloneForWire(comp, trimToAttendee, now))
	}

	return cal
}

// cloneForWire deep-copies comp, refreshes DTSTAMP, strips VALARMs and
// scheduling-only parameters, and optionally trims ATTENDEEs to a
// single address.
func cloneForWire(comp *ical.Component, trimToAttendee string, now time.Time) *ical.Component {
	clone := calutil.CloneComponent(comp)

	clone.Props.Set(&ical.Prop{Name: ical.PropDateTimeStamp, Value: now.UTC().Format("20060102T150405Z")})

	var kept []*ical.Component
	for _, child := range clone.Children {
		if child.Name == "VALARM" {
			continue
		}
		kept = append(kept, child)
	}
	clone.Children = kept

	stripScheduleParams(clone.Props.Get(ical.PropOrganizer))

	attendees := clone.Props.Values(ical.PropAttendee)
	if trimToAttendee == "" {
		for i := range attendees {
			stripScheduleParams(&attendees[i])
		}
		clone.Props[ical.PropAttendee] = attendees
		return clone
	}

	var trimmed []ical.Prop
	for i := range attendees {
		if calutil.AttendeeAddress(attendees[i]) != trimToAttendee {
			continue
		}
		stripScheduleParams(&attendees[i])
		trimmed = append(trimmed, attendees[i])
	}
	if trimmed == nil {
		clone.Props.Del(ical.PropAttendee)
	} else {
		clone.Props[ical.PropAttendee] = trimmed
	}
	return clone
}

func stripScheduleParams(p *ical.Prop) {
	if p == nil || p.Params == nil {
		return
	}
	delete(p.Params, calutil.ParamScheduleAgent)
	delete(p.Params, calutil.ParamScheduleStatus)
	delete(p.Params, calutil.ParamScheduleForceSend)
}

// SetReplyPartStat forces PARTSTAT to status on every ATTENDEE of comp
// matching address (used for FullDecline/SubDeclines, which must mark
// DECLINED unless the component is already CANCELLED).
func SetReplyPartStat(comp *ical.Component, address, status string) {
	if statusProp := comp.Props.Get(calutil.PropStatus); statusProp != nil && statusProp.Value == calutil.StatusCancelled {
		return
	}
	attendees := comp.Props.Values(ical.PropAttendee)
	for i := range attendees {
		if calutil.AttendeeAddress(attendees[i]) != address {
			continue
		}
		calutil.SetPartStat(&attendees[i], status)
	}
	comp.Props[ical.PropAttendee] = attendees
}

// ExdateFromOverride appends an EXDATE to master derived from an
// override's RECURRENCE-ID, carrying over its TZID/VALUE parameters
// per §4.4's FullUpdate/FullCancel EXDATE-synthesis rule.
func ExdateFromOverride(master, override *ical.Component) {
	rid := override.Props.Get(ical.PropRecurrenceID)
	if rid == nil {
		return
	}
	prop := &ical.Prop{Name: ical.PropExceptionDates, Value: rid.Value}
	if rid.Params != nil {
		prop.Params = make(ical.Params, len(rid.Params))
		for k, v := range rid.Params {
			vv := make([]string, len(v))
			copy(vv, v)
			prop.Params[k] = vv
		}
	}
	if existing := master.Props.Get(ical.PropExceptionDates); existing != nil {
		existing.Value = existing.Value + "," + prop.Value
		return
	}
	master.Props.Add(prop)
}
