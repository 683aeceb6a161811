package delivery

import (
	"context"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/google/uuid"

	"github.com/larkspur-mail/caldav-scheduler/internal/storage"
	calutil "github.com/larkspur-mail/caldav-scheduler/pkg/ical"
)

// mergeIntoCalendar implements the §4.6 local-delivery merge: look up
// the stored object by UID in the recipient's default calendar, then
// apply the method-specific merge described for CANCEL/REPLY/REQUEST/
// POLLSTATUS, writing the result back atomically and, when required,
// depositing a copy in the recipient's Inbox.
func mergeIntoCalendar(ctx context.Context, store storage.Store, recipientUID string, envelope *ical.Calendar, kind string) (string, error) {
	uid := envelopeUID(envelope)
	if uid == "" {
		return StatusRejected, nil
	}

	cal, err := store.ListCalendarsByOwnerUser(ctx, recipientUID)
	if err != nil {
		return StatusTempFail, err
	}
	if len(cal) == 0 {
		return StatusPermFail, nil
	}
	calendarID := cal[0].ID

	existing, err := store.GetObject(ctx, calendarID, uid)
	if err != nil && !isNotFound(err) {
		return StatusTempFail, err
	}

	switch kind {
	case "REPLY":
		if existing == nil {
			return StatusPermFail, nil
		}
	case "CANCEL", "POLLSTATUS":
		if existing == nil {
			return StatusSuccess, nil
		}
	case "REQUEST":
		if existing == nil {
			return createFromRequest(ctx, store, calendarID, uid, envelope)
		}
	}

	if componentTypeDiffers(existing.Component, envelope) {
		return StatusRejected, nil
	}

	storedSet, err := calutil.ParseEventSet([]byte(existing.Data))
	if err != nil {
		return StatusRejected, err
	}
	storedAnchor := storedSet.Anchor()
	if storedAnchor == nil {
		return StatusRejected, nil
	}

	if orgDiffers(storedAnchor, envelope) {
		return StatusRejected, nil
	}

	deliverToInbox := false
	switch kind {
	case "CANCEL":
		mergeCancel(storedSet)
	case "REPLY":
		deliverToInbox = true
		mergeReply(storedSet, envelope)
	case "REQUEST":
		deliverToInbox = mergeRequest(storedSet, envelope)
	case "POLLSTATUS":
		deliverToInbox = mergePollStatus(storedSet, envelope)
	}

	data, err := storedSet.Encode()
	if err != nil {
		return StatusTempFail, err
	}

	if err := store.PutObject(ctx, &storage.Object{
		ID:         existing.ID,
		CalendarID: calendarID,
		UID:        uid,
		Data:       string(data),
		Component:  existing.Component,
	}); err != nil {
		return StatusTempFail, err
	}

	if deliverToInbox {
		depositInInbox(ctx, store, recipientUID, uid, kind, envelope)
	}

	return StatusSuccess, nil
}

func createFromRequest(ctx context.Context, store storage.Store, calendarID, uid string, envelope *ical.Calendar) (string, error) {
	data, err := encodeEnvelope(envelope)
	if err != nil {
		return StatusTempFail, err
	}
	obj := &storage.Object{
		ID:         uuid.NewString(),
		CalendarID: calendarID,
		UID:        uid,
		Component:  "VEVENT",
		Data:       string(data),
	}
	if err := store.PutObject(ctx, obj); err != nil {
		return StatusTempFail, err
	}
	return StatusSuccess, nil
}

func mergeCancel(stored *calutil.EventSet) {
	for _, comp := range stored.Components() {
		comp.Props.Set(&ical.Prop{Name: calutil.PropStatus, Value: calutil.StatusCancelled})
		calutil.BumpSequence(comp)
	}
}

// mergeReply implements deliver_merge_reply: index by RECURRENCE-ID,
// materializing an override from the master when the reply targets an
// instance not yet stored, and only ever touching the replying
// attendee's own ATTENDEE entry.
func mergeReply(stored *calutil.EventSet, envelope *ical.Calendar) {
	for _, replyComp := range envelopeComponents(envelope) {
		rid := ""
		if p := replyComp.Props.Get(ical.PropRecurrenceID); p != nil {
			rid = p.Value
		}

		target := stored.Master
		if rid != "" {
			if o, ok := stored.Overrides[rid]; ok {
				target = o
			} else if stored.Master != nil {
				target = calutil.CloneComponent(stored.Master)
				target.Props.Set(&ical.Prop{Name: ical.PropRecurrenceID, Value: rid})
				target.Props.Del(ical.PropRecurrenceRule)
				if dtstart := replyComp.Props.Get(ical.PropDateTimeStart); dtstart != nil {
					target.Props.Set(dtstart)
				}
				if dtend := replyComp.Props.Get(ical.PropDateTimeEnd); dtend != nil {
					target.Props.Set(dtend)
				}
				if seq := replyComp.Props.Get(ical.PropSequence); seq != nil {
					target.Props.Set(seq)
				}
				stored.Overrides[rid] = target
			}
		}
		if target == nil {
			continue
		}

		for _, replyAttendee := range calutil.Attendees(replyComp) {
			addr := calutil.AttendeeAddress(replyAttendee)
			attendees := target.Props.Values(ical.PropAttendee)
			found := false
			for i := range attendees {
				if calutil.AttendeeAddress(attendees[i]) != addr {
					continue
				}
				found = true
				calutil.SetPartStat(&attendees[i], calutil.PartStat(replyAttendee))
				if rsvp := replyAttendee.Params.Get("RSVP"); rsvp != "" {
					attendees[i].Params.Set("RSVP", rsvp)
				}
				calutil.SetScheduleStatus(&attendees[i], StatusSuccess)
			}
			if !found {
				clone := replyAttendee
				calutil.SetScheduleStatus(&clone, StatusSuccess)
				attendees = append(attendees, clone)
			}
			target.Props[ical.PropAttendee] = attendees
		}
	}
}

// mergeRequest implements deliver_merge_request: merge VTIMEZONEs,
// then per component compare SEQUENCE and preserve locally-owned
// properties across the replace.
func mergeRequest(stored *calutil.EventSet, envelope *ical.Calendar) bool {
	deliverToInbox := false

	tzByID := map[string]*ical.Component{}
	for _, child := range stored.Cal.Children {
		if child.Name == "VTIMEZONE" {
			if tzid := child.Props.Get("TZID"); tzid != nil {
				tzByID[tzid.Value] = child
			}
		}
	}
	for _, child := range envelope.Children {
		if child.Name != "VTIMEZONE" {
			continue
		}
		tzid := child.Props.Get("TZID")
		if tzid == nil {
			continue
		}
		tzByID[tzid.Value] = child
	}
	var mergedTZ []*ical.Component
	for _, tz := range tzByID {
		mergedTZ = append(mergedTZ, tz)
	}
	var nonTZ []*ical.Component
	for _, c := range stored.Cal.Children {
		if c.Name != "VTIMEZONE" {
			nonTZ = append(nonTZ, c)
		}
	}
	stored.Cal.Children = append(nonTZ, mergedTZ...)

	for _, incoming := range envelopeComponents(envelope) {
		rid := ""
		if p := incoming.Props.Get(ical.PropRecurrenceID); p != nil {
			rid = p.Value
		}

		var storedComp *ical.Component
		if rid == "" {
			storedComp = stored.Master
		} else {
			storedComp = stored.Overrides[rid]
		}

		if storedComp == nil {
			if rid == "" {
				stored.Master = incoming
			} else {
				stored.Overrides[rid] = incoming
			}
			deliverToInbox = true
			continue
		}

		if calutil.Sequence(incoming) <= calutil.Sequence(storedComp) {
			continue
		}
		deliverToInbox = true

		for _, name := range []string{"COMPLETED", "PERCENT-COMPLETE", "TRANSP"} {
			if p := storedComp.Props.Get(name); p != nil {
				incoming.Props.Set(p)
			}
		}
		if org := storedComp.Props.Get(ical.PropOrganizer); org != nil {
			if status := org.Params.Get(calutil.ParamScheduleStatus); status != "" {
				if incomingOrg := incoming.Props.Get(ical.PropOrganizer); incomingOrg != nil {
					incomingOrg.Params.Set(calutil.ParamScheduleStatus, status)
				}
			}
		}

		if rid == "" {
			stored.Master = incoming
		} else {
			stored.Overrides[rid] = incoming
		}
	}

	return deliverToInbox
}

func mergePollStatus(stored *calutil.EventSet, envelope *ical.Calendar) bool {
	for _, incoming := range envelope.Children {
		if incoming.Name != "VPOLL" {
			continue
		}
		for _, comp := range stored.Cal.Children {
			if comp.Name != "VPOLL" {
				continue
			}
			var kept []*ical.Component
			for _, child := range comp.Children {
				if child.Name != "VVOTER" {
					kept = append(kept, child)
				}
			}
			for _, child := range incoming.Children {
				if child.Name == "VVOTER" {
					kept = append(kept, child)
				}
			}
			comp.Children = kept
		}
	}
	return true
}

func depositInInbox(ctx context.Context, store storage.Store, recipientUID, uid, kind string, envelope *ical.Calendar) {
	inbox, err := store.GetSchedulingInbox(ctx, recipientUID)
	if err != nil || inbox == nil {
		return
	}
	data, err := encodeEnvelope(envelope)
	if err != nil {
		return
	}
	_ = store.StoreSchedulingObject(ctx, &storage.SchedulingObject{
		ID:         uuid.NewString(),
		CalendarID: inbox.ID,
		UID:        uid,
		Data:       string(data),
		Method:     kind,
		Recipient:  recipientUID,
		Status:     "delivered",
		CreatedAt:  time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	})
}

func envelopeComponents(cal *ical.Calendar) []*ical.Component {
	var out []*ical.Component
	for _, c := range cal.Children {
		if c.Name == ical.CompEvent {
			out = append(out, c)
		}
	}
	return out
}

func envelopeUID(cal *ical.Calendar) string {
	for _, c := range envelopeComponents(cal) {
		if p := c.Props.Get(ical.PropUID); p != nil {
			return p.Value
		}
	}
	return ""
}

// envelopeComponentType returns the scheduling component type
// (VEVENT/VTODO/VJOURNAL) carried by the envelope, ignoring VTIMEZONE
// children. Empty if the envelope carries none.
func envelopeComponentType(cal *ical.Calendar) string {
	for _, c := range cal.Children {
		switch c.Name {
		case ical.CompEvent, ical.CompToDo, ical.CompJournal:
			return c.Name
		}
	}
	return ""
}

// componentTypeDiffers enforces the component-type immutable (spec §4.6):
// the incoming envelope must carry the same VEVENT/VTODO/VJOURNAL type as
// the stored object, or the merge is rejected.
func componentTypeDiffers(storedType string, envelope *ical.Calendar) bool {
	incoming := envelopeComponentType(envelope)
	if storedType == "" || incoming == "" {
		return false
	}
	return incoming != storedType
}

func orgDiffers(stored *ical.Component, envelope *ical.Calendar) bool {
	storedOrg := ""
	if p := stored.Props.Get(ical.PropOrganizer); p != nil {
		storedOrg = calutil.AttendeeAddress(*p)
	}
	for _, c := range envelopeComponents(envelope) {
		if p := c.Props.Get(ical.PropOrganizer); p != nil {
			if calutil.AttendeeAddress(*p) != storedOrg {
				return true
			}
		}
	}
	return false
}

func encodeEnvelope(cal *ical.Calendar) ([]byte, error) {
	return calutil.EncodeCalendar(cal)
}

func isNotFound(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "not found")
}
