package planner

import (
	"context"
	"time"

	"github.com/emersion/go-ical"

	"github.com/larkspur-mail/caldav-scheduler/internal/acl"
	"github.com/larkspur-mail/caldav-scheduler/internal/scheduling/itip"
	calutil "github.com/larkspur-mail/caldav-scheduler/pkg/ical"
)

// ReplyPlanner implements C5: given an attendee's old/new event, it
// emits REPLY envelopes to the organizer.
type ReplyPlanner struct {
	ProdID   string
	Delivery Delivery
	Now      func() time.Time
}

func (rp *ReplyPlanner) now() time.Time {
	if rp.Now != nil {
		return rp.Now()
	}
	return time.Now().UTC()
}

// PlanReply executes spec §4.5 for one attendee's transition from
// oldSet to newSet.
func (rp *ReplyPlanner) PlanReply(ctx context.Context, eff acl.Effective, attendee string, oldSet, newSet *calutil.EventSet) error {
	organizer := ""
	if newSet != nil {
		organizer = newSet.Organizer()
	} else if oldSet != nil {
		organizer = oldSet.Organizer()
	}

	if !eff.CanScheduleSend() {
		if newSet != nil {
			for _, comp := range newSet.Components() {
				if org := comp.Props.Get(ical.PropOrganizer); org != nil {
					calutil.SetScheduleStatus(org, statusNoPrivs)
				}
			}
		}
		return nil
	}

	newAttendsMaster := newSet != nil && newSet.Master != nil && attendsComponent(newSet.Master, attendee)
	oldAttendedMaster := oldSet != nil && oldSet.Master != nil && attendsComponent(oldSet.Master, attendee)

	switch {
	case newAttendsMaster:
		sent := rp.fullReply(ctx, attendee, organizer, oldSet, newSet)
		if !sent {
			rp.subReplies(ctx, attendee, organizer, oldSet, newSet)
		}
	case oldAttendedMaster:
		rp.fullDecline(ctx, attendee, organizer, oldSet, newSet)
		rp.subReplies(ctx, attendee, organizer, oldSet, newSet)
	default:
		rp.subDeclines(ctx, attendee, organizer, oldSet, newSet)
		rp.subReplies(ctx, attendee, organizer, oldSet, newSet)
	}
	return nil
}

func (rp *ReplyPlanner) fullReply(ctx context.Context, attendee, organizer string, oldSet, newSet *calutil.EventSet) bool {
	forceSend := ""
	if p, ok := attendeeProp(newSet.Master, attendee); ok {
		forceSend = calutil.ScheduleForceSend(p)
	}

	var oldMaster *ical.Component
	if oldSet != nil {
		oldMaster = oldSet.Master
	}
	partStatChanged := partStatOf(oldMaster, attendee) != partStatOf(newSet.Master, attendee)

	newExdates := calutil.ExDateSet(newSet.Master)
	oldExdates := calutil.ExDateSet(oldMaster)
	newExdateAdded := len(setDiff(newExdates, oldExdates)) > 0

	overrideDeleted := false
	if oldSet != nil {
		for rid := range oldSet.Overrides {
			if _, ok := newSet.Overrides[rid]; !ok {
				overrideDeleted = true
				break
			}
		}
	}

	if forceSend != "REPLY" && !partStatChanged && !newExdateAdded && !overrideDeleted {
		return false
	}

	components := []*ical.Component{newSet.Master}
	for _, override := range newSet.Overrides {
		if attendsComponent(override, attendee) {
			components = append(components, override)
		}
	}
	if oldSet != nil {
		for rid, oldOverride := range oldSet.Overrides {
			if _, ok := newSet.Overrides[rid]; ok {
				continue
			}
			if !attendsComponent(oldOverride, attendee) {
				continue
			}
			clone := calutil.CloneComponent(oldOverride)
			itip.SetReplyPartStat(clone, attendee, calutil.PartStatDeclined)
			components = append(components, clone)
		}
	}

	envelope := itip.BuildITIP(itip.MethodReply, itip.Source{ProdID: rp.ProdID, Cal: newSet.Cal, Set: newSet}, components, attendee, rp.now())
	code := rp.deliver(ctx, organizer, envelope, itip.MethodReply, forceSend, false)
	if org := newSet.Master.Props.Get(ical.PropOrganizer); org != nil {
		calutil.SetScheduleStatus(org, code)
	}
	return true
}

func (rp *ReplyPlanner) fullDecline(ctx context.Context, attendee, organizer string, oldSet, newSet *calutil.EventSet) {
	components := []*ical.Component{calutil.CloneComponent(oldSet.Master)}
	itip.SetReplyPartStat(components[0], attendee, calutil.PartStatDeclined)

	for rid, oldOverride := range oldSet.Overrides {
		if !attendsComponent(oldOverride, attendee) {
			continue
		}
		if newSet != nil {
			if newOverride, ok := newSet.Overrides[rid]; ok && attendsComponent(newOverride, attendee) {
				continue
			}
		}
		clone := calutil.CloneComponent(oldOverride)
		itip.SetReplyPartStat(clone, attendee, calutil.PartStatDeclined)
		components = append(components, clone)
	}

	envelope := itip.BuildITIP(itip.MethodReply, itip.Source{ProdID: rp.ProdID, Cal: oldSet.Cal, Set: oldSet}, components, attendee, rp.now())
	code := rp.deliver(ctx, organizer, envelope, itip.MethodReply, "", false)
	if newSet != nil && newSet.Master != nil {
		if org := newSet.Master.Props.Get(ical.PropOrganizer); org != nil {
			calutil.SetScheduleStatus(org, code)
		}
	}
}

func (rp *ReplyPlanner) subReplies(ctx context.Context, attendee, organizer string, oldSet, newSet *calutil.EventSet) {
	if newSet == nil {
		return
	}
	for rid, newOverride := range newSet.Overrides {
		if !attendsComponent(newOverride, attendee) {
			continue
		}
		forceSend := ""
		if p, ok := attendeeProp(newOverride, attendee); ok {
			forceSend = calutil.ScheduleForceSend(p)
		}

		var oldPartStat string
		hadOldOverride := false
		if oldSet != nil {
			if oldOverride, ok := oldSet.Overrides[rid]; ok {
				hadOldOverride = true
				oldPartStat = partStatOf(oldOverride, attendee)
			}
		}
		newPartStat := partStatOf(newOverride, attendee)

		if forceSend != "REPLY" && hadOldOverride && oldPartStat == newPartStat {
			continue
		}

		envelope := itip.BuildITIP(itip.MethodReply, itip.Source{ProdID: rp.ProdID, Cal: newSet.Cal, Set: newSet}, []*ical.Component{newOverride}, attendee, rp.now())
		code := rp.deliver(ctx, organizer, envelope, itip.MethodReply, forceSend, false)
		if org := newOverride.Props.Get(ical.PropOrganizer); org != nil {
			calutil.SetScheduleStatus(org, code)
		}
	}
}

func (rp *ReplyPlanner) subDeclines(ctx context.Context, attendee, organizer string, oldSet, newSet *calutil.EventSet) {
	if oldSet == nil {
		return
	}
	for rid, oldOverride := range oldSet.Overrides {
		if !attendsComponent(oldOverride, attendee) {
			continue
		}
		if newSet != nil {
			if newOverride, ok := newSet.Overrides[rid]; ok && attendsComponent(newOverride, attendee) {
				continue
			}
		}
		clone := calutil.CloneComponent(oldOverride)
		itip.SetReplyPartStat(clone, attendee, calutil.PartStatDeclined)
		envelope := itip.BuildITIP(itip.MethodReply, itip.Source{ProdID: rp.ProdID, Cal: oldSet.Cal, Set: oldSet}, []*ical.Component{clone}, attendee, rp.now())
		code := rp.deliver(ctx, organizer, envelope, itip.MethodReply, "", false)
		if newSet != nil {
			if newOverride, ok := newSet.Overrides[rid]; ok {
				if org := newOverride.Props.Get(ical.PropOrganizer); org != nil {
					calutil.SetScheduleStatus(org, code)
				}
			}
		}
	}
}

func (rp *ReplyPlanner) deliver(ctx context.Context, organizer string, envelope *ical.Calendar, kind, forceSend string, isUpdate bool) string {
	if organizer == "" {
		return "3.7;No user"
	}
	code, err := rp.Delivery.Deliver(ctx, organizer, envelope, kind, forceSend, isUpdate)
	if err != nil || code == "" {
		return "5.1;Service unavailable"
	}
	return code
}

func partStatOf(comp *ical.Component, attendee string) string {
	p, ok := attendeeProp(comp, attendee)
	if !ok {
		return calutil.PartStatNeedsAction
	}
	return calutil.PartStat(p)
}

func setDiff(a, b []string) []string {
	inB := map[string]bool{}
	for _, v := range b {
		inB[v] = true
	}
	var out []string
	for _, v := range a {
		if !inB[v] {
			out = append(out, v)
		}
	}
	return out
}
