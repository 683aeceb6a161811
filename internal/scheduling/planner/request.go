package planner

import (
	"context"
	"time"

	"github.com/emersion/go-ical"

	"github.com/larkspur-mail/caldav-scheduler/internal/acl"
	"github.com/larkspur-mail/caldav-scheduler/internal/scheduling/diff"
	"github.com/larkspur-mail/caldav-scheduler/internal/scheduling/itip"
	calutil "github.com/larkspur-mail/caldav-scheduler/pkg/ical"
)

const statusNoPrivs = "3.8;No privileges"

// RequestPlanner implements C4: given an organizer's old/new event, it
// emits REQUEST/CANCEL envelopes to every affected attendee.
type RequestPlanner struct {
	ProdID   string
	Delivery Delivery
	// Now, if set, overrides the DTSTAMP clock (tests only). Defaults
	// to time.Now().UTC().
	Now func() time.Time
}

func (rp *RequestPlanner) now() time.Time {
	if rp.Now != nil {
		return rp.Now()
	}
	return time.Now().UTC()
}

// PlanRequest executes spec §4.4 for every attendee affected by the
// transition oldSet -> newSet. Either may be nil (pure create/delete).
func (rp *RequestPlanner) PlanRequest(ctx context.Context, eff acl.Effective, oldSet, newSet *calutil.EventSet) error {
	organizer := ""
	if newSet != nil {
		organizer = newSet.Organizer()
	} else if oldSet != nil {
		organizer = oldSet.Organizer()
	}

	if !eff.CanScheduleSend() {
		if newSet != nil {
			for _, comp := range newSet.Components() {
				attendees := calutil.Attendees(comp)
				for i := range attendees {
					applyStatus(comp, calutil.AttendeeAddress(attendees[i]), statusNoPrivs, true)
				}
			}
		}
		return nil
	}

	var oldComponents, newComponents []*ical.Component
	if oldSet != nil {
		oldComponents = oldSet.Components()
	}
	if newSet != nil {
		newComponents = newSet.Components()
	}

	addresses := collectAddresses(append(append([]*ical.Component{}, oldComponents...), newComponents...), organizer)

	for _, attendee := range addresses {
		rp.planAttendee(ctx, attendee, organizer, oldSet, newSet)
	}
	return nil
}

func (rp *RequestPlanner) planAttendee(ctx context.Context, attendee, organizer string, oldSet, newSet *calutil.EventSet) {
	newAttendsMaster := newSet != nil && newSet.Master != nil && attendsComponent(newSet.Master, attendee)
	oldAttendedMaster := oldSet != nil && oldSet.Master != nil && attendsComponent(oldSet.Master, attendee)

	switch {
	case newAttendsMaster:
		rp.fullUpdate(ctx, attendee, organizer, oldSet, newSet)
	case oldAttendedMaster:
		rp.fullCancel(ctx, attendee, organizer, oldSet, newSet)
		rp.subUpdates(ctx, attendee, organizer, oldSet, newSet)
	default:
		rp.subCancels(ctx, attendee, organizer, oldSet, newSet)
		rp.subUpdates(ctx, attendee, organizer, oldSet, newSet)
	}
}

func (rp *RequestPlanner) fullUpdate(ctx context.Context, attendee, organizer string, oldSet, newSet *calutil.EventSet) {
	masterClone := calutil.CloneComponent(newSet.Master)
	var selected []*ical.Component
	var addedOverride, removedAttendeeFromOverride bool

	for rid, override := range overridesByRID(newSet) {
		if attendsComponent(override, attendee) {
			selected = append(selected, override)
			if oldSet == nil || oldSet.Overrides[rid] == nil {
				addedOverride = true
			} else if !attendsComponent(oldSet.Overrides[rid], attendee) {
				addedOverride = true
			}
			continue
		}
		itip.ExdateFromOverride(masterClone, override)
	}

	if oldSet != nil {
		for rid, oldOverride := range oldSet.Overrides {
			if !attendsComponent(oldOverride, attendee) {
				continue
			}
			newOverride := newSet.Overrides[rid]
			if newOverride == nil || !attendsComponent(newOverride, attendee) {
				removedAttendeeFromOverride = true
			}
		}
	}

	var oldMaster *ical.Component
	if oldSet != nil {
		oldMaster = oldSet.Master
	}
	classification := diff.Classify(oldMaster, newSet.Master)
	if classification == diff.NeedsAction {
		diff.ApplySideEffects(oldMaster, newSet.Master, attendee)
	}

	forceSend := ""
	if p, ok := attendeeProp(newSet.Master, attendee); ok {
		forceSend = calutil.ScheduleForceSend(p)
	}

	doSend := classification != diff.Unchanged || forceSend == "REQUEST" || addedOverride || removedAttendeeFromOverride
	if !doSend {
		rp.subUpdates(ctx, attendee, organizer, oldSet, newSet)
		return
	}

	isUpdate := oldSet != nil && (oldAttends(oldSet.Master, attendee) || anyOldOverrideAttends(oldSet, attendee))

	components := append([]*ical.Component{masterClone}, selected...)
	envelope := itip.BuildITIP(itip.MethodRequest, itip.Source{ProdID: rp.ProdID, Cal: newSet.Cal, Set: newSet}, components, "", rp.now())
	code := rp.deliver(ctx, attendee, envelope, itip.MethodRequest, forceSend, isUpdate)
	applyStatus(newSet.Master, attendee, code, true)
	for _, o := range selected {
		applyStatus(o, attendee, code, true)
	}
}

func (rp *RequestPlanner) fullCancel(ctx context.Context, attendee, organizer string, oldSet, newSet *calutil.EventSet) {
	masterClone := calutil.CloneComponent(oldSet.Master)
	var selected []*ical.Component
	for rid, oldOverride := range oldSet.Overrides {
		if !attendsComponent(oldOverride, attendee) {
			continue
		}
		newOverride := newSet.Overrides[rid]
		if newOverride != nil && attendsComponent(newOverride, attendee) {
			continue
		}
		selected = append(selected, oldOverride)
		itip.ExdateFromOverride(masterClone, oldOverride)
	}

	components := append([]*ical.Component{masterClone}, selected...)
	envelope := itip.BuildITIP(itip.MethodCancel, itip.Source{ProdID: rp.ProdID, Cal: oldSet.Cal, Set: oldSet}, components, "", rp.now())
	code := rp.deliver(ctx, attendee, envelope, itip.MethodCancel, "", false)
	if newSet != nil && newSet.Master != nil {
		applyStatus(newSet.Master, attendee, code, true)
	}
}

func (rp *RequestPlanner) subCancels(ctx context.Context, attendee, organizer string, oldSet, newSet *calutil.EventSet) {
	if oldSet == nil {
		return
	}
	for rid, oldOverride := range oldSet.Overrides {
		if !attendsComponent(oldOverride, attendee) {
			continue
		}
		var newOverride *ical.Component
		if newSet != nil {
			newOverride = newSet.Overrides[rid]
		}
		if newOverride != nil && attendsComponent(newOverride, attendee) {
			continue
		}
		envelope := itip.BuildITIP(itip.MethodCancel, itip.Source{ProdID: rp.ProdID, Cal: oldSet.Cal, Set: oldSet}, []*ical.Component{oldOverride}, "", rp.now())
		code := rp.deliver(ctx, attendee, envelope, itip.MethodCancel, "", false)
		if newSet != nil && newSet.Master != nil {
			applyStatus(newSet.Master, attendee, code, true)
		}
	}
}

func (rp *RequestPlanner) subUpdates(ctx context.Context, attendee, organizer string, oldSet, newSet *calutil.EventSet) {
	if newSet == nil {
		return
	}
	for rid, newOverride := range newSet.Overrides {
		if !attendsComponent(newOverride, attendee) {
			continue
		}
		var baseline *ical.Component
		var oldOverrideAttended bool
		if oldSet != nil {
			if oldOverride, ok := oldSet.Overrides[rid]; ok {
				baseline = oldOverride
				oldOverrideAttended = attendsComponent(oldOverride, attendee)
			} else {
				baseline = oldSet.Master
			}
		}

		classification := diff.Classify(baseline, newOverride)
		if classification == diff.NeedsAction {
			diff.ApplySideEffects(baseline, newOverride, attendee)
		}
		forceSend := ""
		if p, ok := attendeeProp(newOverride, attendee); ok {
			forceSend = calutil.ScheduleForceSend(p)
		}
		if classification == diff.Unchanged && forceSend != "REQUEST" {
			continue
		}

		var isUpdate bool
		if oldSet != nil {
			if _, ok := oldSet.Overrides[rid]; ok {
				isUpdate = oldOverrideAttended
			} else {
				isUpdate = attendsComponent(oldSet.Master, attendee)
			}
		}

		envelope := itip.BuildITIP(itip.MethodRequest, itip.Source{ProdID: rp.ProdID, Cal: newSet.Cal, Set: newSet}, []*ical.Component{newOverride}, "", rp.now())
		code := rp.deliver(ctx, attendee, envelope, itip.MethodRequest, forceSend, isUpdate)
		applyStatus(newOverride, attendee, code, true)
	}
}

func (rp *RequestPlanner) deliver(ctx context.Context, attendee string, envelope *ical.Calendar, kind, forceSend string, isUpdate bool) string {
	code, err := rp.Delivery.Deliver(ctx, attendee, envelope, kind, forceSend, isUpdate)
	if err != nil || code == "" {
		return "5.1;Service unavailable"
	}
	return code
}

func oldAttends(comp *ical.Component, attendee string) bool {
	return comp != nil && attendsComponent(comp, attendee)
}

func anyOldOverrideAttends(set *calutil.EventSet, attendee string) bool {
	if set == nil {
		return false
	}
	for _, o := range set.Overrides {
		if attendsComponent(o, attendee) {
			return true
		}
	}
	return false
}
