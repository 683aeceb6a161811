// Package diff classifies the change between two per-recurrence
// components (C2): unchanged, cosmetic, or needsAction, and applies
// the SEQUENCE/PARTSTAT side effects that a needsAction classification
// carries for a given attendee.
package diff

import (
	"strconv"

	"github.com/emersion/go-ical"

	calutil "github.com/larkspur-mail/caldav-scheduler/pkg/ical"
)

// Classification is the outcome of comparing two components.
type Classification int

const (
	Unchanged Classification = iota
	Cosmetic
	NeedsAction
)

func (c Classification) String() string {
	switch c {
	case Unchanged:
		return "unchanged"
	case Cosmetic:
		return "cosmetic"
	case NeedsAction:
		return "needsAction"
	default:
		return "unknown"
	}
}

// significantProps trigger needsAction when they differ between the
// old and new component.
var significantProps = []string{
	ical.PropDateTimeStart,
	ical.PropDateTimeEnd,
	"DURATION",
	"DUE",
	ical.PropRecurrenceRule,
}

// cosmeticProps trigger a cosmetic classification when they differ and
// no significant property did.
var cosmeticProps = []string{
	ical.PropSummary,
	"LOCATION",
	ical.PropDescription,
}

func firstValue(comp *ical.Component, name string) string {
	if comp == nil {
		return ""
	}
	if p := comp.Props.Get(name); p != nil {
		return p.Value
	}
	return ""
}

// Classify compares oldComp against newComp per spec §4.2. Either may
// be nil (component newly created or removed), in which case every
// significant/cosmetic property is treated as differing.
func Classify(oldComp, newComp *ical.Component) Classification {
	for _, name := range significantProps {
		if firstValue(oldComp, name) != firstValue(newComp, name) {
			return NeedsAction
		}
	}

	if rdateDiffers(oldComp, newComp) {
		return NeedsAction
	}

	for _, name := range cosmeticProps {
		if firstValue(oldComp, name) != firstValue(newComp, name) {
			return Cosmetic
		}
	}

	return Unchanged
}

// rdateDiffers compares RDATE and EXDATE separately: they are distinct
// significant properties per spec §4.2, so a date moving from one to
// the other must register as a change, not cancel out.
func rdateDiffers(oldComp, newComp *ical.Component) bool {
	if calutil.DigestDateSet(calutil.RDateSet(oldComp)) != calutil.DigestDateSet(calutil.RDateSet(newComp)) {
		return true
	}
	return calutil.DigestDateSet(calutil.ExDateSet(oldComp)) != calutil.DigestDateSet(calutil.ExDateSet(newComp))
}

// ApplySideEffects implements the needsAction contract for a given
// attendee: bump SEQUENCE on newComp to max(oldSeq+1, newSeq) and reset
// that attendee's PARTSTAT to NEEDS-ACTION. It does not check the
// classification itself; the planners call it only for pairs that
// Classify returned NeedsAction for.
func ApplySideEffects(oldComp, newComp *ical.Component, attendee string) {
	oldSeq := calutil.Sequence(oldComp)
	newSeq := calutil.Sequence(newComp)
	target := oldSeq + 1
	if newSeq > target {
		target = newSeq
	}
	newComp.Props.Set(&ical.Prop{Name: ical.PropSequence, Value: strconv.Itoa(target)})

	props := newComp.Props.Values(ical.PropAttendee)
	for i := range props {
		if calutil.AttendeeAddress(props[i]) != attendee {
			continue
		}
		calutil.SetPartStat(&props[i], calutil.PartStatNeedsAction)
	}
	newComp.Props[ical.PropAttendee] = props
}
