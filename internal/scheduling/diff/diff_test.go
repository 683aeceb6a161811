package diff

import (
	"testing"

	"github.com/emersion/go-ical"
)

func comp(props map[string]string) *ical.Component {
	c := &ical.Component{Name: ical.CompEvent, Props: make(ical.Props)}
	for name, value := range props {
		c.Props.Set(&ical.Prop{Name: name, Value: value})
	}
	return c
}

func TestClassifyUnchanged(t *testing.T) {
	a := comp(map[string]string{ical.PropDateTimeStart: "20260101T100000Z", ical.PropSummary: "Standup"})
	b := comp(map[string]string{ical.PropDateTimeStart: "20260101T100000Z", ical.PropSummary: "Standup"})
	if got := Classify(a, b); got != Unchanged {
		t.Fatalf("expected unchanged, got %v", got)
	}
}

func TestClassifyCosmetic(t *testing.T) {
	a := comp(map[string]string{ical.PropDateTimeStart: "20260101T100000Z", ical.PropSummary: "Standup"})
	b := comp(map[string]string{ical.PropDateTimeStart: "20260101T100000Z", ical.PropSummary: "Daily Standup"})
	if got := Classify(a, b); got != Cosmetic {
		t.Fatalf("expected cosmetic, got %v", got)
	}
}

func TestClassifyNeedsActionOnStartChange(t *testing.T) {
	a := comp(map[string]string{ical.PropDateTimeStart: "20260101T100000Z"})
	b := comp(map[string]string{ical.PropDateTimeStart: "20260101T110000Z"})
	if got := Classify(a, b); got != NeedsAction {
		t.Fatalf("expected needsAction, got %v", got)
	}
}

func TestClassifyNeedsActionOnExdateMultisetOrderIndependent(t *testing.T) {
	a := comp(map[string]string{ical.PropExceptionDates: "20260101T100000Z,20260102T100000Z"})
	b := comp(map[string]string{ical.PropExceptionDates: "20260102T100000Z,20260101T100000Z"})
	if got := Classify(a, b); got != Unchanged {
		t.Fatalf("expected unchanged for reordered exdate set, got %v", got)
	}

	c := comp(map[string]string{ical.PropExceptionDates: "20260101T100000Z,20260103T100000Z"})
	if got := Classify(a, c); got != NeedsAction {
		t.Fatalf("expected needsAction for differing exdate set, got %v", got)
	}
}

func TestClassifyNeedsActionWhenDateMovesBetweenRDateAndExDate(t *testing.T) {
	a := comp(map[string]string{ical.PropRecurrenceDates: "20260601T090000Z"})
	b := comp(map[string]string{ical.PropExceptionDates: "20260601T090000Z"})
	if got := Classify(a, b); got != NeedsAction {
		t.Fatalf("expected needsAction when a date moves from RDATE to EXDATE, got %v", got)
	}
}

func TestApplySideEffects(t *testing.T) {
	oldComp := comp(map[string]string{ical.PropSequence: "3"})
	newComp := comp(map[string]string{ical.PropSequence: "1"})
	newComp.Props.Add(&ical.Prop{Name: ical.PropAttendee, Value: "mailto:attendee@example.com", Params: ical.Params{"PARTSTAT": []string{"ACCEPTED"}}})

	ApplySideEffects(oldComp, newComp, "attendee@example.com")

	if got := newComp.Props.Get(ical.PropSequence).Value; got != "4" {
		t.Fatalf("expected sequence 4, got %s", got)
	}
	attendees := newComp.Props.Values(ical.PropAttendee)
	if len(attendees) != 1 || attendees[0].Params.Get("PARTSTAT") != "NEEDS-ACTION" {
		t.Fatalf("expected partstat reset to NEEDS-ACTION, got %+v", attendees)
	}
}
