package planner

import (
	"context"
	"testing"
	"time"

	"github.com/emersion/go-ical"

	"github.com/larkspur-mail/caldav-scheduler/internal/acl"
	calutil "github.com/larkspur-mail/caldav-scheduler/pkg/ical"
)

type fakeDelivery struct {
	calls []deliveryCall
	code  string
}

type deliveryCall struct {
	recipient string
	kind      string
	forceSend string
	isUpdate  bool
}

func (f *fakeDelivery) Deliver(ctx context.Context, recipient string, envelope *ical.Calendar, kind, forceSend string, isUpdate bool) (string, error) {
	f.calls = append(f.calls, deliveryCall{recipient, kind, forceSend, isUpdate})
	if f.code == "" {
		return "2.0;Success", nil
	}
	return f.code, nil
}

func eventComp(props map[string]string, attendees map[string]string) *ical.Component {
	c := &ical.Component{Name: ical.CompEvent, Props: make(ical.Props)}
	for name, value := range props {
		c.Props.Set(&ical.Prop{Name: name, Value: value})
	}
	for addr, partstat := range attendees {
		c.Props.Add(&ical.Prop{Name: ical.PropAttendee, Value: "mailto:" + addr, Params: ical.Params{"PARTSTAT": []string{partstat}}})
	}
	return c
}

func fixedNow() time.Time { return time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC) }

func TestPlanRequestFullUpdateSendsOnDateChange(t *testing.T) {
	oldMaster := eventComp(map[string]string{ical.PropUID: "evt1", ical.PropOrganizer: "mailto:organizer@example.com", ical.PropDateTimeStart: "20260101T100000Z", ical.PropSequence: "0"}, map[string]string{"attendee@example.com": "ACCEPTED"})
	newMaster := eventComp(map[string]string{ical.PropUID: "evt1", ical.PropOrganizer: "mailto:organizer@example.com", ical.PropDateTimeStart: "20260101T110000Z", ical.PropSequence: "0"}, map[string]string{"attendee@example.com": "ACCEPTED"})

	oldSet := &calutil.EventSet{Master: oldMaster, Overrides: map[string]*ical.Component{}}
	newSet := &calutil.EventSet{Master: newMaster, Overrides: map[string]*ical.Component{}}

	delivery := &fakeDelivery{}
	rp := &RequestPlanner{ProdID: "-//test//EN", Delivery: delivery, Now: fixedNow}

	eff := acl.Effective{ScheduleSend: true}
	if err := rp.PlanRequest(context.Background(), eff, oldSet, newSet); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(delivery.calls) != 1 {
		t.Fatalf("expected 1 delivery call, got %d", len(delivery.calls))
	}
	if delivery.calls[0].recipient != "attendee@example.com" || delivery.calls[0].kind != "REQUEST" {
		t.Fatalf("unexpected call: %+v", delivery.calls[0])
	}

	if got := newMaster.Props.Get(ical.PropSequence).Value; got != "1" {
		t.Fatalf("expected SEQUENCE bumped to 1, got %s", got)
	}
	attendees := newMaster.Props.Values(ical.PropAttendee)
	if attendees[0].Params.Get("PARTSTAT") != "NEEDS-ACTION" {
		t.Fatalf("expected PARTSTAT reset, got %s", attendees[0].Params.Get("PARTSTAT"))
	}
}

func TestPlanRequestNoPrivsWritesStatus(t *testing.T) {
	newMaster := eventComp(map[string]string{ical.PropUID: "evt1", ical.PropOrganizer: "mailto:organizer@example.com"}, map[string]string{"attendee@example.com": "NEEDS-ACTION"})
	newSet := &calutil.EventSet{Master: newMaster, Overrides: map[string]*ical.Component{}}

	delivery := &fakeDelivery{}
	rp := &RequestPlanner{ProdID: "-//test//EN", Delivery: delivery, Now: fixedNow}

	eff := acl.Effective{}
	if err := rp.PlanRequest(context.Background(), eff, nil, newSet); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(delivery.calls) != 0 {
		t.Fatalf("expected no deliveries, got %d", len(delivery.calls))
	}
	attendees := newMaster.Props.Values(ical.PropAttendee)
	if attendees[0].Params.Get("SCHEDULE-STATUS") != statusNoPrivs {
		t.Fatalf("expected no-privs status, got %s", attendees[0].Params.Get("SCHEDULE-STATUS"))
	}
}

func TestPlanRequestFullCancelWhenAttendeeDropped(t *testing.T) {
	oldMaster := eventComp(map[string]string{ical.PropUID: "evt1", ical.PropOrganizer: "mailto:organizer@example.com", ical.PropSequence: "0"}, map[string]string{"attendee@example.com": "ACCEPTED"})
	newMaster := eventComp(map[string]string{ical.PropUID: "evt1", ical.PropOrganizer: "mailto:organizer@example.com", ical.PropSequence: "0"}, map[string]string{})

	oldSet := &calutil.EventSet{Master: oldMaster, Overrides: map[string]*ical.Component{}}
	newSet := &calutil.EventSet{Master: newMaster, Overrides: map[string]*ical.Component{}}

	delivery := &fakeDelivery{}
	rp := &RequestPlanner{ProdID: "-//test//EN", Delivery: delivery, Now: fixedNow}

	eff := acl.Effective{ScheduleSend: true}
	if err := rp.PlanRequest(context.Background(), eff, oldSet, newSet); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(delivery.calls) != 1 || delivery.calls[0].kind != "CANCEL" {
		t.Fatalf("expected 1 CANCEL call, got %+v", delivery.calls)
	}
}
