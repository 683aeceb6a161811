package ical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-ical"
)

// go-ical only exports constants for a handful of properties and params
// (PropXXX, ParamParticipationStatus). Everything else iTIP/scheduling
// needs is addressed by the raw token, same as internal/dav/caldav's
// attendee Params.Get("ROLE")/Params.Get("PARTSTAT") calls do.
const (
	ParamRole            = "ROLE"
	ParamRSVP            = "RSVP"
	ParamCN              = "CN"
	ParamScheduleAgent   = "SCHEDULE-AGENT"
	ParamScheduleStatus  = "SCHEDULE-STATUS"
	ParamScheduleForceSend = "SCHEDULE-FORCE-SEND"

	PropStatus = "STATUS"

	RoleChair          = "CHAIR"
	RoleReqParticipant = "REQ-PARTICIPANT"
	RoleOptParticipant = "OPT-PARTICIPANT"
	RoleNonParticipant = "NON-PARTICIPANT"

	ScheduleAgentServer = "SERVER"
	ScheduleAgentClient = "CLIENT"
	ScheduleAgentNone   = "NONE"

	StatusConfirmed = "CONFIRMED"
	StatusTentative = "TENTATIVE"
	StatusCancelled = "CANCELLED"
)

// EventSet is a UID's full set of components: the master (no
// RECURRENCE-ID) plus any per-instance overrides, keyed by their
// RECURRENCE-ID value string. It is the unit request/reply planning
// and diffing operate on, since a single PUT can touch several
// recurrence instances at once.
type EventSet struct {
	Cal       *ical.Calendar
	Master    *ical.Component
	Overrides map[string]*ical.Component
	// order records the RECURRENCE-ID insertion order seen on decode;
	// Anchor reads it. Encode does not consult it.
	order []string
}

// ParseEventSet decodes raw iCalendar data into a master/overrides set.
// It returns an error if no VEVENT component is present or if more than
// one component lacks a RECURRENCE-ID.
func ParseEventSet(data []byte) (*EventSet, error) {
	cal, err := ical.NewDecoder(bytes.NewReader(data)).Decode()
	if err != nil {
		return nil, fmt.Errorf("decode calendar: %w", err)
	}

	es := &EventSet{Cal: cal, Overrides: map[string]*ical.Component{}}
	for _, comp := range cal.Children {
		if comp.Name != ical.CompEvent {
			continue
		}
		if rid := comp.Props.Get(ical.PropRecurrenceID); rid != nil {
			es.Overrides[rid.Value] = comp
			es.order = append(es.order, rid.Value)
			continue
		}
		if es.Master != nil {
			return nil, fmt.Errorf("multiple master VEVENTs without RECURRENCE-ID")
		}
		es.Master = comp
	}

	if es.Master == nil && len(es.Overrides) == 0 {
		return nil, fmt.Errorf("no VEVENT component found")
	}

	return es, nil
}

// UID returns the shared UID of the event set, taken from whichever
// component is present (master preferred).
func (es *EventSet) UID() string {
	if es.Master != nil {
		if p := es.Master.Props.Get(ical.PropUID); p != nil {
			return p.Value
		}
	}
	for _, c := range es.Overrides {
		if p := c.Props.Get(ical.PropUID); p != nil {
			return p.Value
		}
	}
	return ""
}

// Anchor returns the master component if present, otherwise an
// arbitrary override. Organizer/SEQUENCE semantics for the set as a
// whole are read off of whichever component is authoritative when a
// master is absent (orphaned override case).
func (es *EventSet) Anchor() *ical.Component {
	if es.Master != nil {
		return es.Master
	}
	for _, rid := range es.order {
		return es.Overrides[rid]
	}
	return nil
}

// Organizer returns the bare mailto address of the ORGANIZER property,
// or "" if absent.
func (es *EventSet) Organizer() string {
	anchor := es.Anchor()
	if anchor == nil {
		return ""
	}
	prop := anchor.Props.Get(ical.PropOrganizer)
	if prop == nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(prop.Value), "mailto:")
}

// Components returns the master (if any) followed by overrides in
// RECURRENCE-ID order.
func (es *EventSet) Components() []*ical.Component {
	var out []*ical.Component
	if es.Master != nil {
		out = append(out, es.Master)
	}
	for _, rid := range es.sortedRecurrenceIDs() {
		out = append(out, es.Overrides[rid])
	}
	return out
}

func (es *EventSet) sortedRecurrenceIDs() []string {
	rids := make([]string, 0, len(es.Overrides))
	for rid := range es.Overrides {
		rids = append(rids, rid)
	}
	sort.Strings(rids)
	return rids
}

// Attendees returns the ATTENDEE properties on a given component.
// Per RFC 5546 overrides generally repeat the full attendee list; this
// helper does not fall back to the master when an override carries
// none, since an empty list there is meaningful (e.g. a THISANDFUTURE
// delete of all attendees for that instance).
func Attendees(comp *ical.Component) []ical.Prop {
	return comp.Props.Values(ical.PropAttendee)
}

// AttendeeAddress returns the bare mailto address of an ATTENDEE prop.
func AttendeeAddress(p ical.Prop) string {
	return strings.TrimPrefix(strings.ToLower(p.Value), "mailto:")
}

// PartStat returns the PARTSTAT parameter of an attendee property,
// defaulting to NEEDS-ACTION when absent, matching RFC 5545 §3.2.12.
func PartStat(p ical.Prop) string {
	if v := p.Params.Get("PARTSTAT"); v != "" {
		return v
	}
	return PartStatNeedsAction
}

// SetPartStat sets the PARTSTAT parameter on an attendee property.
func SetPartStat(p *ical.Prop, status string) {
	if p.Params == nil {
		p.Params = make(ical.Params)
	}
	p.Params.Set("PARTSTAT", status)
}

// ScheduleAgent returns the SCHEDULE-AGENT parameter of an attendee
// property, defaulting to SERVER per RFC 6638 §7.1.
func ScheduleAgent(p ical.Prop) string {
	if v := p.Params.Get(ParamScheduleAgent); v != "" {
		return v
	}
	return ScheduleAgentServer
}

// ScheduleForceSend returns the SCHEDULE-FORCE-SEND parameter, or ""
// when absent (no force).
func ScheduleForceSend(p ical.Prop) string {
	return p.Params.Get(ParamScheduleForceSend)
}

// SetScheduleStatus writes the SCHEDULE-STATUS parameter (RFC 6638
// §7.3), e.g. "2.0;Success" or "5.1;Service unavailable".
func SetScheduleStatus(p *ical.Prop, code string) {
	if p.Params == nil {
		p.Params = make(ical.Params)
	}
	p.Params.Set(ParamScheduleStatus, code)
}

// Sequence returns the SEQUENCE of a component, defaulting to 0.
func Sequence(comp *ical.Component) int {
	if comp == nil {
		return 0
	}
	p := comp.Props.Get(ical.PropSequence)
	if p == nil {
		return 0
	}
	var n int
	if _, err := fmt.Sscanf(p.Value, "%d", &n); err != nil {
		return 0
	}
	return n
}

// BumpSequence increments SEQUENCE by one, creating the property if
// it did not already exist.
func BumpSequence(comp *ical.Component) int {
	n := Sequence(comp) + 1
	comp.Props.Set(&ical.Prop{Name: ical.PropSequence, Value: fmt.Sprintf("%d", n)})
	return n
}

// AddExdate appends an EXDATE value to a component, preserving the
// date/date-time form of DTSTART so clients parse it consistently.
func AddExdate(comp *ical.Component, t time.Time, allDay bool) {
	value := t.UTC().Format("20060102T150405Z")
	if allDay {
		value = t.Format("20060102")
	}
	prop := comp.Props.Get(ical.PropExceptionDates)
	if prop == nil {
		comp.Props.Set(&ical.Prop{Name: ical.PropExceptionDates, Value: value})
		return
	}
	prop.Value = prop.Value + "," + value
}

// RDateSet returns the RDATE values of a component as a sorted,
// de-duplicated slice of formatted date strings, suitable for digesting
// or diffing against another component's set.
func RDateSet(comp *ical.Component) []string {
	return dateParamSet(comp, ical.PropRecurrenceDates)
}

// ExDateSet returns the EXDATE values of a component the same way
// RDateSet does.
func ExDateSet(comp *ical.Component) []string {
	return dateParamSet(comp, ical.PropExceptionDates)
}

func dateParamSet(comp *ical.Component, name string) []string {
	if comp == nil {
		return nil
	}
	seen := map[string]bool{}
	var out []string
	for _, prop := range comp.Props.Values(name) {
		for _, part := range strings.Split(prop.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" || seen[part] {
				continue
			}
			seen[part] = true
			out = append(out, part)
		}
	}
	sort.Strings(out)
	return out
}

// DigestDateSet returns a stable hash over a sorted set of formatted
// date strings, used by the event diff classifier to cheaply compare
// RDATE/EXDATE multisets without a full date-by-date walk.
func DigestDateSet(dates []string) string {
	h := sha256.New()
	for _, d := range dates {
		h.Write([]byte(d))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// EncodeCalendar serializes an arbitrary *ical.Calendar, for envelopes
// assembled outside of an EventSet (e.g. a freshly built iTIP message).
func EncodeCalendar(cal *ical.Calendar) ([]byte, error) {
	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return nil, fmt.Errorf("encode calendar: %w", err)
	}
	return buf.Bytes(), nil
}

// Encode re-serializes the event set back to iCalendar, preserving the
// calendar-level properties (VERSION, PRODID, METHOD if any).
func (es *EventSet) Encode() ([]byte, error) {
	return EncodeCalendar(es.Cal)
}

// CloneComponent deep-copies a component's properties so callers can
// mutate a per-recipient variant (e.g. trimming ATTENDEE lists for a
// REQUEST) without disturbing the stored master/override.
func CloneComponent(comp *ical.Component) *ical.Component {
	clone := &ical.Component{
		Name:     comp.Name,
		Props:    make(ical.Props, len(comp.Props)),
		Children: comp.Children,
	}
	for name, props := range comp.Props {
		cloned := make([]ical.Prop, len(props))
		for i, p := range props {
			cp := p
			if p.Params != nil {
				cp.Params = make(ical.Params, len(p.Params))
				for k, v := range p.Params {
					vv := make([]string, len(v))
					copy(vv, v)
					cp.Params[k] = vv
				}
			}
			cloned[i] = cp
		}
		clone.Props[name] = cloned
	}
	return clone
}
