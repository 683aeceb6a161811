// Package freebusy implements the busy-time federator (C7): given a
// VFREEBUSY REQUEST it partitions attendees via the address resolver,
// scans local calendars for overlapping events, and fans remote
// attendees out to their cluster peers over iSchedule, assembling one
// schedule-response document.
package freebusy

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/rs/zerolog"

	"github.com/larkspur-mail/caldav-scheduler/internal/config"
	"github.com/larkspur-mail/caldav-scheduler/internal/dav/common"
	"github.com/larkspur-mail/caldav-scheduler/internal/directory"
	"github.com/larkspur-mail/caldav-scheduler/internal/scheduling/address"
	"github.com/larkspur-mail/caldav-scheduler/internal/scheduling/delivery"
	"github.com/larkspur-mail/caldav-scheduler/internal/storage"
	calutil "github.com/larkspur-mail/caldav-scheduler/pkg/ical"
)

// Federator answers VFREEBUSY REQUEST messages, local or cluster-wide.
type Federator struct {
	Resolver   *address.Resolver
	Dir        directory.Directory
	Store      storage.Store
	ISchedule  *delivery.ISchedClient
	Logger     zerolog.Logger
	ProdID     string
	ActingUser *directory.User
}

type peerGroup struct {
	node  config.ClusterNode
	addrs []string
}

// Federate decodes a raw VFREEBUSY REQUEST and produces the
// schedule-response document in a single emission.
func (f *Federator) Federate(ctx context.Context, rawRequest []byte) (*common.ScheduleResponse, error) {
	cal, err := ical.NewDecoder(bytes.NewReader(rawRequest)).Decode()
	if err != nil {
		return nil, fmt.Errorf("decode VFREEBUSY request: %w", err)
	}

	var vfb *ical.Component
	for _, c := range cal.Children {
		if c.Name == ical.CompFreeBusy {
			vfb = c
			break
		}
	}
	if vfb == nil {
		return nil, fmt.Errorf("no VFREEBUSY component in request")
	}

	start, end, err := freeBusyRange(vfb)
	if err != nil {
		return nil, err
	}

	var responses []common.ScheduleRecipient
	peers := map[string]*peerGroup{}

	for _, a := range calutil.Attendees(vfb) {
		addr := calutil.AttendeeAddress(a)
		res, err := f.Resolver.Resolve(ctx, addr, f.ActingUser)
		if err == address.ErrNoUser {
			responses = append(responses, common.ScheduleRecipient{Recipient: "mailto:" + addr, RequestStatus: delivery.StatusNoUser})
			continue
		}
		if err != nil {
			f.Logger.Error().Err(err).Str("attendee", addr).Msg("freebusy address resolve failed")
			responses = append(responses, common.ScheduleRecipient{Recipient: "mailto:" + addr, RequestStatus: delivery.StatusTempFail})
			continue
		}

		switch res.Kind {
		case address.KindSelf, address.KindLocal:
			resp, err := f.localFreeBusy(ctx, res.UserID, addr, start, end)
			if err != nil {
				responses = append(responses, common.ScheduleRecipient{Recipient: "mailto:" + addr, RequestStatus: delivery.StatusTempFail})
				continue
			}
			responses = append(responses, *resp)
		case address.KindClusterRemote:
			g, ok := peers[res.Server.Name]
			if !ok {
				g = &peerGroup{node: res.Server}
				peers[res.Server.Name] = g
			}
			g.addrs = append(g.addrs, "mailto:"+addr)
		default:
			// iMIP can't carry busy-time; decline immediately per §4.7.
			responses = append(responses, common.ScheduleRecipient{Recipient: "mailto:" + addr, RequestStatus: delivery.StatusTempFail})
		}
	}

	for _, g := range peers {
		if f.ISchedule == nil {
			for _, addr := range g.addrs {
				responses = append(responses, common.ScheduleRecipient{Recipient: addr, RequestStatus: delivery.StatusTempFail})
			}
			continue
		}
		peerResponses, err := f.ISchedule.PostFreeBusy(ctx, g.addrs, g.node, cal)
		if err != nil {
			f.Logger.Warn().Err(err).Str("peer", g.node.Name).Msg("ischedule freebusy request failed")
			for _, addr := range g.addrs {
				responses = append(responses, common.ScheduleRecipient{Recipient: addr, RequestStatus: delivery.StatusTempFail})
			}
			continue
		}
		responses = append(responses, peerResponses...)
	}

	return &common.ScheduleResponse{Response: responses}, nil
}

// localFreeBusy scans every calendar owned by userID for VEVENTs
// overlapping [start, end), honoring CAL-TRANSP:TRANSPARENT (excluded
// from busy time), the same overlap/merge logic reports.go's
// buildBusyIntervals uses for a single calendar.
func (f *Federator) localFreeBusy(ctx context.Context, userID, addr string, start, end time.Time) (*common.ScheduleRecipient, error) {
	cals, err := f.Store.ListCalendarsByOwnerUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	var busy []calutil.Interval
	expander := calutil.NewRecurrenceExpander(time.UTC)

	for _, cal := range cals {
		objs, err := f.Store.ListObjectsByComponent(ctx, cal.ID, []string{"VEVENT"}, &start, &end)
		if err != nil {
			continue
		}

		var events []*calutil.Event
		for _, o := range objs {
			if isTransparent(o.Data) {
				continue
			}
			parsed, err := calutil.ParseCalendar([]byte(o.Data))
			if err != nil {
				if o.StartAt != nil && o.EndAt != nil {
					events = append(events, &calutil.Event{UID: o.UID, Start: *o.StartAt, End: *o.EndAt})
				}
				continue
			}
			events = append(events, parsed...)
		}

		expanded, err := expander.ExpandRecurrences(events, start, end)
		if err != nil {
			continue
		}
		for _, ev := range expanded {
			if ev.End.After(start) && (end.After(ev.Start) || end.Equal(ev.Start)) {
				s := common.MaxTime(ev.Start, start)
				e := common.MinTime(ev.End, end)
				if e.After(s) {
					busy = append(busy, calutil.Interval{S: s, E: e})
				}
			}
		}
	}

	merged := common.MergeIntervalsFB(busy)
	ics := common.BuildFreeBusyICS(start, end, merged, f.ProdID)
	data := string(ics)
	return &common.ScheduleRecipient{Recipient: "mailto:" + addr, RequestStatus: delivery.StatusSuccess, CalendarData: &data}, nil
}

func isTransparent(data string) bool {
	return strings.Contains(data, "TRANSP:TRANSPARENT")
}

func freeBusyRange(vfb *ical.Component) (time.Time, time.Time, error) {
	startProp := vfb.Props.Get(ical.PropDateTimeStart)
	endProp := vfb.Props.Get(ical.PropDateTimeEnd)
	if startProp == nil || endProp == nil {
		return time.Time{}, time.Time{}, fmt.Errorf("VFREEBUSY missing DTSTART/DTEND")
	}
	start, err := common.ParseICalTime(startProp.Value)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid DTSTART: %w", err)
	}
	end, err := common.ParseICalTime(endProp.Value)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid DTEND: %w", err)
	}
	if !end.After(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("DTEND must be after DTSTART")
	}
	return start, end, nil
}
