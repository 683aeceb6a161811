// Package scheduling wires C1-C7 together into the entry points
// internal/dav/caldav calls on object mutation and from the
// Outbox/iSchedule HTTP handlers (spec §1, §6).
package scheduling

import (
	"bytes"
	"context"
	"fmt"

	"github.com/emersion/go-ical"
	"github.com/rs/zerolog"

	"github.com/larkspur-mail/caldav-scheduler/internal/acl"
	"github.com/larkspur-mail/caldav-scheduler/internal/config"
	"github.com/larkspur-mail/caldav-scheduler/internal/dav/common"
	"github.com/larkspur-mail/caldav-scheduler/internal/directory"
	"github.com/larkspur-mail/caldav-scheduler/internal/scheduling/address"
	"github.com/larkspur-mail/caldav-scheduler/internal/scheduling/delivery"
	"github.com/larkspur-mail/caldav-scheduler/internal/scheduling/freebusy"
	"github.com/larkspur-mail/caldav-scheduler/internal/scheduling/itip"
	"github.com/larkspur-mail/caldav-scheduler/internal/scheduling/planner"
	"github.com/larkspur-mail/caldav-scheduler/internal/storage"
	calutil "github.com/larkspur-mail/caldav-scheduler/pkg/ical"
)

// Engine is the top-level scheduling entry point, holding everything
// C1-C7 need and exposing the handful of operations the HTTP layer
// (internal/dav/caldav) drives.
type Engine struct {
	Cfg    config.SchedulingConfig
	Store  storage.Store
	Dir    directory.Directory
	ACL    acl.Provider
	Logger zerolog.Logger
	ProdID string
}

func NewEngine(cfg config.SchedulingConfig, store storage.Store, dir directory.Directory, aclProv acl.Provider, logger zerolog.Logger, prodID string) *Engine {
	return &Engine{Cfg: cfg, Store: store, Dir: dir, ACL: aclProv, Logger: logger, ProdID: prodID}
}

// router builds a C6 Router scoped to actingUser, the way every
// planner call needs one: a fresh IMIP sender and iSchedule client per
// call keeps the Router stateless between requests, mirroring how
// ldapclient.go rebuilds its outbound request per call rather than
// pooling clients.
func (e *Engine) router(actingUser *directory.User) *delivery.Router {
	originator := ""
	if actingUser != nil {
		originator = "mailto:" + actingUser.Mail
	}
	return &delivery.Router{
		Resolver:   address.NewResolver(e.Dir, e.Cfg),
		ACL:        e.ACL,
		Dir:        e.Dir,
		Store:      e.Store,
		IMIP:       delivery.NewIMIPSender(e.Cfg.IMIP, e.Logger),
		ISchedule:  delivery.NewISchedClient(e.Cfg.ISchedule, e.Logger, originator),
		Cfg:        e.Cfg,
		Logger:     e.Logger,
		ActingUser: actingUser,
	}
}

// ProcessOrganizerWrite runs C4 for an organizer's create/update/delete
// of an event set (oldData/newData may be nil for pure create/delete),
// returns the new set's bytes with SCHEDULE-STATUS applied to every
// ATTENDEE, ready to be the object actually persisted.
func (e *Engine) ProcessOrganizerWrite(ctx context.Context, actingUser *directory.User, eff acl.Effective, oldData, newData []byte) ([]byte, error) {
	oldSet, newSet, err := parseSets(oldData, newData)
	if err != nil {
		return nil, err
	}

	rp := &planner.RequestPlanner{ProdID: e.ProdID, Delivery: e.router(actingUser)}
	if err := rp.PlanRequest(ctx, eff, oldSet, newSet); err != nil {
		return nil, err
	}
	if newSet == nil {
		return nil, nil
	}
	return newSet.Encode()
}

// ProcessAttendeeReply runs C5 for attendee's own create/update/delete
// of their copy of the event set, returning the new set's bytes with
// SCHEDULE-STATUS applied to the ORGANIZER property.
func (e *Engine) ProcessAttendeeReply(ctx context.Context, actingUser *directory.User, eff acl.Effective, attendee string, oldData, newData []byte) ([]byte, error) {
	oldSet, newSet, err := parseSets(oldData, newData)
	if err != nil {
		return nil, err
	}

	rp := &planner.ReplyPlanner{ProdID: e.ProdID, Delivery: e.router(actingUser)}
	if err := rp.PlanReply(ctx, eff, attendee, oldSet, newSet); err != nil {
		return nil, err
	}
	if newSet == nil {
		return nil, nil
	}
	return newSet.Encode()
}

// HandleOutboxPost implements the CalDAV Scheduling Outbox POST (§4.6,
// §6): a one-shot iTIP or VFREEBUSY message that is delivered directly
// rather than merged into a stored object, returning a
// schedule-response document for every recipient addressed.
func (e *Engine) HandleOutboxPost(ctx context.Context, actingUser *directory.User, eff acl.Effective, raw []byte) (*common.ScheduleResponse, error) {
	if !eff.CanScheduleSend() {
		return nil, fmt.Errorf("schedule-send not permitted")
	}

	cal, err := ical.NewDecoder(bytes.NewReader(raw)).Decode()
	if err != nil {
		return nil, fmt.Errorf("decode scheduling message: %w", err)
	}

	var method string
	if p := cal.Props.Get(ical.PropMethod); p != nil {
		method = p.Value
	}

	for _, comp := range cal.Children {
		if comp.Name == ical.CompFreeBusy {
			fed := &freebusy.Federator{
				Resolver:   address.NewResolver(e.Dir, e.Cfg),
				Dir:        e.Dir,
				Store:      e.Store,
				ISchedule:  delivery.NewISchedClient(e.Cfg.ISchedule, e.Logger, "mailto:"+actingUser.Mail),
				Logger:     e.Logger,
				ProdID:     e.ProdID,
				ActingUser: actingUser,
			}
			return fed.Federate(ctx, raw)
		}
	}

	set := &calutil.EventSet{Cal: cal, Overrides: map[string]*ical.Component{}}
	for _, comp := range cal.Children {
		if comp.Name != ical.CompEvent {
			continue
		}
		if rid := comp.Props.Get(ical.PropRecurrenceID); rid != nil {
			set.Overrides[rid.Value] = comp
			continue
		}
		if set.Master == nil {
			set.Master = comp
		}
	}
	if set.Master == nil {
		return nil, fmt.Errorf("no VEVENT in scheduling message")
	}

	r := e.router(actingUser)
	organizer := set.Organizer()

	switch method {
	case itip.MethodReply:
		code, err := r.Deliver(ctx, organizer, cal, itip.MethodReply, "", false)
		if err != nil {
			code = delivery.StatusTempFail
		}
		return &common.ScheduleResponse{Response: []common.ScheduleRecipient{{Recipient: "mailto:" + organizer, RequestStatus: code}}}, nil
	default:
		var responses []common.ScheduleRecipient
		for _, attendee := range calutil.Attendees(set.Master) {
			addr := calutil.AttendeeAddress(attendee)
			if addr == "" || addr == organizer {
				continue
			}
			code, err := r.Deliver(ctx, addr, cal, method, "", false)
			if err != nil {
				code = delivery.StatusTempFail
			}
			responses = append(responses, common.ScheduleRecipient{Recipient: "mailto:" + addr, RequestStatus: code})
		}
		return &common.ScheduleResponse{Response: responses}, nil
	}
}

func parseSets(oldData, newData []byte) (oldSet, newSet *calutil.EventSet, err error) {
	if len(oldData) > 0 {
		oldSet, err = calutil.ParseEventSet(oldData)
		if err != nil {
			return nil, nil, fmt.Errorf("parse old event set: %w", err)
		}
	}
	if len(newData) > 0 {
		newSet, err = calutil.ParseEventSet(newData)
		if err != nil {
			return nil, nil, fmt.Errorf("parse new event set: %w", err)
		}
	}
	return oldSet, newSet, nil
}
