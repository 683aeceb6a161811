package caldav

import (
	"encoding/xml"
	"net/http"

	"github.com/larkspur-mail/caldav-scheduler/internal/dav/common"
	"github.com/larkspur-mail/caldav-scheduler/internal/scheduling/delivery"
)

// ischedCapabilities is the iSchedule capabilities document (§6): the
// serial number is the configured ISchedule.CapabilitySerial value and
// changes only when that setting does.
type ischedCapabilities struct {
	XMLName    xml.Name `xml:"urn:ietf:params:xml:ns:ischedule query-result"`
	Serial     string   `xml:"serial-number"`
	Versions   []string `xml:"capability-set>ischedule-version"`
	Verbs      []string `xml:"capability-set>ischedule-verb"`
	MaxContent int64    `xml:"capability-set>max-content-length"`
}

// HandleISchedCapabilities serves this node's iSchedule capabilities at
// /.well-known/ischedule, per §6: peers GET this before POSTing a
// scheduling message to discover supported verbs/versions.
func (h *Handlers) HandleISchedCapabilities(w http.ResponseWriter, r *http.Request) {
	doc := ischedCapabilities{
		Serial:     h.cfg.Scheduling.ISchedule.CapabilitySerial,
		Versions:   []string{"1.0"},
		Verbs:      []string{"schedule", "freebusy"},
		MaxContent: h.cfg.HTTP.MaxICSBytes,
	}
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	_, _ = w.Write([]byte(xml.Header))
	if err := enc.Encode(doc); err != nil {
		h.logger.Error().Err(err).Msg("failed to encode ischedule capabilities")
	}
}

// HandleISchedDomainKey serves this node's DKIM public key record under
// /.well-known/ischedule/domainkey/, the iSchedule analogue of DNS
// domainkey TXT publication, for peers that can't do a DNS lookup for it
// directly. The rest of the path is not inspected: the one configured
// key is returned whatever selector or domain follows.
func (h *Handlers) HandleISchedDomainKey(w http.ResponseWriter, r *http.Request) {
	cfg := h.cfg.Scheduling.ISchedule
	if cfg.DKIMPrivateKey == "" {
		http.NotFound(w, r)
		return
	}
	record, err := delivery.DomainKeyRecord(cfg.DKIMPrivateKey)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to render ischedule domain-key record")
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(record))
}

func (c *CalDAVResourceHandler) propfindSchedulingInbox(w http.ResponseWriter, r *http.Request, owner, collection, depth string) {
	pr := common.MustPrincipal(r.Context())
	if pr.UserID != owner {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	_, err := c.handlers.store.GetSchedulingInbox(r.Context(), owner)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	href := common.JoinURL(c.basePath, "calendars", owner, collection) + "/"

	resp := common.Response{
		Hrefs: []common.Href{{Value: href}},
	}

	_ = resp.EncodeProp(http.StatusOK, common.ResourceType{
		Collection:    &struct{}{},
		ScheduleInbox: &struct{}{},
	})
	_ = resp.EncodeProp(http.StatusOK, common.DisplayName{Name: "Scheduling Inbox"})

	// Add scheduling-specific properties
	_ = resp.EncodeProp(http.StatusOK, common.CalendarFreeBusySet{
		Hrefs: []common.Href{{Value: common.CalendarHome(c.basePath, owner)}},
	})

	ms := common.MultiStatus{Responses: []common.Response{resp}}
	if err := common.ServeMultiStatus(w, &ms); err != nil {
		c.handlers.logger.Error().Err(err).Msg("failed to serve MultiStatus for scheduling inbox")
	}
}

func (c *CalDAVResourceHandler) propfindSchedulingOutbox(w http.ResponseWriter, r *http.Request, owner, collection, depth string) {
	pr := common.MustPrincipal(r.Context())
	if pr.UserID != owner {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	_, err := c.handlers.store.GetSchedulingOutbox(r.Context(), owner)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	href := common.JoinURL(c.basePath, "calendars", owner, collection) + "/"

	resp := common.Response{
		Hrefs: []common.Href{{Value: href}},
	}

	_ = resp.EncodeProp(http.StatusOK, common.ResourceType{
		Collection:     &struct{}{},
		ScheduleOutbox: &struct{}{},
	})
	_ = resp.EncodeProp(http.StatusOK, common.DisplayName{Name: "Scheduling Outbox"})

	// Add scheduling-specific properties
	_ = resp.EncodeProp(http.StatusOK, common.CalendarFreeBusySet{
		Hrefs: []common.Href{{Value: common.CalendarHome(c.basePath, owner)}},
	})

	ms := common.MultiStatus{Responses: []common.Response{resp}}
	if err := common.ServeMultiStatus(w, &ms); err != nil {
		c.handlers.logger.Error().Err(err).Msg("failed to serve MultiStatus for scheduling outbox")
	}
}
