package caldav

import (
	"encoding/xml"
	"io"
	"net/http"
	"strings"

	"github.com/larkspur-mail/caldav-scheduler/internal/dav/common"
)

// HandlePost serves the Scheduling Outbox POST (RFC 6638 §3.2): a
// one-shot iTIP or VFREEBUSY message delivered directly rather than
// stored, answered with a schedule-response document. Any other POST
// target gets 405.
func (h *Handlers) HandlePost(w http.ResponseWriter, r *http.Request) {
	pr := common.MustPrincipal(r.Context())
	owner, calURI, rest := splitResourcePath(r.URL.Path, h.basePath)

	if owner == "" || !strings.HasSuffix(calURI, "-outbox") || len(rest) != 0 {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if pr.UserID != owner {
		h.logger.Debug().
			Str("user", pr.UserID).
			Str("owner", owner).
			Msg("insufficient privileges for scheduling outbox POST")
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	if h.scheduler == nil {
		http.Error(w, "scheduling not configured", http.StatusServiceUnavailable)
		return
	}

	maxICS := h.cfg.HTTP.MaxICSBytes
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxICS+1))
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to read scheduling POST body")
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	if maxICS > 0 && int64(len(raw)) > maxICS {
		http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		return
	}

	actingUser, err := h.dir.LookupUserByAttr(r.Context(), "uid", pr.UserID)
	if err != nil {
		h.logger.Error().Err(err).Str("user", pr.UserID).Msg("scheduling outbox: acting user lookup failed")
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}

	eff := h.schedulingEffective(r.Context(), pr, "", owner)
	resp, err := h.scheduler.HandleOutboxPost(r.Context(), actingUser, eff, raw)
	if err != nil {
		h.logger.Error().Err(err).Str("user", pr.UserID).Msg("failed to process scheduling outbox POST")
		http.Error(w, "scheduling failed", http.StatusBadRequest)
		return
	}

	h.serveScheduleResponse(w, resp)
}

func (h *Handlers) serveScheduleResponse(w http.ResponseWriter, resp *common.ScheduleResponse) {
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)

	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	_, _ = w.Write([]byte(xml.Header))
	if err := enc.Encode(resp); err != nil {
		h.logger.Error().Err(err).Msg("failed to encode schedule-response")
	}
}
