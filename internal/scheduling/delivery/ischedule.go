package delivery

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/emersion/go-ical"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/larkspur-mail/caldav-scheduler/internal/config"
	"github.com/larkspur-mail/caldav-scheduler/internal/dav/common"
	calutil "github.com/larkspur-mail/caldav-scheduler/pkg/ical"
)

// ISchedClient delivers iTIP envelopes to cluster peers over
// iSchedule (draft-desruisseaux-ischedule): an HTTP POST of the
// iCalendar body with the header set spec §6 names, optionally
// DKIM-signed, whose response body is a schedule-response document
// reusing the teacher's existing common.ScheduleResponse XML model.
type ISchedClient struct {
	Cfg        config.ISchedConfig
	Logger     zerolog.Logger
	Signer     *dkimSigner
	Originator string
	Client     *http.Client
}

func NewISchedClient(cfg config.ISchedConfig, logger zerolog.Logger, originator string) *ISchedClient {
	signer, err := newDKIMSigner(cfg.DKIMDomain, cfg.DKIMSelector, cfg.DKIMPrivateKey)
	if err != nil {
		logger.Warn().Err(err).Msg("ischedule dkim signer unavailable, requests will be sent unsigned")
	}
	return &ISchedClient{
		Cfg:        cfg,
		Logger:     logger,
		Signer:     signer,
		Originator: originator,
		Client: &http.Client{
			Timeout: cfg.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func (r *Router) deliverISchedule(ctx context.Context, recipient string, node config.ClusterNode, envelope *ical.Calendar, kind string) (string, error) {
	if r.ISchedule == nil {
		return StatusTempFail, nil
	}
	return r.ISchedule.Deliver(ctx, recipient, node, envelope, envelopeComponentType(envelope))
}

// Deliver POSTs envelope to node's iSchedule endpoint, following
// redirects up to a small fixed depth, and maps the recipient's
// request-status in the parsed schedule-response back to a Schedule
// Status Code.
func (c *ISchedClient) Deliver(ctx context.Context, recipient string, node config.ClusterNode, envelope *ical.Calendar, kind string) (string, error) {
	method := kind
	if p := envelope.Props.Get(ical.PropMethod); p != nil {
		method = p.Value
	}
	data, err := calutil.EncodeCalendar(envelope)
	if err != nil {
		return StatusTempFail, err
	}

	url := fmt.Sprintf("%s://%s:%d%s", node.Scheme, node.Host, node.Port, node.Prefix)
	contentType := fmt.Sprintf("text/calendar; method=%s; component=%s", method, kind)
	messageID := uuid.NewString()

	for depth := 0; depth < 5; depth++ {
		status, location, err := c.post(ctx, url, recipient, contentType, messageID, data)
		if err != nil {
			return StatusTempFail, err
		}
		if location != "" {
			url = location
			continue
		}
		return status, nil
	}
	return StatusTempFail, fmt.Errorf("too many ischedule redirects")
}

func (c *ISchedClient) post(ctx context.Context, url, recipient, contentType, messageID string, body []byte) (status string, redirectTo string, err error) {
	responses, redirectTo, err := c.postRaw(ctx, url, recipient, contentType, messageID, body)
	if err != nil || redirectTo != "" {
		return "", redirectTo, err
	}
	for _, rec := range responses {
		if strings.EqualFold(strings.TrimPrefix(rec.Recipient, "mailto:"), strings.TrimPrefix(recipient, "mailto:")) && rec.RequestStatus != "" {
			return rec.RequestStatus, "", nil
		}
	}
	return StatusDelivered, "", nil
}

// PostFreeBusy POSTs a VFREEBUSY REQUEST addressed to every attendee in
// recipients at once, returning every response element the peer sends
// back (C7 groups all of a peer's attendees into a single iSchedule
// round trip rather than one request per attendee).
func (c *ISchedClient) PostFreeBusy(ctx context.Context, recipients []string, node config.ClusterNode, envelope *ical.Calendar) ([]common.ScheduleRecipient, error) {
	data, err := calutil.EncodeCalendar(envelope)
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%s://%s:%d%s", node.Scheme, node.Host, node.Port, node.Prefix)
	messageID := uuid.NewString()
	joined := strings.Join(recipients, ", ")

	for depth := 0; depth < 5; depth++ {
		responses, location, err := c.postRaw(ctx, url, joined, "text/calendar; method=REQUEST; component=VFREEBUSY", messageID, data)
		if err != nil {
			return nil, err
		}
		if location != "" {
			url = location
			continue
		}
		return responses, nil
	}
	return nil, fmt.Errorf("too many ischedule redirects")
}

func (c *ISchedClient) postRaw(ctx context.Context, url, recipient, contentType, messageID string, body []byte) (responses []common.ScheduleRecipient, redirectTo string, err error) {
	headers := map[string]string{
		"iSchedule-Version":    "1.0",
		"Originator":           c.Originator,
		"Recipient":            recipient,
		"Content-Type":         contentType,
		"iSchedule-Message-ID": messageID,
		"Cache-Control":        "no-cache, no-transform",
		"Content-Length":       strconv.Itoa(len(body)),
	}

	if c.Signer != nil {
		signed, err := c.Signer.SignHeaders(
			[]string{"Originator", "Recipient", "Content-Type", "iSchedule-Message-ID"},
			headers, body)
		if err != nil {
			c.Logger.Warn().Err(err).Msg("failed to dkim-sign ischedule request")
		} else {
			headers["DKIM-Signature"] = signed
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, "", err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusMovedPermanently || resp.StatusCode == http.StatusFound ||
		resp.StatusCode == http.StatusTemporaryRedirect || resp.StatusCode == http.StatusPermanentRedirect {
		return nil, resp.Header.Get("Location"), nil
	}

	if resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("ischedule peer returned status %d", resp.StatusCode)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", err
	}

	var sr common.ScheduleResponse
	if err := xml.Unmarshal(respBody, &sr); err != nil {
		return nil, "", nil
	}
	return sr.Response, "", nil
}
