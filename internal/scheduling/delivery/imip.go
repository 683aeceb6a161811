package delivery

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"mime/quotedprintable"
	"net"
	"net/http"
	"net/smtp"
	"os"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/larkspur-mail/caldav-scheduler/internal/config"
	calutil "github.com/larkspur-mail/caldav-scheduler/pkg/ical"
)

// IMIPSender delivers an iTIP envelope to an external calendar-user-
// address via iMIP (RFC 6047): either a multipart/alternative email
// sent directly over SMTP, or a JSON handoff to an external notifier
// when one is configured, per spec §6.
type IMIPSender struct {
	Cfg    config.IMIPConfig
	Logger zerolog.Logger
	// dial is overridable in tests.
	dial func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewIMIPSender(cfg config.IMIPConfig, logger zerolog.Logger) *IMIPSender {
	return &IMIPSender{Cfg: cfg, Logger: logger, dial: smtp.SendMail}
}

func (r *Router) deliverIMIP(ctx context.Context, recipient string, envelope *ical.Calendar, kind string, isUpdate bool) (string, error) {
	if r.IMIP == nil || !r.Cfg.IMIP.Enabled {
		return StatusTempFail, nil
	}
	method := kind
	if p := envelope.Props.Get(ical.PropMethod); p != nil {
		method = p.Value
	}
	if err := r.IMIP.Send(ctx, recipient, envelope, method, envelopeComponentType(envelope), isUpdate); err != nil {
		r.Logger.Warn().Err(err).Str("recipient", recipient).Msg("imip delivery failed")
		return StatusTempFail, nil
	}
	return StatusSent, nil
}

// Send dispatches an envelope to recipient, preferring the JSON
// notifier handoff when NotifierURL is configured.
func (s *IMIPSender) Send(ctx context.Context, recipient string, envelope *ical.Calendar, method, kind string, isUpdate bool) error {
	data, err := calutil.EncodeCalendar(envelope)
	if err != nil {
		return err
	}

	if s.Cfg.NotifierURL != "" {
		return s.sendViaNotifier(ctx, recipient, data, isUpdate)
	}
	return s.sendViaSMTP(recipient, data, envelope, method, kind)
}

func (s *IMIPSender) sendViaNotifier(ctx context.Context, recipient string, ical []byte, isUpdate bool) error {
	payload, err := json.Marshal(map[string]any{
		"recipient": recipient,
		"ical":      string(ical),
		"is_update": isUpdate,
	})
	if err != nil {
		return err
	}

	timeout := s.Cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, s.Cfg.NotifierURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notifier returned status %d", resp.StatusCode)
	}
	return nil
}

func (s *IMIPSender) sendViaSMTP(recipient string, icsData []byte, envelope *ical.Calendar, method, kind string) error {
	msg, err := buildIMIPMessage(recipient, s.Cfg.From, icsData, envelope, method, kind)
	if err != nil {
		return err
	}

	var auth smtp.Auth
	if s.Cfg.SMTPUser != "" {
		host := s.Cfg.SMTPAddr
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
		auth = smtp.PlainAuth("", s.Cfg.SMTPUser, s.Cfg.SMTPPassword, host)
	}

	dial := s.dial
	if dial == nil {
		dial = smtp.SendMail
	}
	return dial(s.Cfg.SMTPAddr, auth, s.Cfg.From, []string{recipient}, msg)
}

// buildIMIPMessage assembles the exact multipart/alternative message
// described in spec §6: text/plain (quoted-printable), text/html,
// text/calendar (base64) in that order, with the iTIP method/component
// parameters and the iMIP-specific headers.
func buildIMIPMessage(recipient, from string, icsData []byte, envelope *ical.Calendar, method, kind string) ([]byte, error) {
	uidValue := envelopeUID(envelope)
	summary := uidValue
	for _, c := range envelopeComponents(envelope) {
		if p := c.Props.Get(ical.PropSummary); p != nil && p.Value != "" {
			summary = p.Value
		}
	}
	subject := summary
	if subject == "" {
		subject = fmt.Sprintf("%s %s", kind, method)
	}

	var buf bytes.Buffer
	var h mail.Header
	h.SetSubject(subject)
	h.SetDate(time.Now().UTC())
	if from != "" {
		h.SetAddressList("From", []*mail.Address{{Address: from}})
	}
	h.SetAddressList("To", []*mail.Address{{Address: recipient}})
	h.SetMessageID(fmt.Sprintf("caldav-scheduler-%d-%s@localhost", os.Getpid(), uuid.NewString()))
	h.Set("iMIP-Content-ID", "<"+uidValue+"@localhost>")
	h.Set("Auto-Submitted", "auto-generated")

	mw, err := mail.NewWriter(&buf, h)
	if err != nil {
		return nil, err
	}

	inline, err := mw.CreateInline()
	if err != nil {
		return nil, err
	}

	var plainHeader mail.InlineHeader
	plainHeader.Set("Content-Type", "text/plain; charset=utf-8")
	plainHeader.Set("Content-Transfer-Encoding", "quoted-printable")
	plainPart, err := inline.CreatePart(plainHeader)
	if err != nil {
		return nil, err
	}
	qp := quotedprintable.NewWriter(plainPart)
	fmt.Fprintf(qp, "%s\r\n\r\n%s %s\r\n", subject, kind, method)
	qp.Close()
	plainPart.Close()

	var htmlHeader mail.InlineHeader
	htmlHeader.Set("Content-Type", "text/html; charset=utf-8")
	htmlPart, err := inline.CreatePart(htmlHeader)
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(htmlPart, "<html><body><p>%s</p></body></html>", subject)
	htmlPart.Close()

	var calHeader mail.InlineHeader
	calHeader.Set("Content-Type", fmt.Sprintf("text/calendar; charset=utf-8; method=%s; component=%s", method, kind))
	calHeader.Set("Content-Transfer-Encoding", "base64")
	calPart, err := inline.CreatePart(calHeader)
	if err != nil {
		return nil, err
	}
	b64 := base64.NewEncoder(base64.StdEncoding, calPart)
	b64.Write(icsData)
	b64.Close()
	calPart.Close()

	inline.Close()
	mw.Close()

	return buf.Bytes(), nil
}
