package tracking

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/mailforge/platform/internal/events"
	"github.com/mailforge/platform/internal/pkg/logger"
	"github.com/mailforge/platform/internal/token"
)

// 1x1 transparent GIF
var pixelGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00,
	0x80, 0x00, 0x00, 0xff, 0xff, 0xff, 0x00, 0x00, 0x00, 0x2c,
	0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0x02,
	0x02, 0x44, 0x01, 0x00, 0x3b,
}

// EventRecorder appends tracking events. *events.Recorder implements it.
type EventRecorder interface {
	Record(ctx context.Context, evt *events.Event) error
}

// ContactDirectory is the slice of the external contact store the handlers
// need.
type ContactDirectory interface {
	MarkUnsubscribed(ctx context.Context, contactID uuid.UUID, reason string) error
	FindByEmail(ctx context.Context, email string) (uuid.UUID, bool, error)
}

// SequenceControl fans tracking outcomes out to enrollments. The sequence
// engine implements it.
type SequenceControl interface {
	Unsubscribe(ctx context.Context, contactID, brandID uuid.UUID) error
	HardBounce(ctx context.Context, contactID uuid.UUID) error
}

// Handler serves the tracking pixel, click redirect, unsubscribe pages and
// the SES event webhook.
type Handler struct {
	signer   *token.Signer
	unsub    *token.UnsubscribeCodec
	recorder EventRecorder
	contacts ContactDirectory
	engine   SequenceControl
	bots     *BotDetector
}

func NewHandler(signer *token.Signer, unsub *token.UnsubscribeCodec, recorder EventRecorder, contacts ContactDirectory, engine SequenceControl) *Handler {
	return &Handler{
		signer:   signer,
		unsub:    unsub,
		recorder: recorder,
		contacts: contacts,
		engine:   engine,
		bots:     NewBotDetector(),
	}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/track/open", h.HandleOpen)
	r.Get("/track/click", h.HandleClick)
	r.Get("/unsubscribe/{token}", h.HandleUnsubscribePage)
	r.Post("/unsubscribe/{token}", h.HandleUnsubscribe)
	r.Post("/webhooks/ses", h.HandleSESWebhook)
	return r
}

func (h *Handler) HandleOpen(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	cid, lid, email, sig := q.Get("cid"), q.Get("lid"), q.Get("e"), q.Get("t")
	if !h.signer.Verify(sig, cid, lid, email) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	campaignID, err1 := uuid.Parse(cid)
	contactID, err2 := uuid.Parse(lid)
	if err1 != nil || err2 != nil {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	// Prefetch proxies and scanners get the pixel but no event.
	if !h.bots.IsBot(r.UserAgent()) {
		h.record(r, &events.Event{
			ContactID:  contactID,
			CampaignID: campaignID,
			Email:      email,
			Type:       events.TypeOpen,
		})
	}
	h.servePixel(w)
}

func (h *Handler) HandleClick(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	cid, lid, email, sig := q.Get("cid"), q.Get("lid"), q.Get("e"), q.Get("t")
	target := q.Get("url")
	if !h.signer.Verify(sig, cid, lid, email, target) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	if target == "" {
		http.Error(w, "bad link", http.StatusBadRequest)
		return
	}

	campaignID, err1 := uuid.Parse(cid)
	contactID, err2 := uuid.Parse(lid)
	if err1 != nil || err2 != nil {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	h.record(r, &events.Event{
		ContactID:  contactID,
		CampaignID: campaignID,
		Email:      email,
		Type:       events.TypeClick,
		LinkURL:    target,
	})
	http.Redirect(w, r, target, http.StatusFound)
}

// HandleUnsubscribePage serves the confirmation form. Decoding only; nothing
// is recorded until the POST.
func (h *Handler) HandleUnsubscribePage(w http.ResponseWriter, r *http.Request) {
	tok := chi.URLParam(r, "token")
	if _, err := h.unsub.Decode(tok); err != nil {
		http.Error(w, "invalid unsubscribe link", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(`<!DOCTYPE html><html><body style="font-family:Arial,sans-serif;text-align:center;padding:50px;">
		<h1>Unsubscribe</h1>
		<p>Click below to stop receiving these emails.</p>
		<form method="POST" action="/unsubscribe/` + tok + `">
			<input type="hidden" name="reason" value="" />
			<button type="submit">Unsubscribe</button>
		</form>
	</body></html>`))
}

func (h *Handler) HandleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	p, err := h.unsub.Decode(chi.URLParam(r, "token"))
	if err != nil {
		http.Error(w, "invalid unsubscribe link", http.StatusBadRequest)
		return
	}
	reason := r.FormValue("reason")
	ctx := r.Context()

	if err := h.contacts.MarkUnsubscribed(ctx, p.ContactID, reason); err != nil {
		logger.Error("mark contact unsubscribed failed", "contact", p.ContactID.String(), "error", err)
		http.Error(w, "something went wrong", http.StatusInternalServerError)
		return
	}

	h.record(r, &events.Event{
		ContactID:  p.ContactID,
		CampaignID: p.CampaignID,
		Type:       events.TypeUnsubscribe,
		Metadata:   reason,
	})

	if err := h.engine.Unsubscribe(ctx, p.ContactID, p.BrandID); err != nil {
		logger.Error("enrollment unsubscribe fan-out failed", "contact", p.ContactID.String(), "error", err)
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(`<!DOCTYPE html><html><body style="font-family:Arial,sans-serif;text-align:center;padding:50px;">
		<h1>You have been unsubscribed</h1>
		<p>You will no longer receive emails from us.</p>
	</body></html>`))
}

// sesNotification is the subset of the SES event payload the handler reads.
// Message tags are the campaign_id/contact_id stamped on every send.
type sesNotification struct {
	NotificationType string `json:"notificationType"`
	Mail             struct {
		Tags        map[string][]string `json:"tags"`
		Destination []string            `json:"destination"`
	} `json:"mail"`
	Bounce *struct {
		BounceType        string `json:"bounceType"`
		BouncedRecipients []struct {
			EmailAddress string `json:"emailAddress"`
		} `json:"bouncedRecipients"`
	} `json:"bounce"`
	Complaint *struct {
		ComplainedRecipients []struct {
			EmailAddress string `json:"emailAddress"`
		} `json:"complainedRecipients"`
	} `json:"complaint"`
}

func (n sesNotification) tag(name string) string {
	if vals := n.Mail.Tags[name]; len(vals) > 0 {
		return vals[0]
	}
	return ""
}

func (h *Handler) HandleSESWebhook(w http.ResponseWriter, r *http.Request) {
	var note sesNotification
	if err := json.NewDecoder(r.Body).Decode(&note); err != nil {
		http.Error(w, "bad payload", http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	campaignID, _ := uuid.Parse(note.tag("campaign_id"))
	contactID, _ := uuid.Parse(note.tag("contact_id"))

	switch strings.ToLower(note.NotificationType) {
	case "bounce":
		if note.Bounce == nil {
			break
		}
		hard := strings.EqualFold(note.Bounce.BounceType, "Permanent")
		for _, rcpt := range note.Bounce.BouncedRecipients {
			h.recordProviderEvent(ctx, &events.Event{
				ContactID:  h.resolveContact(ctx, contactID, rcpt.EmailAddress),
				CampaignID: campaignID,
				Email:      rcpt.EmailAddress,
				Type:       events.TypeBounce,
				Metadata:   note.Bounce.BounceType,
			}, hard)
		}
	case "complaint":
		if note.Complaint == nil {
			break
		}
		for _, rcpt := range note.Complaint.ComplainedRecipients {
			h.recordProviderEvent(ctx, &events.Event{
				ContactID:  h.resolveContact(ctx, contactID, rcpt.EmailAddress),
				CampaignID: campaignID,
				Email:      rcpt.EmailAddress,
				Type:       events.TypeComplaint,
			}, false)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"ok":true}`))
}

// resolveContact prefers the contact id from the message tags, falling back
// to an email lookup for notifications on mail sent before tagging existed.
func (h *Handler) resolveContact(ctx context.Context, tagged uuid.UUID, email string) uuid.UUID {
	if tagged != uuid.Nil {
		return tagged
	}
	id, ok, err := h.contacts.FindByEmail(ctx, email)
	if err != nil || !ok {
		return uuid.Nil
	}
	return id
}

func (h *Handler) recordProviderEvent(ctx context.Context, evt *events.Event, hardBounce bool) {
	evt.OccurredAt = time.Now().UTC()
	if err := h.recorder.Record(ctx, evt); err != nil {
		logger.Error("record provider event failed", "type", string(evt.Type), "error", err)
	}
	if hardBounce && evt.ContactID != uuid.Nil {
		if err := h.engine.HardBounce(ctx, evt.ContactID); err != nil {
			logger.Error("hard bounce fan-out failed", "contact", evt.ContactID.String(), "error", err)
		}
	}
}

func (h *Handler) record(r *http.Request, evt *events.Event) {
	evt.IPAddress = realIP(r)
	evt.UserAgent = r.UserAgent()
	evt.OccurredAt = time.Now().UTC()
	if err := h.recorder.Record(r.Context(), evt); err != nil {
		logger.Error("record tracking event failed", "type", string(evt.Type), "error", err)
	}
}

func (h *Handler) servePixel(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.Write(pixelGIF)
}

func realIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx > 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return xff
	}
	if xri := r.Header.Get("X-Real-Ip"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}
