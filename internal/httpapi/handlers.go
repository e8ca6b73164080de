package httpapi

import (
	"context"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"wacrm/internal/dispatch"
	"wacrm/internal/inbound"
	"wacrm/internal/storage"
	"wacrm/internal/transport"
	"wacrm/internal/transport/evolution"
	logx "wacrm/pkg/logx"
)

const (
	maxWebhookBody = 4 << 20
	healthTimeout  = 2 * time.Second
	historyLimit   = 50
)

var errNoStore = errors.New("storage is not configured")

type errorBody struct {
	Error string `json:"error"`
}

// writeError maps service errors onto status codes.
func writeError(c *gin.Context, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, dispatch.ErrInvalidConfig),
		errors.Is(err, dispatch.ErrNoRecipients),
		errors.Is(err, inbound.ErrEmptySender),
		errors.Is(err, inbound.ErrInvalidConfig),
		errors.Is(err, errBadRequest):
		code = http.StatusBadRequest
	case errors.Is(err, dispatch.ErrUnknownJob):
		code = http.StatusNotFound
	case errors.Is(err, dispatch.ErrTooManyJobs):
		code = http.StatusConflict
	case errors.Is(err, dispatch.ErrNotRunning),
		errors.Is(err, inbound.ErrClosed),
		errors.Is(err, storage.ErrClosed),
		errors.Is(err, errNoStore):
		code = http.StatusServiceUnavailable
	case errors.Is(err, inbound.ErrConsumer):
		code = http.StatusBadGateway
	}
	c.AbortWithStatusJSON(code, errorBody{Error: err.Error()})
}

var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

// --- inbound ---

type inboundRequest struct {
	SenderID string                `json:"sender_id"`
	Content  string                `json:"content"`
	Kind     transport.ContentKind `json:"kind"`
	At       time.Time             `json:"at"`
}

func (a *API) submitInbound(c *gin.Context) {
	var req inboundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, badRequest("invalid body: %v", err))
		return
	}
	if req.Kind == "" {
		req.Kind = transport.ContentText
	}
	err := a.deps.Inbound.SubmitFragment(c.Request.Context(), req.SenderID, inbound.Fragment{
		Content: req.Content,
		Kind:    req.Kind,
		At:      req.At,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"sender_id": strings.TrimSpace(req.SenderID),
		"pending":   a.deps.Inbound.Pending(req.SenderID),
	})
}

func (a *API) evolutionWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		writeError(c, badRequest("read body: %v", err))
		return
	}
	msgs, err := evolution.ParseWebhook(body)
	if errors.Is(err, evolution.ErrUnsupportedEvent) {
		// Gateways post every subscribed event; only upserts matter here.
		c.JSON(http.StatusOK, gin.H{"accepted": 0, "ignored": true})
		return
	}
	if err != nil {
		writeError(c, badRequest("invalid webhook: %v", err))
		return
	}

	accepted := 0
	for _, m := range msgs {
		err := a.deps.Inbound.SubmitFragment(c.Request.Context(), m.SenderID, inbound.Fragment{
			Content: m.Content,
			Kind:    m.Kind,
			At:      m.At,
		})
		switch {
		case err == nil:
			accepted++
		case errors.Is(err, inbound.ErrConsumer):
			// fragment was taken; the overflow flush failed downstream
			accepted++
			a.log.Warn("webhook overflow flush failed", logx.Phone("sender", m.SenderID), logx.Err(err))
		default:
			writeError(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"accepted": accepted})
}

// --- dispatch ---

type tierRequest struct {
	EveryN  int    `json:"every_n"`
	AtCount int    `json:"at_count"`
	Delay   string `json:"delay"`
}

type dispatchRequest struct {
	Name       string                `json:"name"`
	Message    string                `json:"message"`
	Recipients []transport.Recipient `json:"recipients"`
	BaseDelay  string                `json:"base_delay"`
	Adaptive   *bool                 `json:"adaptive"`
	Tiers      []tierRequest         `json:"tiers"`
}

// settings overlays request fields on the configured defaults.
func (r dispatchRequest) settings(def dispatch.Settings) (dispatch.Settings, error) {
	s := def
	if raw := strings.TrimSpace(r.BaseDelay); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return s, badRequest("base_delay: %v", err)
		}
		if d <= 0 {
			return s, badRequest("base_delay must be > 0")
		}
		s.BaseDelay = d
	}
	if r.Adaptive != nil {
		s.Adaptive = *r.Adaptive
	}
	if r.Tiers != nil {
		s.Tiers = make([]dispatch.Tier, 0, len(r.Tiers))
		for i, t := range r.Tiers {
			d, err := time.ParseDuration(strings.TrimSpace(t.Delay))
			if err != nil {
				return s, badRequest("tiers[%d].delay: %v", i, err)
			}
			s.Tiers = append(s.Tiers, dispatch.Tier{EveryN: t.EveryN, AtCount: t.AtCount, Delay: d})
		}
	}
	return s, nil
}

// withoutUnsubscribed drops recipients on the unsubscribe list.
func (a *API) withoutUnsubscribed(ctx context.Context, in []transport.Recipient) ([]transport.Recipient, []string, error) {
	if a.deps.Store == nil {
		return in, []string{}, nil
	}
	out := make([]transport.Recipient, 0, len(in))
	skipped := []string{}
	for _, r := range in {
		if r.Kind == transport.Group {
			out = append(out, r)
			continue
		}
		unsub, err := a.deps.Store.IsUnsubscribed(ctx, r.ID)
		if err != nil {
			return nil, nil, err
		}
		if unsub {
			skipped = append(skipped, r.ID)
			continue
		}
		out = append(out, r)
	}
	return out, skipped, nil
}

func (a *API) startDispatch(c *gin.Context) {
	var req dispatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, badRequest("invalid body: %v", err))
		return
	}
	settings, err := req.settings(a.deps.Dispatch.Defaults())
	if err != nil {
		writeError(c, err)
		return
	}
	recipients, skipped, err := a.withoutUnsubscribed(c.Request.Context(), req.Recipients)
	if err != nil {
		writeError(c, err)
		return
	}
	if len(recipients) == 0 && len(skipped) > 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
			"error":   dispatch.ErrNoRecipients.Error(),
			"skipped": skipped,
		})
		return
	}

	job := dispatch.Job{
		Name:       req.Name,
		Recipients: recipients,
		Message:    req.Message,
		Settings:   settings,
		Render:     a.deps.Render,
	}
	id, err := a.deps.Dispatch.StartDispatch(c.Request.Context(), job)
	if err != nil {
		writeError(c, err)
		return
	}
	a.log.Info("dispatch accepted",
		logx.String("job", string(id)),
		logx.Int("recipients", len(recipients)),
		logx.Int("skipped", len(skipped)),
	)
	c.JSON(http.StatusAccepted, gin.H{
		"id":      id,
		"total":   job.Total(),
		"skipped": skipped,
	})
}

func (a *API) listDispatch(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"jobs": a.deps.Dispatch.List()})
}

func (a *API) dispatchHistory(c *gin.Context) {
	if a.deps.Store == nil {
		writeError(c, errNoStore)
		return
	}
	limit := historyLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(c, badRequest("limit must be a positive integer"))
			return
		}
		limit = n
	}
	recs, err := a.deps.Store.RecentJobs(c.Request.Context(), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": recs})
}

func (a *API) getDispatch(c *gin.Context) {
	snap, err := a.deps.Dispatch.Progress(dispatch.Handle(c.Param("id")))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (a *API) pauseDispatch(c *gin.Context)  { a.control(c, a.deps.Dispatch.Pause) }
func (a *API) resumeDispatch(c *gin.Context) { a.control(c, a.deps.Dispatch.Resume) }
func (a *API) stopDispatch(c *gin.Context)   { a.control(c, a.deps.Dispatch.StopJob) }

// control answers 200 whether or not the phase changed; "changed" tells.
func (a *API) control(c *gin.Context, op func(dispatch.Handle) (bool, error)) {
	h := dispatch.Handle(c.Param("id"))
	changed, err := op(h)
	if err != nil {
		writeError(c, err)
		return
	}
	snap, err := a.deps.Dispatch.Progress(h)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": h, "changed": changed, "phase": snap.Phase})
}

// --- unsubscribe ---

type unsubscribeRequest struct {
	RecipientID string `json:"recipient_id"`
}

func (a *API) putUnsubscribe(ctx context.Context, id string) error {
	id = storage.NormalizeRecipientID(id)
	if id == "" {
		return badRequest("recipient id is required")
	}
	if a.deps.Store == nil {
		return errNoStore
	}
	if err := a.deps.Store.PutUnsubscribe(ctx, id, time.Now()); err != nil {
		return err
	}
	a.log.Info("recipient unsubscribed", logx.Phone("recipient", id))
	return nil
}

func (a *API) unsubscribe(c *gin.Context) {
	var req unsubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, badRequest("invalid body: %v", err))
		return
	}
	if err := a.putUnsubscribe(c.Request.Context(), req.RecipientID); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"recipient_id": storage.NormalizeRecipientID(req.RecipientID), "unsubscribed": true})
}

func (a *API) unsubscribeStatus(c *gin.Context) {
	if a.deps.Store == nil {
		writeError(c, errNoStore)
		return
	}
	id := storage.NormalizeRecipientID(c.Param("id"))
	ok, err := a.deps.Store.IsUnsubscribed(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"recipient_id": id, "unsubscribed": ok})
}

const unsubscribedPage = `<!doctype html><html><head><meta charset="utf-8"><title>Abonelik</title></head>` +
	`<body><p>%s</p></body></html>`

// unsubscribeLink is the public target of the footer link in sent messages.
func (a *API) unsubscribeLink(c *gin.Context) {
	err := a.putUnsubscribe(c.Request.Context(), c.Query("id"))
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, errBadRequest) {
			code = http.StatusBadRequest
		} else if errors.Is(err, errNoStore) {
			code = http.StatusServiceUnavailable
		}
		c.Data(code, "text/html; charset=utf-8",
			[]byte(fmt.Sprintf(unsubscribedPage, html.EscapeString("İşlem tamamlanamadı."))))
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8",
		[]byte(fmt.Sprintf(unsubscribedPage, html.EscapeString("Aboneliğiniz iptal edildi."))))
}

// --- health ---

func (a *API) healthz(c *gin.Context) {
	out := gin.H{"status": "ok"}
	jobs := a.deps.Dispatch.List()
	active := 0
	for _, j := range jobs {
		if !j.Phase.Terminal() {
			active++
		}
	}
	out["dispatch"] = gin.H{"jobs": len(jobs), "active": active}

	if a.deps.Gateway != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
		state, err := a.deps.Gateway.State(ctx)
		cancel()
		if err != nil {
			out["gateway"] = gin.H{"error": err.Error()}
		} else {
			out["gateway"] = gin.H{"state": state}
		}
	}
	if a.deps.Health != nil {
		for k, v := range a.deps.Health() {
			out[k] = v
		}
	}
	c.JSON(http.StatusOK, out)
}
