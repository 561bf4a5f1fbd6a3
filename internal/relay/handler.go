// Package relay forwards messages from the source channel to the
// destination webhook, one independent relay per inbound event.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"relaybot/internal/bus"
	"relaybot/internal/domain"

	"github.com/google/uuid"
)

// Failure stages recorded on outcomes.
const (
	StageResolveWebhook = "resolve_webhook"
	StageExecute        = "execute"
	StagePanic          = "panic"
)

// Config configures a Handler. All fields except Events are required.
type Config struct {
	SourceChannelID   string
	Target            domain.DeliveryTarget
	FallbackAvatarURL string
	Platform          domain.Platform
	Events            *bus.EventBus // optional
	Logger            *slog.Logger
}

// Handler relays inbound messages. It holds no per-message state and is
// safe to call from many goroutines at once.
type Handler struct {
	source         string
	target         domain.DeliveryTarget
	fallbackAvatar string
	platform       domain.Platform
	events         *bus.EventBus
	logger         *slog.Logger

	// mu orders admission against Shutdown so no relay is added to
	// inflight once Shutdown has started waiting.
	mu       sync.Mutex
	closing  bool
	inflight sync.WaitGroup

	// abort is cancelled when Shutdown gives up on in-flight relays.
	abort       context.Context
	cancelAbort context.CancelFunc
}

func NewHandler(cfg Config) *Handler {
	abort, cancel := context.WithCancel(context.Background())
	return &Handler{
		source:         cfg.SourceChannelID,
		target:         cfg.Target,
		fallbackAvatar: cfg.FallbackAvatarURL,
		platform:       cfg.Platform,
		events:         cfg.Events,
		logger:         cfg.Logger,
		abort:          abort,
		cancelAbort:    cancel,
	}
}

// OnMessage relays msg if it was posted in the source channel. Failures
// are logged and reported as outcome events; nothing is retried.
//
// Cancelling ctx does not abort a relay that has started: the network calls
// run until they finish or Shutdown times out. Messages arriving after
// Shutdown has begun are not relayed.
func (h *Handler) OnMessage(ctx context.Context, msg domain.InboundMessage) {
	start := time.Now()

	if msg.ChannelID != h.source {
		h.logger.Debug("no message sent", "channel_id", msg.ChannelID, "message_id", msg.ID)
		return
	}

	if !h.admit() {
		h.logger.Warn("shutting down, message not relayed", "message_id", msg.ID)
		return
	}
	defer h.inflight.Done()

	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	stop := context.AfterFunc(h.abort, cancel)
	defer stop()

	outcome := domain.Outcome{
		RelayID:   uuid.NewString(),
		MessageID: msg.ID,
		ChannelID: msg.ChannelID,
		AuthorID:  msg.Author.ID,
	}
	log := h.logger.With("relay_id", outcome.RelayID, "message_id", msg.ID, "channel_id", msg.ChannelID)

	h.emit(bus.EventRelayStarted, outcome, "")

	defer func() {
		if r := recover(); r != nil {
			log.Error("relay panic", "panic", r)
			h.fail(outcome, StagePanic, fmt.Errorf("panic: %v", r), start)
		}
	}()

	wh, err := h.platform.ResolveWebhook(ctx, h.target)
	if err != nil {
		log.Error("resolve webhook failed", "webhook_id", h.target.WebhookID, "err", err)
		h.fail(outcome, StageResolveWebhook, err, start)
		return
	}

	username := h.displayName(ctx, log, msg)
	files, dropped := h.parseAttachments(log, outcome, msg.Attachments)

	delivery := domain.OutboundDelivery{
		Content:   msg.Content,
		Username:  username,
		AvatarURL: h.avatarURL(msg.Author),
		Files:     files,
	}

	res, err := h.platform.ExecuteWebhook(ctx, wh, delivery)
	for _, u := range res.Dropped {
		h.emit(bus.EventAttachmentDropped, outcome, u)
	}
	outcome.FilesSent = res.FilesSent
	outcome.FilesDropped = dropped + len(res.Dropped)

	if err != nil {
		log.Error("webhook execute failed", "elapsed", time.Since(start), "err", err)
		h.fail(outcome, StageExecute, err, start)
		return
	}

	outcome.Status = domain.OutcomeDelivered
	outcome.Elapsed = time.Since(start)
	attrs := []any{
		"author", username,
		"bot", msg.Author.Bot,
		"files", outcome.FilesSent,
		"dropped", outcome.FilesDropped,
		"elapsed", outcome.Elapsed,
	}
	if !msg.Timestamp.IsZero() {
		// Time since the message was posted, including gateway delivery.
		attrs = append(attrs, "age", time.Since(msg.Timestamp).Round(time.Millisecond))
	}
	log.Info("webhook sent", attrs...)
	h.emit(bus.EventRelayDelivered, outcome, "")
}

func (h *Handler) admit() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return false
	}
	h.inflight.Add(1)
	return true
}

// Shutdown stops admitting new relays and waits for in-flight ones to
// finish. If ctx is done first, the remaining relays are cancelled and
// ctx's error is returned.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		h.cancelAbort()
		return ctx.Err()
	}
}

// displayName prefers the guild nickname and falls back to the account name.
func (h *Handler) displayName(ctx context.Context, log *slog.Logger, msg domain.InboundMessage) string {
	if msg.GuildID == "" {
		return msg.Author.Username
	}
	nick, err := h.platform.Nickname(ctx, msg)
	if err != nil {
		log.Warn("nickname lookup failed, using account name", "author_id", msg.Author.ID, "err", err)
		return msg.Author.Username
	}
	if nick == "" {
		return msg.Author.Username
	}
	return nick
}

func (h *Handler) avatarURL(a domain.Author) string {
	if a.AvatarURL != "" {
		return a.AvatarURL
	}
	return h.fallbackAvatar
}

// parseAttachments keeps the attachment URLs that parse as absolute URLs,
// in order, and reports how many were dropped.
func (h *Handler) parseAttachments(log *slog.Logger, outcome domain.Outcome, raw []string) ([]*url.URL, int) {
	files := make([]*url.URL, 0, len(raw))
	dropped := 0
	for _, s := range raw {
		u, err := parseAttachmentURL(s)
		if err != nil {
			log.Warn("dropping attachment", "url", s, "err", err)
			h.emit(bus.EventAttachmentDropped, outcome, s)
			dropped++
			continue
		}
		files = append(files, u)
	}
	return files, dropped
}

func parseAttachmentURL(s string) (*url.URL, error) {
	u, err := url.Parse(s)
	if err != nil {
		return nil, err
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, fmt.Errorf("not an absolute URL: %q", s)
	}
	return u, nil
}

func (h *Handler) fail(outcome domain.Outcome, stage string, err error, start time.Time) {
	outcome.Status = domain.OutcomeFailed
	outcome.Stage = stage
	outcome.Err = err.Error()
	outcome.Elapsed = time.Since(start)
	h.emit(bus.EventRelayFailed, outcome, "")
}

func (h *Handler) emit(eventType string, outcome domain.Outcome, detail string) {
	if h.events == nil {
		return
	}
	h.events.Emit(bus.Event{Type: eventType, Source: "relay", Outcome: outcome, Detail: detail})
}
