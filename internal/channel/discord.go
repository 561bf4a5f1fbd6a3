package channel

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"time"

	"relaybot/internal/domain"

	"github.com/bwmarrin/discordgo"
)

// maxAttachmentBytes is Discord's upload limit for unboosted guilds.
const maxAttachmentBytes = 25 << 20

// Intents requested on the gateway. Message content is needed to see text.
const Intents = discordgo.IntentsGuildMessages | discordgo.IntentsMessageContent

// Discord connects to the Discord gateway and implements domain.Platform
// over the REST API.
type Discord struct {
	session *discordgo.Session
	logger  *slog.Logger
}

// DiscordConfig configures the Discord channel.
type DiscordConfig struct {
	Token       string
	HTTPTimeout time.Duration // per request, REST and downloads; default 30s
	Logger      *slog.Logger
}

// NewDiscord creates the Discord session. No connection is made until Start.
func NewDiscord(cfg DiscordConfig) (*Discord, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	session.Identify.Intents = Intents
	session.Client = newHTTPClient(cfg.HTTPTimeout)

	return &Discord{session: session, logger: cfg.Logger}, nil
}

// Start connects to the gateway and calls onMessage for every message
// created in a channel the bot can see. discordgo runs each call on its own
// goroutine. Start blocks until ctx is cancelled.
func (d *Discord) Start(ctx context.Context, onMessage func(context.Context, domain.InboundMessage)) error {
	d.session.AddHandler(func(s *discordgo.Session, r *discordgo.Ready) {
		d.logger.Info("discord gateway ready", "user", r.User.Username, "guilds", len(r.Guilds))
	})
	d.session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Message == nil || m.Author == nil {
			return
		}
		onMessage(ctx, ToInbound(m))
	})

	if err := d.session.Open(); err != nil {
		return fmt.Errorf("discord connect: %w", err)
	}

	d.logger.Info("discord bot connected", "intents", int(Intents))

	<-ctx.Done()
	d.logger.Info("discord bot disconnecting")
	return d.session.Close()
}

// ToInbound converts a gateway event into the relay's message model.
func ToInbound(m *discordgo.MessageCreate) domain.InboundMessage {
	msg := domain.InboundMessage{
		ID:        m.ID,
		ChannelID: m.ChannelID,
		GuildID:   m.GuildID,
		Content:   m.Content,
		Timestamp: m.Timestamp,
	}
	if m.Author != nil {
		msg.Author = domain.Author{
			ID:       m.Author.ID,
			Username: m.Author.Username,
			Bot:      m.Author.Bot,
		}
		// AvatarURL falls back to a default avatar; only the author's own counts.
		if m.Author.Avatar != "" {
			msg.Author.AvatarURL = m.Author.AvatarURL("")
		}
	}
	if m.Member != nil {
		msg.Author.HasMember = true
		msg.Author.Nick = m.Member.Nick
	}
	for _, a := range m.Attachments {
		if a == nil {
			continue
		}
		msg.Attachments = append(msg.Attachments, a.URL)
	}
	return msg
}

// Nickname returns the author's guild nickname. The member data carried by
// the event is authoritative; otherwise the state cache and then the REST
// API are consulted.
func (d *Discord) Nickname(ctx context.Context, msg domain.InboundMessage) (string, error) {
	if msg.Author.HasMember || msg.Author.Nick != "" {
		return msg.Author.Nick, nil
	}
	if msg.GuildID == "" {
		return "", nil
	}
	if m, err := d.session.State.Member(msg.GuildID, msg.Author.ID); err == nil {
		return m.Nick, nil
	}
	m, err := d.session.GuildMember(msg.GuildID, msg.Author.ID, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("guild member %s: %w", msg.Author.ID, err)
	}
	return m.Nick, nil
}

// ResolveWebhook fetches the destination webhook with its token.
func (d *Discord) ResolveWebhook(ctx context.Context, target domain.DeliveryTarget) (*domain.Webhook, error) {
	wh, err := d.session.WebhookWithToken(target.WebhookID, target.Token, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("webhook %s: %w", target.WebhookID, err)
	}
	return &domain.Webhook{
		ID:        wh.ID,
		Token:     wh.Token,
		ChannelID: wh.ChannelID,
		Name:      wh.Name,
	}, nil
}

// ExecuteWebhook uploads the delivery through the webhook with wait=false.
// Files are downloaded first; any that cannot be fetched are left out and
// reported in the result.
func (d *Discord) ExecuteWebhook(ctx context.Context, wh *domain.Webhook, del domain.OutboundDelivery) (domain.ExecuteResult, error) {
	if wh.Token == "" {
		return domain.ExecuteResult{}, fmt.Errorf("webhook %s has no token", wh.ID)
	}
	params, res := d.buildParams(ctx, del)

	if _, err := d.session.WebhookExecute(wh.ID, wh.Token, false, params, discordgo.WithContext(ctx)); err != nil {
		return res, fmt.Errorf("execute webhook %s: %w", wh.ID, err)
	}
	return res, nil
}

func (d *Discord) buildParams(ctx context.Context, del domain.OutboundDelivery) (*discordgo.WebhookParams, domain.ExecuteResult) {
	params := &discordgo.WebhookParams{
		Content:   del.Content,
		Username:  del.Username,
		AvatarURL: del.AvatarURL,
	}
	var res domain.ExecuteResult
	for _, u := range del.Files {
		f, err := d.download(ctx, u)
		if err != nil {
			d.logger.Warn("dropping attachment", "url", u.String(), "err", err)
			res.Dropped = append(res.Dropped, u.String())
			continue
		}
		params.Files = append(params.Files, f)
	}
	res.FilesSent = len(params.Files)
	return params, res
}

func (d *Discord) download(ctx context.Context, u *url.URL) (*discordgo.File, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.session.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download: HTTP %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAttachmentBytes+1))
	if err != nil {
		return nil, fmt.Errorf("download: %w", err)
	}
	if len(data) > maxAttachmentBytes {
		return nil, fmt.Errorf("download: larger than %d bytes", maxAttachmentBytes)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	return &discordgo.File{
		Name:        fileName(u),
		ContentType: contentType,
		Reader:      bytes.NewReader(data),
	}, nil
}

// fileName derives an upload name from the last path segment of u.
func fileName(u *url.URL) string {
	name := path.Base(u.Path)
	if name == "" || name == "." || name == "/" {
		return "attachment"
	}
	return name
}
