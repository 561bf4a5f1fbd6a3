package domain

import (
	"net/url"
	"time"
)

// Author is the sender of an inbound message as seen by the platform.
type Author struct {
	ID        string
	Username  string // global account name
	Nick      string // guild nickname carried by the event, if any
	HasMember bool   // the event carried guild member data, so Nick is authoritative
	AvatarURL string // empty when the account has no avatar
	Bot       bool
}

type InboundMessage struct {
	ID          string
	ChannelID   string
	GuildID     string
	Author      Author
	Content     string
	Attachments []string // attachment URLs, in message order
	Timestamp   time.Time
}

// DeliveryTarget identifies the destination webhook.
type DeliveryTarget struct {
	WebhookID string
	Token     string
}

// Webhook is a resolved destination webhook.
type Webhook struct {
	ID        string
	Token     string
	ChannelID string
	Name      string
}

// OutboundDelivery is the message reconstructed for the destination.
type OutboundDelivery struct {
	Content   string
	Username  string
	AvatarURL string
	Files     []*url.URL
}
