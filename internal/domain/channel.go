package domain

import "context"

// Platform is the chat-platform HTTP API the relay talks to.
type Platform interface {
	// Nickname returns the guild-scoped nickname of the message author,
	// or "" when none is set.
	Nickname(ctx context.Context, msg InboundMessage) (string, error)
	ResolveWebhook(ctx context.Context, target DeliveryTarget) (*Webhook, error)
	// ExecuteWebhook posts d through wh without waiting for the created message.
	ExecuteWebhook(ctx context.Context, wh *Webhook, d OutboundDelivery) (ExecuteResult, error)
}

// ExecuteResult reports what actually went out with a webhook call.
type ExecuteResult struct {
	FilesSent int
	Dropped   []string // file URLs that could not be attached
}
