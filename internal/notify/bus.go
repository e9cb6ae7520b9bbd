package notify

import "context"

// Alerter broadcasts an alert to peer agents.
type Alerter interface {
	Alert(ctx context.Context, event, title, message string) error
}

// BusSender forwards notifications to the agent bus as alert messages.
type BusSender struct {
	alerter Alerter
}

// NewBusSender creates a BusSender.
func NewBusSender(a Alerter) *BusSender {
	return &BusSender{alerter: a}
}

func (b *BusSender) Send(ctx context.Context, title, message string) error {
	return b.alerter.Alert(ctx, "", title, message)
}

func (b *BusSender) SendEvent(ctx context.Context, event, title, message string) error {
	return b.alerter.Alert(ctx, event, title, message)
}

func (b *BusSender) Name() string { return "bus" }
