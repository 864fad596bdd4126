package notifier

import "context"

// TextNotifier defines a minimal text notification interface.
type TextNotifier interface {
	SendText(ctx context.Context, text string) error
}

// Nop drops every message; used when no channel is configured.
type Nop struct{}

func (Nop) SendText(context.Context, string) error { return nil }

// Send renders msg and delivers it through n.
func Send(ctx context.Context, n TextNotifier, msg StructuredMessage) error {
	if n == nil {
		return nil
	}
	return n.SendText(ctx, msg.RenderMarkdown())
}
