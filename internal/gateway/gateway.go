// Package gateway talks to the external messaging gateway that actually
// transmits messages. The engine only sees the adapter interface; failures
// come back as apperrors.GatewayError so the worker pool can decide between
// retry and terminal failure.
package gateway

import "context"

type Gateway interface {
	// Send transmits content to phone through the given channel account and
	// returns the gateway-issued message identifier.
	Send(ctx context.Context, channelID, phone, content string) (messageID string, err error)

	// UpdateSettings pushes channel settings to the gateway.
	UpdateSettings(ctx context.Context, channelID string, settings map[string]any) error
}
