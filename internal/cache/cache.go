package cache

import (
	"context"
	"time"
)

// Receipt is the cached delivery record of a completed job.
type Receipt struct {
	GatewayMessageID string    `json:"gatewayMessageId"`
	SentAt           time.Time `json:"sentAt"`
}

// ReceiptCache stores the gateway message identifier for a completed job so
// operators can look up recent deliveries without hitting the job table.
type ReceiptCache interface {
	StoreReceipt(ctx context.Context, jobID, gatewayMessageID string, sentAt time.Time) error
	// GetReceipt returns nil without error when no receipt is cached for
	// the job (expired, evicted, or never sent).
	GetReceipt(ctx context.Context, jobID string) (*Receipt, error)
}
