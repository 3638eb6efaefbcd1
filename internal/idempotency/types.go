package idempotency

import "time"

// Status values for ledger entries
const (
	StatusInProgress = "IN_PROGRESS"
	StatusDone       = "DONE"
	StatusFailed     = "FAILED"
)

// MessageRecord is the shape persisted in the processed-messages DynamoDB table.
type MessageRecord struct {
	MessageID string    `dynamodbav:"message_id"` // PK, the envelope id of the consumed event
	Status    string    `dynamodbav:"status"`
	Topic     string    `dynamodbav:"topic"`
	OrderID   string    `dynamodbav:"order_id,omitempty"`
	Result    string    `dynamodbav:"result,omitempty"` // short outcome, e.g. "queued at 3"
	Attempts  int       `dynamodbav:"attempts"`
	CreatedAt time.Time `dynamodbav:"created_at"`
	UpdatedAt time.Time `dynamodbav:"updated_at"`
	ExpiresAt int64     `dynamodbav:"expires_at"` // TTL epoch seconds
	Note      string    `dynamodbav:"note,omitempty"`
}

// Done reports whether the message was already handled successfully.
func (r *MessageRecord) Done() bool {
	return r != nil && r.Status == StatusDone
}
