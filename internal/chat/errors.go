package chat

import (
	"errors"
	"fmt"
)

var ErrAlreadyDelivered = errors.New("message already delivered")

// SendFailure reports a message that was rolled back after the send call
// failed. Pass it to Conversation.Retry to resend with the same ClientID.
type SendFailure struct {
	ShipmentID string
	ClientID   string
	Content    string
	Err        error
}

func (e *SendFailure) Error() string {
	return fmt.Sprintf("send message %s to shipment %s: %v", e.ClientID, e.ShipmentID, e.Err)
}

func (e *SendFailure) Unwrap() error {
	return e.Err
}
