package disconnect

import (
	"context"
	"fmt"

	"github.com/codelaboratoryltd/radsync/pkg/radius"
)

// Disconnecter sends RFC 5176 Disconnect-Requests.
type Disconnecter interface {
	Disconnect(ctx context.Context, req *radius.DisconnectRequest) (*radius.DisconnectResponse, error)
}

// CoAChannel disconnects through a Disconnect-Request to the NAS.
type CoAChannel struct {
	client Disconnecter
}

// NewCoAChannel creates the CoA channel.
func NewCoAChannel(client Disconnecter) *CoAChannel {
	return &CoAChannel{client: client}
}

// Name implements Channel.
func (c *CoAChannel) Name() string { return "coa" }

// Disconnect implements Channel. A NAK is a failure carrying the Error-Cause.
func (c *CoAChannel) Disconnect(ctx context.Context, target Target, reason string) error {
	resp, err := c.client.Disconnect(ctx, &radius.DisconnectRequest{
		NASAddress: target.NASAddress,
		Username:   target.Username,
		SessionID:  target.SessionID,
		FramedIP:   target.FramedIP,
	})
	if err != nil {
		return err
	}
	if !resp.Acked {
		return fmt.Errorf("disconnect NAK: %s", radius.ErrorCauseText(resp.ErrorCause))
	}
	return nil
}
