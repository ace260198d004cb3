package port

import (
	"context"

	"github.com/speakmate/callkit/internal/core/domain"
)

// Signaler is the only surface the core needs from the signaling relay.
// Delivery is at-least-once and best-effort; the core never assumes
// cross-socket ordering. The concrete ws gateway satisfies this.
type Signaler interface {
	// Send routes one payload to a remote user, tagged with the event name.
	Send(ctx context.Context, to domain.UserID, event domain.SignalEvent, payload any) error

	// Subscribe returns a channel of inbound envelopes. cancel detaches the
	// subscriber; the channel is closed when the gateway shuts down.
	Subscribe() (ch <-chan domain.Envelope, cancel func())
}
