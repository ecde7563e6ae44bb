package notify

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/poncho/poncho/pkg/engine"
)

// ErrInvalidNotification is matched by every InvalidNotificationError.
var ErrInvalidNotification = errors.New("invalid notification")

// InvalidNotificationError reports a notification that cannot be built.
type InvalidNotificationError struct {
	Kind   engine.NotificationKind
	Reason string
}

func (e *InvalidNotificationError) Error() string {
	return fmt.Sprintf("invalid %s notification: %s", e.Kind, e.Reason)
}

func (e *InvalidNotificationError) Is(target error) bool {
	return target == ErrInvalidNotification
}

// Delivery channels.
const (
	ChannelWebhook = "webhook"
	ChannelMail    = "mail"
)

// DeliveryError reports a failed delivery to one target.
type DeliveryError struct {
	Channel    string
	Target     string
	StatusCode int
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s delivery to %s failed with status %d", e.Channel, e.Target, e.StatusCode)
	}
	return fmt.Sprintf("%s delivery to %s failed: %v", e.Channel, e.Target, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Temporary reports whether a later attempt may succeed. Client errors
// other than 429 are final.
func (e *DeliveryError) Temporary() bool {
	if e.StatusCode == 0 {
		return true
	}
	return retryableStatus(e.StatusCode)
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}
