package alert

import "fmt"

// DeliveryError reports a failed webhook delivery. StatusCode and Body are
// set when the endpoint answered; Err is set when it could not be reached.
type DeliveryError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("alert: delivery failed: %v", e.Err)
	}
	return fmt.Sprintf("alert: webhook returned %d: %s", e.StatusCode, e.Body)
}

func (e *DeliveryError) Unwrap() error { return e.Err }
