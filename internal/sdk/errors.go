package sdk

import "fmt"

// APIError is the server's structured error body for non-2xx
// responses. 4xx responses surface without being retried; 5xx
// responses surface once the transport's retries are exhausted.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"-"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("api error %d: %s", e.Status, e.Message)
}
