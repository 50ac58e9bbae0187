package dto

import "encoding/json"

// WebhookPayload is the input of the webhook job. Method defaults to POST
// and Timeout, in seconds, to 10.
type WebhookPayload struct {
	URL     string            `json:"url" validate:"required,url"`
	Method  string            `json:"method,omitempty" validate:"omitempty,oneof=POST PUT PATCH"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
	Timeout int               `json:"timeout,omitempty" validate:"gte=0,lte=60"`
}
