package job

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

func decodePayload[T any](raw json.RawMessage) (T, error) {
	var payload T

	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &payload); err != nil {
			return payload, fmt.Errorf("invalid payload format: %w", err)
		}
	}

	if err := validate.Struct(payload); err != nil {
		if _, ok := err.(*validator.InvalidValidationError); ok {
			// non-struct payloads carry no validate tags
			return payload, nil
		}
		return payload, fmt.Errorf("payload validation failed: %w", err)
	}

	return payload, nil
}
