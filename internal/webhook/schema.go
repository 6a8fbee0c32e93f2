package webhook

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/rochaturbo/RochaTurbo/internal/apperrors"
)

// payloadSchema accepts any delivery shaped as entry -> changes -> value. Unknown fields are
// allowed since the provider adds fields without notice.
const payloadSchema = `{
  "type": "object",
  "properties": {
    "object": {"type": "string"},
    "entry": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "changes": {
            "type": "array",
            "items": {
              "type": "object",
              "properties": {
                "value": {
                  "type": "object",
                  "properties": {
                    "messages": {
                      "type": "array",
                      "items": {
                        "type": "object",
                        "properties": {
                          "id": {"type": "string"},
                          "from": {"type": "string"},
                          "type": {"type": "string"}
                        }
                      }
                    },
                    "statuses": {
                      "type": "array",
                      "items": {
                        "type": "object",
                        "properties": {
                          "id": {"type": "string"},
                          "status": {"type": "string"},
                          "recipient_id": {"type": "string"}
                        }
                      }
                    },
                    "contacts": {"type": "array"}
                  }
                }
              }
            }
          }
        }
      }
    }
  }
}`

var schemaLoader = gojsonschema.NewStringLoader(payloadSchema)

// ValidatePayload checks body against the delivery schema.
func ValidatePayload(body []byte) error {
	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewBytesLoader(body))
	if err != nil {
		return apperrors.Validation("invalid webhook payload", err)
	}
	if !result.Valid() {
		errs := make([]string, len(result.Errors()))
		for i, desc := range result.Errors() {
			errs[i] = desc.String()
		}
		return apperrors.Validation("invalid webhook payload",
			fmt.Errorf("schema validation failed: %s", strings.Join(errs, "; ")))
	}
	return nil
}
