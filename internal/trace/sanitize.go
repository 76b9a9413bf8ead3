package trace

import (
	"fmt"
	"strings"
)

const redactedPlaceholder = "[redacted]"

// secretKeys are replaced with a placeholder wherever they appear.
var secretKeys = map[string]bool{
	"apikey":  true,
	"api_key": true,
	"secrets": true,
}

// imageKeys hold base64 image payloads and are summarized instead of logged.
var imageKeys = map[string]bool{
	"image_b64": true,
	"data":      true,
	"b64":       true,
	"base64":    true,
}

// sanitize walks a payload applying redaction and string truncation. The
// input is never mutated.
func sanitize(value interface{}, truncateChars int) interface{} {
	switch typed := value.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(typed))
		for key, child := range typed {
			lower := strings.ToLower(key)
			switch {
			case secretKeys[lower]:
				out[key] = redactedPlaceholder
			case imageKeys[lower]:
				if s, ok := child.(string); ok {
					out[key] = fmt.Sprintf("[omitted base64 image: %d chars]", len(s))
				} else {
					out[key] = sanitize(child, truncateChars)
				}
			default:
				out[key] = sanitize(child, truncateChars)
			}
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(typed))
		for i, child := range typed {
			out[i] = sanitize(child, truncateChars)
		}
		return out
	case string:
		return truncateString(typed, truncateChars)
	default:
		return value
	}
}

func truncateString(s string, truncateChars int) string {
	if truncateChars <= 0 || len(s) <= truncateChars {
		return s
	}
	dropped := len(s) - truncateChars
	return fmt.Sprintf("%s… [truncated %d chars]", s[:truncateChars], dropped)
}
