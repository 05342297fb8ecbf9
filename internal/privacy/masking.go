package privacy

import (
	"strings"

	"mailqueue/internal/constants"
)

// MaskEmail hides most of the local part of an address while keeping the
// domain, which is what operators usually need when reading delivery logs.
// Example: "jane.doe@example.com" -> "ja******@example.com"
func MaskEmail(address string) string {
	if address == "" {
		return ""
	}

	at := strings.LastIndex(address, "@")
	if at < 0 {
		return maskString(address, 0)
	}

	local, domain := address[:at], address[at:]
	keep := constants.DefaultLocalPartMaskLength
	if len(local) <= keep {
		return strings.Repeat("*", len(local)) + domain
	}
	return local[:keep] + strings.Repeat("*", len(local)-keep) + domain
}

// maskString masks a string showing only the last n characters
func maskString(s string, keepLast int) string {
	if s == "" {
		return ""
	}

	if len(s) <= keepLast {
		return strings.Repeat("*", len(s))
	}

	return strings.Repeat("*", len(s)-keepLast) + s[len(s)-keepLast:]
}

// MaskSensitiveFields applies appropriate masking to common logging fields
func MaskSensitiveFields(fields map[string]interface{}) map[string]interface{} {
	if fields == nil {
		return nil
	}

	masked := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		switch k {
		case "to", "from", "email", "recipient", "sender":
			if s, ok := v.(string); ok {
				masked[k] = MaskEmail(s)
			} else {
				masked[k] = v
			}
		case "password", "smtp_password":
			if s, ok := v.(string); ok {
				masked[k] = maskString(s, 0)
			} else {
				masked[k] = v
			}
		default:
			masked[k] = v
		}
	}

	return masked
}
