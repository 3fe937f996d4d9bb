package masking

import "strings"

const maskToken = "****"

// MaskSecret redacts a value while keeping a minimal suffix for auditing.
func MaskSecret(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	if len(trimmed) <= 4 {
		return maskToken
	}
	return maskToken + trimmed[len(trimmed)-4:]
}

// MaskAddress keeps the domain of an e-mail style address and masks the
// local part; other values fall back to MaskSecret.
func MaskAddress(value string) string {
	trimmed := strings.TrimSpace(value)
	at := strings.LastIndex(trimmed, "@")
	if at <= 0 || at == len(trimmed)-1 {
		return MaskSecret(trimmed)
	}
	return trimmed[:1] + maskToken + trimmed[at:]
}

// MaskFields returns a copy of input with the string values under keys
// masked. Nested maps are walked.
func MaskFields(input map[string]any, keys ...string) map[string]any {
	if len(input) == 0 {
		return nil
	}

	sensitive := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		sensitive[strings.ToLower(strings.TrimSpace(k))] = struct{}{}
	}

	out := make(map[string]any, len(input))
	for key, value := range input {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			continue
		}
		switch cast := value.(type) {
		case string:
			if _, ok := sensitive[strings.ToLower(trimmedKey)]; ok {
				value = MaskAddress(cast)
			}
		case map[string]any:
			value = MaskFields(cast, keys...)
		}
		out[trimmedKey] = value
	}
	return out
}
