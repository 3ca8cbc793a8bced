package logger

import "strings"

// RedactHandle masks a contact handle for safe logging.
// "@alexsmith" → "@al***"
// Short handles (≤2 chars) are fully masked: "@ab" → "@***"
func RedactHandle(handle string) string {
	prefix := ""
	if strings.HasPrefix(handle, "@") {
		prefix = "@"
		handle = handle[1:]
	}
	if len(handle) > 2 {
		return prefix + handle[:2] + "***"
	}
	return prefix + "***"
}

// RedactPhone masks a phone-style peer id, keeping the first digit and the
// last two. "+15551234567" → "+1***67"
func RedactPhone(phone string) string {
	digits := strings.TrimPrefix(phone, "+")
	if len(digits) < 5 {
		return "***"
	}
	out := digits[:1] + "***" + digits[len(digits)-2:]
	if strings.HasPrefix(phone, "+") {
		return "+" + out
	}
	return out
}
