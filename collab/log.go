package collab

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// Logging convention in the `collab` package, with glog:
// Info:
//     abnormal but expected events. This level should be silent on normal operation.
//     this includes:
//     - connection loss, reconnect attempts, exhausted retries
//     - malformed inbound frames
//     - failed sends and failed saves
// Warning:
//     local events that were dropped or refused by policy
//     this includes:
//     - events without a cell id
//     - local edits while read only
//     - nested atomic operations
// V(1):
//     state transitions and lifecycle events with ids that can be used to filter
// V(2):
//     per message traces (send, receive, ack, skip)
//
// Credentials must never reach a log line or an error message in cleartext.
// Every address is logged through `RedactUrl` and every transport error message
// passes through `RedactText`.

const redactedValue = "REDACTED"

var redactQueryPattern = regexp.MustCompile(
	`(?i)([?&](?:access_token|id_token|refresh_token|token|jwt|auth|authorization|api_key|apikey|key|password|secret)=)([^&#\s"':),]*)`,
)

var redactUserInfoPattern = regexp.MustCompile(`(://[^:/@\s]+):([^@/\s]+)@`)

var redactBearerPattern = regexp.MustCompile(`(?i)(bearer\s+)([A-Za-z0-9\-._~+/]+=*)`)

// RedactUrl replaces credential query values and userinfo passwords.
// The rest of the url is left as is so that the host and path remain useful in logs.
func RedactUrl(address string) string {
	out := redactQueryPattern.ReplaceAllString(address, "${1}"+redactedValue)
	out = redactUserInfoPattern.ReplaceAllString(out, "${1}:"+redactedValue+"@")
	return out
}

// RedactText redacts credentials embedded in free text, e.g. an error message
// that quotes the dial url. Each of `addresses` is replaced with its redacted form first.
func RedactText(text string, addresses ...string) string {
	for _, address := range addresses {
		if address == "" {
			continue
		}
		text = strings.ReplaceAll(text, address, RedactUrl(address))
	}
	text = RedactUrl(text)
	text = redactBearerPattern.ReplaceAllString(text, "${1}"+redactedValue)
	return text
}

// truncate to at most `maxLength` bytes, marking the cut
func truncate(s string, maxLength int) string {
	if maxLength <= 0 || len(s) <= maxLength {
		return s
	}
	end := maxLength
	for 0 < end && !utf8.RuneStart(s[end]) {
		end -= 1
	}
	return s[:end] + "..."
}
