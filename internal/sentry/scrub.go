// Package sentry provides data scrubbing utilities for Sentry events
// to ensure sensitive information is not transmitted to the error tracking service.
package sentry

import (
	"net/url"

	"github.com/getsentry/sentry-go"
)

// sensitiveHeaders are HTTP headers that should be redacted from Sentry events.
var sensitiveHeaders = map[string]bool{
	"Authorization": true,
	"Cookie":        true,
	"Set-Cookie":    true,
	"X-Admin-Key":   true,
}

// sensitiveKeys are field names that may contain sensitive data in tags,
// breadcrumb metadata or query strings.
var sensitiveKeys = map[string]bool{
	"password":      true,
	"token":         true,
	"relay_token":   true,
	"guardToken":    true,
	"secret":        true,
	"adminKey":      true,
	"jwt":           true,
	"authorization": true,
	"cookie":        true,
}

// ScrubEvent removes sensitive data from a Sentry event before it is sent.
// It redacts sensitive headers and query parameters, strips request bodies,
// and scrubs tags.
func ScrubEvent(event *sentry.Event, hint *sentry.EventHint) *sentry.Event {
	// Scrub request data
	if event.Request != nil {
		for header := range event.Request.Headers {
			if sensitiveHeaders[header] {
				event.Request.Headers[header] = "[Filtered]"
			}
		}
		event.Request.QueryString = scrubQuery(event.Request.QueryString)
		// Command payloads may carry guard tokens.
		event.Request.Data = ""
	}

	for key := range event.Tags {
		if sensitiveKeys[key] {
			event.Tags[key] = "[Filtered]"
		}
	}

	for i := range event.Breadcrumbs {
		for key := range event.Breadcrumbs[i].Data {
			if sensitiveKeys[key] {
				event.Breadcrumbs[i].Data[key] = "[Filtered]"
			}
		}
	}

	return event
}

// ScrubTransaction applies the same scrubbing logic to transaction events.
func ScrubTransaction(event *sentry.Event, hint *sentry.EventHint) *sentry.Event {
	return ScrubEvent(event, hint)
}

func scrubQuery(raw string) string {
	if raw == "" {
		return raw
	}
	values, err := url.ParseQuery(raw)
	if err != nil {
		return "[Filtered]"
	}
	changed := false
	for key := range values {
		if sensitiveKeys[key] {
			values.Set(key, "[Filtered]")
			changed = true
		}
	}
	if !changed {
		return raw
	}
	return values.Encode()
}
