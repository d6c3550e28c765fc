package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"qapms.org/internal/auth"
	"qapms.org/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// requestIDFromContext extracts the audit request id from context if present.
func requestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an audit log entry enriched with request and identity context.
// Security-relevant failures (replay detection, permission denials, key
// revocations) go through here; the fine-grained reason never leaves the
// server-side log.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	now := time.Now().UTC()
	entry := map[string]any{
		"ts":    now.Format(time.RFC3339Nano),
		"type":  "audit",
		"event": event,
	}
	copyFields := make(map[string]any, len(fields))
	for k, v := range fields {
		copyFields[k] = v
	}
	entry["fields"] = copyFields

	evt := Event{Event: event, At: now, Fields: copyFields}
	if rid := requestIDFromContext(ctx); rid != "" {
		entry["request_id"] = rid
		evt.RequestID = rid
	}
	if identityID, ok := auth.IdentityIDFromContext(ctx); ok {
		entry["identity_id"] = identityID
		evt.IdentityID = identityID
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	obs.Logger().Println(string(data))
	defaultStream.Publish(evt)
	return nil
}
