// Package redact strips known secrets (the LLM API key, the Telegram bot
// token, the Matrix access token) from strings and errors before they are
// logged, printed by the CLI or sent back to a chat.
//
// Redaction works on string representations and needs the caller to pass
// the secrets it knows about. Keep secrets out of log call sites first.
package redact

import (
	"strings"
)

// Placeholder replaces every redacted value.
const Placeholder = "[REDACTED]"

// String replaces every occurrence of each sensitive value in s with
// [REDACTED]. Values shorter than 4 characters are skipped so that empty or
// placeholder settings do not mangle unrelated text.
//
//	safe := redact.String(line, cfg.LLM.APIKey, cfg.Telegram.Token)
func String(s string, sensitiveValues ...string) string {
	for _, v := range sensitiveValues {
		if len(v) < 4 {
			continue
		}
		s = strings.ReplaceAll(s, v, Placeholder)
	}
	return s
}

// Error returns err with its message redacted. errors.Is and errors.As
// still see the original chain. A nil err, or one that contains none of the
// values, is returned as is.
func Error(err error, sensitiveValues ...string) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	safe := String(msg, sensitiveValues...)
	if safe == msg {
		return err
	}
	return &redactedError{msg: safe, err: err}
}

type redactedError struct {
	msg string
	err error
}

func (e *redactedError) Error() string { return e.msg }
func (e *redactedError) Unwrap() error { return e.err }
