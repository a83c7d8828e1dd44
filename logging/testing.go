package logging

import (
	"strings"
	"testing"

	"go.uber.org/zap/zapcore"
)

// tbAppender routes log entries to tb.Log so they show up under the test that produced
// them, in local time.
type tbAppender struct {
	tb testing.TB
}

// NewTestAppender returns an appender writing to tb.
func NewTestAppender(tb testing.TB) Appender {
	return &tbAppender{tb: tb}
}

func (a *tbAppender) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	a.tb.Helper()
	var sb strings.Builder
	sb.WriteString(entry.Time.Format(DefaultTimeFormatStr))
	for _, part := range []string{strings.ToUpper(entry.Level.String()), entry.LoggerName} {
		sb.WriteByte('\t')
		sb.WriteString(part)
	}
	if entry.Caller.Defined {
		sb.WriteByte('\t')
		sb.WriteString(callerToString(&entry.Caller))
	}
	sb.WriteByte('\t')
	sb.WriteString(entry.Message)

	var err error
	if len(fields) > 0 {
		var encoded string
		if encoded, err = encodeFields(fields); err == nil {
			sb.WriteByte('\t')
			sb.WriteString(encoded)
		}
	}
	a.tb.Log(sb.String())
	return err
}

func (a *tbAppender) Sync() error {
	return nil
}
