package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"slices"
	"strings"
	"time"
)

// LevelTrace logs individual check cookies and token fields, below debug
const LevelTrace = slog.Level(-8)

// redacted replaces the value of credential-bearing fields
const redacted = "[REDACTED]"

var level = new(slog.LevelVar)

var secretKeys = map[string]bool{
	"password":      true,
	"secret":        true,
	"client_secret": true,
	"access_token":  true,
	"refresh_token": true,
	"id_token":      true,
	"code_verifier": true,
	"cookie":        true,
}

func init() {
	lvl, err := parseLevel(os.Getenv("GATEKEEP_LOG_LEVEL"))
	if err != nil {
		lvl = slog.LevelInfo
	}
	level.Set(lvl)
	slog.SetDefault(slog.New(newHandler(os.Stderr, os.Getenv("GATEKEEP_LOG_FORMAT"))))
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "trace":
		return LevelTrace, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown GATEKEEP_LOG_LEVEL %q", s)
}

// newHandler writes text lines to w, or JSON lines when format is "json".
// Both share the level set by SetLogLevel.
func newHandler(w io.Writer, format string) slog.Handler {
	jsonLines := strings.EqualFold(format, "json")
	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			switch {
			case a.Key == slog.TimeKey && len(groups) == 0:
				if jsonLines {
					return slog.String("timestamp", a.Value.Time().UTC().Format(time.RFC3339Nano))
				}
				return slog.String(slog.TimeKey, a.Value.Time().Format("2006-01-02 15:04:05.000-07:00"))
			case a.Key == slog.LevelKey && len(groups) == 0:
				if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == LevelTrace {
					return slog.String(slog.LevelKey, "TRACE")
				}
			case secretKeys[strings.ToLower(a.Key)]:
				return slog.String(a.Key, redacted)
			}
			return a
		},
	}
	if jsonLines {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SetLogLevel changes the level of the default logger at runtime
func SetLogLevel(name string) error {
	lvl, err := parseLevel(name)
	if err != nil {
		return err
	}
	level.Set(lvl)
	LogInfoWithFields("log", "Log level changed", map[string]any{
		"level": GetLogLevel(),
	})
	return nil
}

// GetLogLevel is the name of the current level
func GetLogLevel() string {
	switch lvl := level.Level(); {
	case lvl <= LevelTrace:
		return "trace"
	case lvl <= slog.LevelDebug:
		return "debug"
	case lvl <= slog.LevelInfo:
		return "info"
	case lvl <= slog.LevelWarn:
		return "warn"
	default:
		return "error"
	}
}

func Logf(format string, args ...any) {
	slog.Default().Info(fmt.Sprintf(format, args...))
}

func LogInfo(message string) {
	slog.Default().Info(message)
}

func LogError(format string, args ...any) {
	slog.Default().Error(fmt.Sprintf(format, args...))
}

func LogWarn(format string, args ...any) {
	slog.Default().Warn(fmt.Sprintf(format, args...))
}

func LogDebug(format string, args ...any) {
	slog.Default().Debug(fmt.Sprintf(format, args...))
}

func LogTrace(format string, args ...any) {
	slog.Default().Log(context.Background(), LevelTrace, fmt.Sprintf(format, args...))
}

// buildArgs puts component first, then fields in key order
func buildArgs(component string, fields map[string]any) []any {
	args := make([]any, 0, len(fields)*2+2)
	args = append(args, "component", component)
	for _, k := range slices.Sorted(maps.Keys(fields)) {
		args = append(args, k, fields[k])
	}
	return args
}

func LogInfoWithFields(component, message string, fields map[string]any) {
	slog.Default().Info(message, buildArgs(component, fields)...)
}

func LogDebugWithFields(component, message string, fields map[string]any) {
	slog.Default().Debug(message, buildArgs(component, fields)...)
}

func LogErrorWithFields(component, message string, fields map[string]any) {
	slog.Default().Error(message, buildArgs(component, fields)...)
}

func LogWarnWithFields(component, message string, fields map[string]any) {
	slog.Default().Warn(message, buildArgs(component, fields)...)
}

func LogTraceWithFields(component, message string, fields map[string]any) {
	slog.Default().Log(context.Background(), LevelTrace, message, buildArgs(component, fields)...)
}
