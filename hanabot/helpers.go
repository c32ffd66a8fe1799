package hanabot

import (
	"context"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"log/slog"
	"reflect"
	"runtime/debug"
	"strings"
	"unicode/utf8"
)

// structToSlogValue converts a struct to a slog.Value, using the struct's
// JSON tag as the key for each field, if set.
// If the `log` tag is set, the value specified will override the
// field's actual value. Ex: `log:"REDACTED"` will cause "REDACTED" to
// be shown as the field's value.
func structToSlogValue(v any) slog.Value {
	typ := reflect.TypeOf(v)
	if typ == nil {
		return slog.AnyValue(nil)
	}
	val := reflect.ValueOf(v)

	if typ.Kind() == reflect.Ptr {
		if val.IsNil() {
			return slog.AnyValue(nil)
		}
		val = val.Elem()
		typ = typ.Elem()
	}

	if typ.Kind() != reflect.Struct {
		return slog.AnyValue(v)
	}

	var groupAttrs []slog.Attr

	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)
		jsonTag, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if jsonTag == "-" {
			jsonTag = ""
		}
		if jsonTag == "" {
			jsonTag = field.Name
		}

		fv := val.Field(i)
		if !fv.CanInterface() {
			continue
		}

		logTag := field.Tag.Get("log")
		if logTag != "" {
			groupAttrs = append(
				groupAttrs,
				slog.Attr{Key: jsonTag, Value: slog.StringValue(logTag)},
			)
			continue
		}

		// skip values that are nil or empty
		skip := false
		switch fv.Kind() {
		case reflect.Ptr:
			if fv.IsNil() {
				skip = true
			}
		case reflect.Map, reflect.Slice:
			if fv.IsNil() || fv.Len() == 0 {
				skip = true
			}
		case reflect.String:
			if fv.Len() == 0 {
				skip = true
			}
		}

		if skip {
			continue
		}

		groupAttrs = append(
			groupAttrs,
			slog.Attr{Key: jsonTag, Value: structToSlogValue(fv.Interface())},
		)
	}

	return slog.GroupValue(groupAttrs...)
}

// shortenString reduces the size of the input string to a specified limit.
//
// This function attempts to minimize the input string by removing double newlines
// and asterisks. If the string is still too long, it truncates the string and appends
// a suffix indicating that the output limit was reached.
//
// Parameters:
//   - s: The input string to be shortened.
//   - limit: The maximum length (in characters) of the output string.
//
// Returns:
//   - string: The shortened string, possibly truncated with a suffix.
func shortenString(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	s = strings.ReplaceAll(s, "\n\n", "\n")
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	s = strings.ReplaceAll(s, "**", "")
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	suffix := "\n\n**(字數超過上限)**"
	suffixLen := utf8.RuneCountInString(suffix)
	if limit-suffixLen <= 0 {
		return strings.TrimSpace(truncate(s, limit))
	}
	return strings.TrimSpace(truncate(s, limit-suffixLen) + suffix)
}

// truncate shortens the input string to a specified number of characters.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}

// handleRecover logs a recovered panic value along with the stack trace
func handleRecover(ctx context.Context, rc any) {
	logger := contextLoggerOr(ctx, nil)
	stackTrace := string(debug.Stack())
	switch v := rc.(type) {
	case error:
		logger.ErrorContext(
			ctx,
			"recovered from panic",
			tint.Err(v),
			"stack_trace", stackTrace,
		)
	case string:
		logger.ErrorContext(
			ctx,
			"recovered from panic",
			tint.Err(errors.New(v)),
			"stack_trace", stackTrace,
		)
	default:
		logger.ErrorContext(
			ctx,
			"recovered from panic",
			"panic_arg", fmt.Sprintf("%#v", rc),
			"stack_trace", stackTrace,
		)
	}
}
