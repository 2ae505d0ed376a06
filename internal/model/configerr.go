package model

import (
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"

	cue "cuelang.org/go/cue"
	cueerrors "cuelang.org/go/cue/errors"
)

// CueErrorDetail is one humanized schema violation of an openchecker.yaml.
type CueErrorDetail struct {
	Path    string // broker.url
	Code    string // missing_required | unknown_field | type_mismatch | conflicting_values | invalid_enum | validation_error
	Message string
	Pos     CueErrorPosition
	Raw     string
}

func (c CueErrorDetail) Attr(name string) slog.Attr {
	return slog.GroupAttrs(
		name,
		slog.String("code", c.Code),
		slog.String("path", c.Path),
		slog.String("message", c.Message),
		slog.String("file", c.Pos.Filename),
		slog.Int("line", c.Pos.Line),
		slog.Int("column", c.Pos.Column),
	)
}

type CueErrorPosition struct {
	Filename string
	Line     int
	Column   int
}

// classifiers are tried in order, the first match wins.
var classifiers = []struct {
	re     *regexp.Regexp
	code   string
	format string
}{
	{regexp.MustCompile(`(?i)not allowed|unknown field`), "unknown_field", "Field %s is not allowed"},
	{regexp.MustCompile(`(?i)incomplete value`), "missing_required", "Field %s is required"},
	{regexp.MustCompile(`(?i)must be one of|expected one of`), "invalid_enum", "Field %s has invalid value"},
	{regexp.MustCompile(`(?i)conflicting values|cannot unify|incompatible`), "conflicting_values", "Conflicting values for %s"},
	{regexp.MustCompile(`(?i)invalid value .* \(does not match|out of bound|expected .* got .*`), "type_mismatch", "Field %s has wrong type/value"},
}

// hints explain the expected shape of fields, keyed by the last path element.
var hints = map[string]string{
	"url":              "expected an amqp:// or amqps:// url",
	"api_url":          "expected an http:// or https:// url",
	"heartbeat":        "expected a duration like 30s",
	"reconnect_delay":  "expected a duration like 60s",
	"check_timeout":    "expected a duration like 10m",
	"timeout":          "expected a duration like 30s",
	"initial_interval": "expected a duration like 1s",
	"token_expire":     "expected a duration like 30m",
	"max_age":          "expected a duration like 6h",
	"password_hash":    "expected a bcrypt hash, see openchecker hash-password",
	"signing_key":      "a non empty secret is needed to sign tokens",
	"version":          "only version 0 is supported",
}

// CueErrDetails converts an error returned by LoadConfig into a list of
// human readable details. Non CUE errors produce no details.
func CueErrDetails(err error) []CueErrorDetail {
	if err == nil {
		return nil
	}
	seen := make(map[CueErrorPosition]struct{})
	var out []CueErrorDetail
	for _, e := range cueerrors.Errors(err) {
		pos := position(e)
		if pos.Filename == "" {
			continue
		}
		if _, ok := seen[pos]; ok {
			continue
		}
		seen[pos] = struct{}{}

		raw, args := e.Msg()
		path := normalizePath(e.Path())
		d := CueErrorDetail{Path: path, Pos: pos, Raw: fmt.Sprintf(raw, args...)}
		d.Code, d.Message = classify(d.Raw, path)
		out = append(out, d)
	}
	return out
}

func classify(raw, path string) (code, msg string) {
	field := path[strings.LastIndexByte(path, '.')+1:]
	code, msg = "validation_error", raw
	for _, c := range classifiers {
		if c.re.MatchString(raw) {
			code, msg = c.code, fmt.Sprintf(c.format, field)
			break
		}
	}
	if code == "missing_required" && !schema.LookupPath(cue.ParsePath(path)).Exists() {
		code = "validation_error"
	}
	if code == "invalid_enum" || code == "conflicting_values" {
		if values, def := enumStrings(schema.LookupPath(cue.ParsePath(path))); len(values) > 1 {
			msg += fmt.Sprintf(": possible values (%s)", strings.Join(values, ","))
			if def != "" {
				msg += fmt.Sprintf(" (default %s)", def)
			}
			return code, msg
		}
	}
	if h, ok := hints[field]; ok && code != "unknown_field" {
		msg += ": " + h
	}
	return code, msg
}

// enumStrings lists the string alternatives of a disjunction and its default.
func enumStrings(v cue.Value) (values []string, def string) {
	if d, ok := v.Default(); ok {
		def, _ = d.String()
	}
	op, args := v.Expr()
	if op != cue.OrOp {
		return nil, def
	}
	for _, a := range args {
		if s, err := a.String(); err == nil && !slices.Contains(values, s) {
			values = append(values, s)
		}
	}
	return values, def
}

func position(err cueerrors.Error) CueErrorPosition {
	for _, r := range cueerrors.Positions(err) {
		if r.Filename() != "" {
			return CueErrorPosition{Filename: r.Filename(), Line: r.Line(), Column: r.Column()}
		}
	}
	return CueErrorPosition{}
}

// normalizePath drops the leading #Config definition.
func normalizePath(p []string) string {
	if len(p) > 0 && strings.HasPrefix(p[0], "#") {
		p = p[1:]
	}
	return strings.Join(p, ".")
}
