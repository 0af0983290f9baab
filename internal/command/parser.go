package command

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotCommand is returned when the text is not a transcription command at
// all; the caller should ignore the message.
var ErrNotCommand = errors.New("not a transcription command")

// ParseErrorKind identifies which field of a command was malformed.
type ParseErrorKind string

const (
	UnknownOption   ParseErrorKind = "unknown_option"
	UnknownModel    ParseErrorKind = "unknown_model"
	UnknownLanguage ParseErrorKind = "unknown_language"
	UnknownTimezone ParseErrorKind = "unknown_timezone"
)

// ParseError rejects a whole command: no per-field silent defaulting.
type ParseError struct {
	Kind  ParseErrorKind
	Token string
}

func (e *ParseError) Error() string {
	switch e.Kind {
	case UnknownOption:
		return fmt.Sprintf("unknown option %q (expected model=, lang=, tz=)", e.Token)
	case UnknownModel:
		return fmt.Sprintf("unknown model %q (supported: %s)", e.Token, strings.Join(ModelOrder, ", "))
	case UnknownLanguage:
		return fmt.Sprintf("unknown language code %q", e.Token)
	case UnknownTimezone:
		return fmt.Sprintf("unknown timezone %q", e.Token)
	}
	return string(e.Kind)
}

// Options is a validated, immutable option set for one transcription command.
type Options struct {
	Model     string
	Languages []string // preference order, deduplicated
	Timezone  string
	Location  *time.Location
}

// Canonical returns the canonical re-serialization of the options. Parsing
// it again yields an equal option set.
func (o Options) Canonical() string {
	return fmt.Sprintf("/tr model=%s lang=%s tz=%s", o.Model, strings.Join(o.Languages, ","), o.Timezone)
}

var aliases = map[string]struct{}{
	"tr":            {},
	"ts":            {},
	"transcription": {},
}

// IsCommand reports whether text, trimmed, starts with one of the command
// aliases (case-insensitive, "@bot" suffix tolerated).
func IsCommand(text string) bool {
	head, _, _ := strings.Cut(strings.TrimSpace(text), " ")
	return matchAlias(head)
}

func matchAlias(token string) bool {
	if !strings.HasPrefix(token, "/") {
		return false
	}
	name := strings.ToLower(strings.TrimPrefix(token, "/"))
	name, _, _ = strings.Cut(name, "@")
	_, ok := aliases[name]
	return ok
}

// Parse turns raw command text into a validated option set. Missing keys are
// filled from defaults. Pure function of its inputs.
//
// Returns ErrNotCommand when the text does not start with a command alias,
// and a *ParseError when any token is malformed.
func Parse(raw string, defaults Options) (Options, error) {
	fields := strings.Fields(strings.TrimSpace(raw))
	if len(fields) == 0 || !matchAlias(fields[0]) {
		return Options{}, ErrNotCommand
	}

	opts := Options{
		Model:     defaults.Model,
		Languages: append([]string(nil), defaults.Languages...),
		Timezone:  defaults.Timezone,
		Location:  defaults.Location,
	}

	for _, tok := range fields[1:] {
		key, value, found := strings.Cut(tok, "=")
		if !found {
			return Options{}, &ParseError{Kind: UnknownOption, Token: tok}
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)

		switch key {
		case "model":
			name := strings.ToLower(value)
			if !KnownModel(name) {
				return Options{}, &ParseError{Kind: UnknownModel, Token: value}
			}
			opts.Model = name

		case "lang":
			langs, err := parseLanguages(value)
			if err != nil {
				return Options{}, err
			}
			opts.Languages = langs

		case "tz":
			loc, err := time.LoadLocation(value)
			if err != nil {
				return Options{}, &ParseError{Kind: UnknownTimezone, Token: value}
			}
			opts.Timezone = value
			opts.Location = loc

		default:
			return Options{}, &ParseError{Kind: UnknownOption, Token: key}
		}
	}

	if len(opts.Languages) == 0 {
		return Options{}, &ParseError{Kind: UnknownLanguage, Token: ""}
	}
	return opts, nil
}

// parseLanguages validates a comma-separated language list, preserving the
// insertion order as preference order and dropping repeats.
func parseLanguages(value string) ([]string, error) {
	var langs []string
	seen := make(map[string]struct{})
	for _, part := range strings.Split(value, ",") {
		code := strings.ToLower(strings.TrimSpace(part))
		if code == "" {
			continue
		}
		if !KnownLanguage(code) {
			return nil, &ParseError{Kind: UnknownLanguage, Token: code}
		}
		if _, dup := seen[code]; dup {
			continue
		}
		seen[code] = struct{}{}
		langs = append(langs, code)
	}
	if len(langs) == 0 {
		return nil, &ParseError{Kind: UnknownLanguage, Token: value}
	}
	return langs, nil
}

// DefaultsFromConfig builds the process-wide default option set. The
// timezone must be valid; the language list must be non-empty and known.
func DefaultsFromConfig(model, languages, timezone string) (Options, error) {
	if !KnownModel(model) {
		return Options{}, fmt.Errorf("default model %q not in catalog", model)
	}
	langs, err := parseLanguages(languages)
	if err != nil {
		return Options{}, fmt.Errorf("default languages invalid: %w", err)
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return Options{}, fmt.Errorf("default timezone invalid: %w", err)
	}
	return Options{Model: model, Languages: langs, Timezone: timezone, Location: loc}, nil
}
