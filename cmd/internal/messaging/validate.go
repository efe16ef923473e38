package messaging

import (
	"strings"
	"unicode/utf8"

	"courier/cmd/internal/messages"
)

const (
	// MaxUserBytes bounds sender and receiver names.
	MaxUserBytes = 64
	// DefaultMaxContentChars bounds message content, counted in code points.
	DefaultMaxContentChars = 4096
)

// normalizeUser trims surrounding whitespace; names are otherwise case-sensitive.
func normalizeUser(s string) string {
	return strings.TrimSpace(s)
}

func checkUser(role, name string, problems []string) []string {
	switch {
	case name == "":
		return append(problems, role+" can not be empty")
	case len(name) > MaxUserBytes:
		return append(problems, role+" is too long")
	case !utf8.ValidString(name):
		return append(problems, role+" must be valid UTF-8")
	case messages.HasNUL(name):
		return append(problems, role+" must not contain NUL characters")
	}
	return problems
}

func checkContent(body string, maxChars int, problems []string) []string {
	switch {
	case body == "":
		return append(problems, "content can not be empty")
	case !utf8.ValidString(body):
		return append(problems, "content must be valid UTF-8")
	case messages.HasNUL(body):
		return append(problems, "content must not contain NUL characters")
	case maxChars > 0 && utf8.RuneCountInString(body) > maxChars:
		return append(problems, "content is too long")
	}
	return problems
}

// validateMessage reports every problem at once, or nil.
func validateMessage(op, sender, receiver, body string, maxChars int) error {
	var problems []string
	problems = checkUser("sender", sender, problems)
	problems = checkUser("receiver", receiver, problems)
	problems = checkContent(body, maxChars, problems)
	if len(problems) == 0 {
		return nil
	}
	return &ValidationError{Op: op, Problems: problems}
}

func validatePair(op, a, b string) error {
	var problems []string
	problems = checkUser("first user", a, problems)
	problems = checkUser("second user", b, problems)
	if len(problems) == 0 {
		return nil
	}
	return &ValidationError{Op: op, Problems: problems}
}
