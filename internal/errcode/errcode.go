// Package errcode defines the stable failure taxonomy recorded on failed pages.
package errcode

import (
	"context"
	"errors"
	"slices"
	"strings"
)

// Code is a stable, client-visible failure code.
type Code string

// Failure codes.
const (
	PageTimeout      Code = "PAGE_TIMEOUT"
	NetworkError     Code = "NETWORK_ERROR"
	PageNotFound     Code = "PAGE_NOT_FOUND"
	AccessDenied     Code = "ACCESS_DENIED"
	SelectorNotFound Code = "SELECTOR_NOT_FOUND"
	BrowserError     Code = "BROWSER_ERROR"
	StorageError     Code = "STORAGE_ERROR"
)

// ErrInvalidURL marks malformed submission URLs.
var ErrInvalidURL = errors.New("invalid url")

// Error attaches a Code to an underlying failure.
type Error struct {
	Code Code
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Code)
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New returns an error carrying code with the given message.
func New(code Code, msg string) error {
	return &Error{Code: code, Err: errors.New(msg)}
}

// Wrap attaches code to err. A nil err stays nil.
func Wrap(code Code, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Err: err}
}

// infraError marks failures of the service's own dependencies.
type infraError struct {
	err error
}

func (e *infraError) Error() string { return e.err.Error() }
func (e *infraError) Unwrap() error { return e.err }

// Infrastructure marks err as an infrastructure failure that must be retried at the queue layer.
func Infrastructure(err error) error {
	if err == nil {
		return nil
	}
	return &infraError{err: err}
}

// IsInfrastructure reports whether err (or anything it wraps) was marked by Infrastructure.
func IsInfrastructure(err error) bool {
	var ie *infraError
	return errors.As(err, &ie)
}

type rule struct {
	code Code
	// phrases match anywhere in the cleaned message.
	phrases []string
	// tokens match whole words only, so ports and paths do not count.
	tokens []string
}

// Order matters: the first matching rule wins. Chrome's own timeout codes are checked before
// network failures, which are checked before the generic timeout wording.
var rules = []rule{
	{code: PageTimeout, phrases: []string{"err_timed_out", "err_connection_timed_out"}},
	{code: NetworkError, phrases: []string{
		"err_name_not_resolved", "err_name_resolution_failed", "no such host", "name resolution",
		"server misbehaving", "err_connection_refused", "connection refused", "err_connection_reset",
		"connection reset", "err_connection_closed", "err_internet_disconnected",
		"err_address_unreachable", "err_network_changed", "err_ssl", "err_cert",
		"network is unreachable", "no route to host",
	}},
	{code: PageTimeout, phrases: []string{"timeout", "timed out", "deadline exceeded"}},
	{code: PageNotFound, phrases: []string{"not found", "410 gone"}, tokens: []string{"404", "410"}},
	{code: AccessDenied, phrases: []string{"forbidden", "unauthorized", "access denied", "err_blocked_by"}, tokens: []string{"401", "403"}},
	{code: SelectorNotFound, phrases: []string{"selector", "no node", "could not find node"}},
	{code: StorageError, phrases: []string{"upload", "storage", "bucket", "blob"}},
}

// Classify returns the attached code when one exists, otherwise it matches the error text.
// URLs and host names carried in the error are ignored when matching.
func Classify(err error) Code {
	if err == nil {
		return ""
	}
	var coded *Error
	if errors.As(err, &coded) && coded.Code != "" {
		return coded.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return PageTimeout
	}
	words := cleanWords(err)
	text := strings.Join(words, " ")
	for _, r := range rules {
		for _, phrase := range r.phrases {
			if strings.Contains(text, phrase) {
				return r.code
			}
		}
		for _, token := range r.tokens {
			if slices.Contains(words, token) {
				return r.code
			}
		}
	}
	return BrowserError
}

// cleanWords splits the text contributed by every error in the tree into lowercase words,
// dropping anything that looks like a URL, host or path.
func cleanWords(err error) []string {
	var words []string
	for _, segment := range segments(err, nil) {
		for _, field := range strings.Fields(strings.ToLower(segment)) {
			word := strings.Trim(field, "\"'`()[]{}<>,;:!?")
			word = strings.TrimRight(word, ".")
			if word == "" || locator(word) {
				continue
			}
			words = append(words, word)
		}
	}
	return words
}

// segments returns each error's own text with the text of the errors it wraps removed.
func segments(err error, out []string) []string {
	var children []error
	switch x := err.(type) {
	case interface{ Unwrap() []error }:
		children = x.Unwrap()
	case interface{ Unwrap() error }:
		if inner := x.Unwrap(); inner != nil {
			children = []error{inner}
		}
	}
	own := err.Error()
	for _, child := range children {
		if child == nil {
			continue
		}
		own = strings.Replace(own, child.Error(), " ", 1)
		out = segments(child, out)
	}
	return append(out, own)
}

func locator(word string) bool {
	if strings.Contains(word, "://") || strings.HasPrefix(word, "/") {
		return true
	}
	// host.name, 10.0.0.1:443 and similar.
	return strings.Contains(strings.Trim(word, "."), ".")
}

// FromStatus maps a document HTTP status to a failure code, or "" for non-failing statuses.
func FromStatus(status int) Code {
	switch status {
	case 404, 410:
		return PageNotFound
	case 401, 403:
		return AccessDenied
	default:
		return ""
	}
}
