package telegram

import (
	"errors"
	"net/http"
	"regexp"
	"strconv"

	tele "gopkg.in/telebot.v4"

	"postify/internal/transport"
)

// telebot reports unrecognized API errors as "telegram: <description> (<code>)".
var codeSuffix = regexp.MustCompile(`\((\d{3})\)\s*$`)

// Classify maps an API or network error to a failure kind. Only rejections of
// the credential itself are AuthRevoked; a second consumer polling the same
// credential is Conflict; everything else is Unknown. The kind comes from the
// API error code alone, never from the description text.
func Classify(err error) transport.FailureKind {
	if err == nil {
		return transport.FailureUnknown
	}
	var f *transport.Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	code := errorCode(err)
	switch code {
	case http.StatusUnauthorized, http.StatusNotFound:
		return transport.FailureAuthRevoked
	case http.StatusConflict:
		return transport.FailureConflict
	}
	return transport.FailureUnknown
}

func errorCode(err error) int {
	var te *tele.Error
	if errors.As(err, &te) && te.Code != 0 {
		return te.Code
	}
	if m := codeSuffix.FindStringSubmatch(err.Error()); m != nil {
		n, _ := strconv.Atoi(m[1])
		return n
	}
	return 0
}

// classified wraps err as a *transport.Failure unless it already is one.
func classified(err error) *transport.Failure {
	var f *transport.Failure
	if errors.As(err, &f) {
		return f
	}
	return &transport.Failure{Kind: Classify(err), Err: err}
}
