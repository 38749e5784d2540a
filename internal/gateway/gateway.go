// Package gateway speaks the card and crypto payment provider protocols:
// session creation, callback signature checks and status mapping.
package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
)

var (
	ErrProvider         = errors.New("payment provider error")
	ErrSignature        = errors.New("invalid callback signature")
	ErrInvalidReference = errors.New("invalid deposit reference")
)

// Outcome is the internal classification of a provider payment state.
type Outcome int

const (
	OutcomePending Outcome = iota
	OutcomeSuccess
	OutcomeFailure
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	default:
		return "pending"
	}
}

// Session is what a provider returns when a payment is created.
type Session struct {
	RedirectURL       string
	ProviderPaymentID string
	PayAddress        string
	PayAmount         string
	PayCurrency       string
}

// Literal holds a JSON string or number exactly as the provider sent it.
// Signatures are computed over the provider's text, so numbers must not be
// reformatted.
type Literal string

func (l *Literal) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*l = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*l = Literal(s)
		return nil
	}
	*l = Literal(data)
	return nil
}

func (l Literal) String() string {
	return string(l)
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n]
}
