// Package payrequest encodes and parses Solana Pay transfer request URLs:
//
//	solana:<recipient>?amount=<decimal>&reference=<key>&label=..&message=..&memo=..
//
// Parameters are always written in that order so the same request encodes
// to the same string.
package payrequest

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/gagliardetto/solana-go"

	"payrecon/internal/common/money"
)

const Scheme = "solana"

var (
	ErrInvalidAmount    = errors.New("invalid amount")
	ErrInvalidRecipient = errors.New("invalid recipient")
	ErrInvalidReference = errors.New("invalid reference")
	ErrInvalidURL       = errors.New("invalid payment request URL")
)

// Request is a native SOL transfer request.
type Request struct {
	Recipient  solana.PublicKey
	Amount     money.Money
	References []solana.PublicKey
	Label      string
	Message    string
	Memo       string
}

// Encode renders r as a transfer request URL.
func Encode(r Request) (string, error) {
	if r.Recipient.IsZero() {
		return "", ErrInvalidRecipient
	}
	if !r.Amount.IsPositive() || r.Amount.Currency != money.SOL {
		return "", fmt.Errorf("%w: %s", ErrInvalidAmount, r.Amount)
	}

	var b strings.Builder
	b.WriteString(Scheme)
	b.WriteByte(':')
	b.WriteString(r.Recipient.String())

	b.WriteString("?amount=")
	b.WriteString(r.Amount.Major().String())
	for _, ref := range r.References {
		if ref.IsZero() {
			return "", ErrInvalidReference
		}
		b.WriteString("&reference=")
		b.WriteString(ref.String())
	}
	writeParam(&b, "label", r.Label)
	writeParam(&b, "message", r.Message)
	writeParam(&b, "memo", r.Memo)

	return b.String(), nil
}

func writeParam(b *strings.Builder, key, value string) {
	if value == "" {
		return
	}
	b.WriteByte('&')
	b.WriteString(key)
	b.WriteByte('=')
	b.WriteString(escape(value))
}

// escape percent-encodes a query value with spaces as %20, not '+'.
func escape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

// Parse decodes a transfer request URL produced by Encode or a wallet.
func Parse(raw string) (*Request, error) {
	rest, ok := strings.CutPrefix(raw, Scheme+":")
	if !ok {
		return nil, fmt.Errorf("%w: missing %s: scheme", ErrInvalidURL, Scheme)
	}

	path, query, _ := strings.Cut(rest, "?")
	recipient, err := solana.PublicKeyFromBase58(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecipient, err)
	}

	params, err := url.ParseQuery(query)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}

	req := &Request{
		Recipient: recipient,
		Label:     params.Get("label"),
		Message:   params.Get("message"),
		Memo:      params.Get("memo"),
	}

	if req.Amount, err = parseAmount(params.Get("amount")); err != nil {
		return nil, err
	}

	for _, raw := range params["reference"] {
		ref, err := solana.PublicKeyFromBase58(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidReference, err)
		}
		req.References = append(req.References, ref)
	}

	return req, nil
}

func parseAmount(s string) (money.Money, error) {
	if !isPlainDecimal(s) {
		return money.Money{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	m, err := money.ParseMajor(s, money.SOL)
	if err != nil {
		return money.Money{}, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	if !m.IsPositive() {
		return money.Money{}, fmt.Errorf("%w: must be positive", ErrInvalidAmount)
	}
	return m, nil
}

// isPlainDecimal accepts digits with at most one interior dot. Signs,
// exponents and bare dots are rejected.
func isPlainDecimal(s string) bool {
	whole, frac, hasDot := strings.Cut(s, ".")
	if whole == "" || (hasDot && frac == "") {
		return false
	}
	for _, part := range []string{whole, frac} {
		for _, c := range part {
			if c < '0' || c > '9' {
				return false
			}
		}
	}
	return true
}
