// ABOUTME: Classifies a recipient descriptor as an app identity or a phone number
// ABOUTME: Pure dispatch logic shared by sends and inbound SMS

package routing

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/2389/coven-relay/internal/store"
)

// ErrInvalidRecipient is returned for descriptors that are neither a valid
// identity nor a recognizable phone number.
var ErrInvalidRecipient = errors.New("invalid recipient")

const (
	maxIdentityLen = 128
	minPhoneDigits = 7
	maxPhoneDigits = 15 // E.164
)

// Route is the outcome of classifying a recipient. Exactly one of Identity
// and Phone is set, matching Channel.
type Route struct {
	Channel  store.Channel
	Identity string
	Phone    string
}

// Classify decides which channel a recipient descriptor belongs to.
// Descriptors starting with "+" are phone numbers and are returned in
// normalized "+<digits>" form; everything else must be a valid identity.
func Classify(recipient string) (Route, error) {
	if strings.HasPrefix(recipient, "+") {
		phone, err := NormalizePhone(recipient)
		if err != nil {
			return Route{}, err
		}
		return Route{Channel: store.ChannelSMS, Phone: phone}, nil
	}

	if err := ValidateIdentity(recipient); err != nil {
		return Route{}, err
	}
	return Route{Channel: store.ChannelApp, Identity: recipient}, nil
}

// ValidateIdentity checks the shape of an opaque identity. It does not
// authenticate anything.
func ValidateIdentity(identity string) error {
	switch {
	case identity == "":
		return fmt.Errorf("%w: empty identity", ErrInvalidRecipient)
	case len(identity) > maxIdentityLen:
		return fmt.Errorf("%w: identity longer than %d bytes", ErrInvalidRecipient, maxIdentityLen)
	case strings.HasPrefix(identity, "+"):
		return fmt.Errorf("%w: identity may not start with '+'", ErrInvalidRecipient)
	case strings.Contains(identity, store.AppIDDelimiter):
		return fmt.Errorf("%w: identity may not contain %q", ErrInvalidRecipient, store.AppIDDelimiter)
	}
	for _, r := range identity {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return fmt.Errorf("%w: identity contains whitespace or control characters", ErrInvalidRecipient)
		}
	}
	return nil
}

// NormalizePhone strips common separators from a "+"-prefixed number and
// checks the digit count. "+1 (555) 123-4567" becomes "+15551234567".
func NormalizePhone(raw string) (string, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(raw), "+")
	if !ok {
		return "", fmt.Errorf("%w: phone number must start with '+'", ErrInvalidRecipient)
	}

	var b strings.Builder
	b.WriteByte('+')
	digits := 0
	for _, r := range rest {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
			digits++
		case r == ' ' || r == '-' || r == '.' || r == '(' || r == ')':
			// separator
		default:
			return "", fmt.Errorf("%w: unexpected %q in phone number", ErrInvalidRecipient, r)
		}
	}

	if digits < minPhoneDigits || digits > maxPhoneDigits {
		return "", fmt.Errorf("%w: phone number needs %d-%d digits, got %d",
			ErrInvalidRecipient, minPhoneDigits, maxPhoneDigits, digits)
	}
	return b.String(), nil
}
