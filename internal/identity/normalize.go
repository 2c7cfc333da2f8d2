// Package identity canonicalizes WhatsApp addresses and resolves ephemeral
// (LID) identities to the stable phone-derived identity of the same contact.
package identity

import (
	"strings"

	"github.com/nyaruka/phonenumbers"
	"go.mau.fi/whatsmeow/types"
)

// Class is the suffix class of an identity.
type Class int

const (
	ClassOther Class = iota
	ClassIndividual
	ClassGroup
	ClassEphemeral
)

func (c Class) String() string {
	switch c {
	case ClassIndividual:
		return "individual"
	case ClassGroup:
		return "group"
	case ClassEphemeral:
		return "ephemeral"
	default:
		return "other"
	}
}

const (
	IndividualServer = types.DefaultUserServer
	GroupServer      = types.GroupServer
	EphemeralServer  = types.HiddenUserServer

	brazilCountryCode = "55"
	minPhoneDigits    = 8
	maxPhoneDigits    = 15
)

// Identity is a canonicalized address.
type Identity struct {
	JID   string
	User  string
	Class Class
}

func (id Identity) String() string { return id.JID }

// IsZero reports whether the identity carries no address at all.
func (id Identity) IsZero() bool { return id.JID == "" }

// Normalize returns the canonical form of raw. Input that cannot be parsed is
// returned unchanged.
func Normalize(raw string, isGroup bool) string {
	return Canonicalize(raw, isGroup).JID
}

// Canonicalize parses raw into its canonical identity.
//
// Device and agent suffixes are dropped, legacy domains are folded into the
// individual server, group and ephemeral identities keep their user part
// verbatim, and individual phone numbers are rewritten to their canonical
// digit string.
func Canonicalize(raw string, isGroup bool) Identity {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Identity{JID: raw}
	}

	if !strings.Contains(trimmed, "@") {
		if isGroup {
			return Identity{JID: trimmed + "@" + GroupServer, User: trimmed, Class: ClassGroup}
		}
		digits := onlyDigits(trimmed)
		canonical, ok := canonicalPhone(digits)
		if !ok {
			return Identity{JID: raw}
		}
		return Identity{JID: canonical + "@" + IndividualServer, User: canonical, Class: ClassIndividual}
	}

	jid, err := types.ParseJID(trimmed)
	if err != nil || jid.User == "" {
		return Identity{JID: raw}
	}

	switch jid.Server {
	case types.GroupServer:
		return Identity{JID: jid.User + "@" + GroupServer, User: jid.User, Class: ClassGroup}
	case types.HiddenUserServer, types.HostedLIDServer:
		return Identity{JID: jid.User + "@" + EphemeralServer, User: jid.User, Class: ClassEphemeral}
	case types.DefaultUserServer, types.LegacyUserServer, types.HostedServer:
		if isGroup {
			return Identity{JID: jid.User + "@" + GroupServer, User: jid.User, Class: ClassGroup}
		}
		if !allDigits(jid.User) {
			return Identity{JID: jid.User + "@" + IndividualServer, User: jid.User, Class: ClassIndividual}
		}
		canonical, _ := canonicalPhone(jid.User)
		return Identity{JID: canonical + "@" + IndividualServer, User: canonical, Class: ClassIndividual}
	default:
		return Identity{JID: jid.User + "@" + jid.Server, User: jid.User, Class: ClassOther}
	}
}

// IsEphemeral reports whether raw is an ephemeral (LID) identity.
func IsEphemeral(raw string) bool {
	return Canonicalize(raw, false).Class == ClassEphemeral
}

// IsGroup reports whether raw addresses a group.
func IsGroup(raw string) bool {
	return Canonicalize(raw, false).Class == ClassGroup
}

// canonicalPhone returns the canonical digit string for a phone number and
// whether it is a plausible phone number. Numbers outside the plausible E.164
// range are returned unchanged.
//
// The E.164 rewrite is only taken when formatting its own output yields the
// same digits. Malformed numbers can lose national-prefix digits on every
// pass; those keep their digits as received.
func canonicalPhone(digits string) (string, bool) {
	if len(digits) < minPhoneDigits || len(digits) > maxPhoneDigits {
		return digits, false
	}
	if strings.HasPrefix(digits, brazilCountryCode) {
		return brazilian(digits), true
	}
	formatted, ok := e164(digits)
	if !ok {
		return digits, false
	}
	if again, ok := e164(formatted); !ok || again != formatted {
		return digits, true
	}
	return formatted, true
}

// e164 formats digits, read as an international number, without the plus.
func e164(digits string) (string, bool) {
	num, err := phonenumbers.Parse("+"+digits, "")
	if err != nil {
		return "", false
	}
	formatted := strings.TrimPrefix(phonenumbers.Format(num, phonenumbers.E164), "+")
	return formatted, formatted != ""
}

// brazilian applies the 9th-digit rule: a 10-digit national number (2-digit
// area code + 8-digit subscriber) gains a leading 9 on the subscriber part.
func brazilian(digits string) string {
	national := digits[len(brazilCountryCode):]
	// 8- and 9-digit national numbers pass through unchanged: a single
	// inserted 9 cannot bring them to the 11-digit mobile form.
	if len(national) != 10 {
		return digits
	}
	return brazilCountryCode + national[:2] + "9" + national[2:]
}

// BrazilianVariants returns both national-length spellings of a canonical
// Brazilian individual identity, shortest first. It returns nil for anything
// else.
func BrazilianVariants(jid string) []string {
	user, server, ok := strings.Cut(jid, "@")
	if !ok || server != IndividualServer || !allDigits(user) || !strings.HasPrefix(user, brazilCountryCode) {
		return nil
	}
	national := user[len(brazilCountryCode):]
	switch len(national) {
	case 11:
		if national[2] != '9' {
			return nil
		}
		short := brazilCountryCode + national[:2] + national[3:]
		return []string{short + "@" + server, jid}
	case 10:
		long := brazilCountryCode + national[:2] + "9" + national[2:]
		return []string{jid, long + "@" + server}
	}
	return nil
}

func onlyDigits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
