package ldap

import (
	"encoding/base64"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/bwmarrin/go-objectsid"
	"github.com/go-ldap/ldap/v3"
	"github.com/google/uuid"
)

// GUIDBytesLength is the size of a binary objectGUID value.
const GUIDBytesLength = 16

// swapGUIDEndianness converts between the Active Directory mixed-endian GUID
// layout and RFC 4122 byte order. The first three groups are little-endian
// on the wire; the last eight bytes are unchanged. The conversion is its own
// inverse.
func swapGUIDEndianness(b []byte) []byte {
	out := make([]byte, GUIDBytesLength)
	out[0], out[1], out[2], out[3] = b[3], b[2], b[1], b[0]
	out[4], out[5] = b[5], b[4]
	out[6], out[7] = b[7], b[6]
	copy(out[8:], b[8:])
	return out
}

// GUIDBytesToString renders a binary objectGUID as a hyphenated GUID string.
func GUIDBytesToString(guidBytes []byte) (string, error) {
	if len(guidBytes) != GUIDBytesLength {
		return "", fmt.Errorf("invalid GUID byte length: expected %d, got %d", GUIDBytesLength, len(guidBytes))
	}

	id, err := uuid.FromBytes(swapGUIDEndianness(guidBytes))
	if err != nil {
		return "", fmt.Errorf("failed to decode GUID: %w", err)
	}
	return id.String(), nil
}

// GUIDToSearchFilter builds an equality filter matching objectGUID against
// a GUID given in hyphenated or compact form.
func GUIDToSearchFilter(guidString string) (string, error) {
	id, err := uuid.Parse(strings.TrimSpace(guidString))
	if err != nil {
		return "", fmt.Errorf("invalid GUID format: %s", guidString)
	}

	wire := swapGUIDEndianness(id[:])

	var b strings.Builder
	b.WriteString("(objectGUID=")
	for _, c := range wire {
		fmt.Fprintf(&b, "\\%02x", c)
	}
	b.WriteString(")")
	return b.String(), nil
}

// SIDBytesToString renders a binary objectSid in S-1-... form.
func SIDBytesToString(sidBytes []byte) (string, error) {
	if len(sidBytes) < 8 || len(sidBytes) < 8+4*int(sidBytes[1]) {
		return "", fmt.Errorf("invalid SID byte length: %d", len(sidBytes))
	}
	return objectsid.Decode(sidBytes).String(), nil
}

// FormatAttribute renders one raw attribute value for display. objectGUID
// and objectSid are decoded; other values are returned as text, or base64
// when they are not valid UTF-8.
func FormatAttribute(name string, raw []byte) string {
	switch {
	case strings.EqualFold(name, "objectGUID"):
		if s, err := GUIDBytesToString(raw); err == nil {
			return s
		}
	case strings.EqualFold(name, "objectSid"):
		if s, err := SIDBytesToString(raw); err == nil {
			return s
		}
	}

	if utf8.Valid(raw) {
		return string(raw)
	}
	return base64.StdEncoding.EncodeToString(raw)
}

// EntryMap converts an entry to attribute name → formatted values. The DN is
// stored under "dn".
func EntryMap(entry *ldap.Entry) map[string][]string {
	out := make(map[string][]string, len(entry.Attributes)+1)
	out["dn"] = []string{entry.DN}

	for _, attr := range entry.Attributes {
		vals := make([]string, len(attr.ByteValues))
		for i, raw := range attr.ByteValues {
			vals[i] = FormatAttribute(attr.Name, raw)
		}
		out[attr.Name] = vals
	}

	return out
}
