package helpers

import (
	"strings"

	"github.com/emersion/go-message/mail"
)

// SplitEmailAddress splits an address into localpart and lowercased domain.
// The domain is empty when the address carries no '@'. Splitting happens on
// the last '@' so quoted localparts containing '@' still resolve correctly.
func SplitEmailAddress(email string) (string, string) {
	idx := strings.LastIndex(email, "@")
	if idx < 0 {
		return email, ""
	}
	return email[:idx], strings.ToLower(email[idx+1:])
}

// ExtractPrimaryAddress returns the first parseable address from a raw
// header value such as `"Jane Doe" <jane@example.com>, bob@example.org`.
// Returns "" when nothing parses.
func ExtractPrimaryAddress(raw string) string {
	if raw == "" {
		return ""
	}
	var h mail.Header
	h.Set("From", raw)
	addrs, err := h.AddressList("From")
	if err != nil || len(addrs) == 0 {
		// Tolerate sloppy headers: a bare address still counts.
		candidate := strings.TrimSpace(raw)
		if strings.Count(candidate, "@") == 1 && !strings.ContainsAny(candidate, " <>\"") {
			return candidate
		}
		if len(addrs) == 0 {
			return ""
		}
	}
	for _, a := range addrs {
		if a.Address != "" {
			return a.Address
		}
	}
	return ""
}

// ExtractDomain returns the lowercased domain portion of an address, or ""
// when the address is empty or has no domain.
func ExtractDomain(address string) string {
	if address == "" {
		return ""
	}
	_, domain := SplitEmailAddress(address)
	return domain
}
