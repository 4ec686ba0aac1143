package helpers

import "testing"

func TestSplitEmailAddress(t *testing.T) {
	tests := []struct {
		in        string
		localpart string
		domain    string
	}{
		{"user@Example.ORG", "user", "example.org"},
		{"user+tag@example.org", "user+tag", "example.org"},
		{`"odd@local"@example.org`, `"odd@local"`, "example.org"},
		{"nodomain", "nodomain", ""},
		{"", "", ""},
	}
	for _, tc := range tests {
		localpart, domain := SplitEmailAddress(tc.in)
		if localpart != tc.localpart || domain != tc.domain {
			t.Errorf("SplitEmailAddress(%q) = (%q, %q), want (%q, %q)",
				tc.in, localpart, domain, tc.localpart, tc.domain)
		}
	}
}

func TestExtractPrimaryAddress(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`"Jane Doe" <jane@example.com>`, "jane@example.com"},
		{"jane@example.com", "jane@example.com"},
		{`"Jane" <jane@example.com>, bob@example.org`, "jane@example.com"},
		{"", ""},
		{"garbage header", ""},
	}
	for _, tc := range tests {
		if got := ExtractPrimaryAddress(tc.in); got != tc.want {
			t.Errorf("ExtractPrimaryAddress(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestExtractDomain(t *testing.T) {
	if got := ExtractDomain("jane@Example.COM"); got != "example.com" {
		t.Errorf("ExtractDomain = %q, want example.com", got)
	}
	if got := ExtractDomain(""); got != "" {
		t.Errorf("ExtractDomain(\"\") = %q, want empty", got)
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"report.pdf", "report.pdf"},
		{"../../etc/passwd", "passwd"},
		{`..\..\evil.exe`, "evil.exe"},
		{"has spaces and (parens).pdf", "has_spaces_and__parens_.pdf"},
		{"...", "attachment"},
		{"", "attachment"},
		{"\x00nul.pdf", "nul.pdf"},
	}
	for _, tc := range tests {
		if got := SanitizeFilename(tc.in); got != tc.want {
			t.Errorf("SanitizeFilename(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSanitizeUTF8(t *testing.T) {
	if got := SanitizeUTF8("plain"); got != "plain" {
		t.Errorf("SanitizeUTF8 changed a clean string: %q", got)
	}
	if got := SanitizeUTF8("a\x00b"); got != "ab" {
		t.Errorf("SanitizeUTF8 kept NUL: %q", got)
	}
	if got := SanitizeUTF8("ok\xffbad"); got != "okbad" {
		t.Errorf("SanitizeUTF8 kept invalid byte: %q", got)
	}
}
