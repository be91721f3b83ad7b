package evidence

import (
	"strings"
	"testing"
)

func TestRedactPII(t *testing.T) {
	in := "Contact john@example.com or (555) 123-4567, SSN 123-45-6789"
	out := RedactPII(in)
	if strings.Contains(out, "john@example.com") {
		t.Fatalf("email not redacted: %s", out)
	}
	if strings.Contains(out, "123-4567") {
		t.Fatalf("phone not redacted: %s", out)
	}
	if strings.Contains(out, "123-45-6789") {
		t.Fatalf("ssn not redacted: %s", out)
	}
	for _, marker := range []string{"[EMAIL_REDACTED]", "[PHONE_REDACTED]", "[SSN_REDACTED]"} {
		if !strings.Contains(out, marker) {
			t.Fatalf("expected marker %s in %s", marker, out)
		}
	}
}

func TestRedactPIILeavesNormalText(t *testing.T) {
	in := "METAR KJFK 121251Z 31022G38KT 1/4SM +SN BLSN VV002 M07/M09 A2958"
	if out := RedactPII(in); out != in {
		t.Fatalf("benign METAR text changed: %s", out)
	}
}

func TestExtractExcerptTruncates(t *testing.T) {
	payload := []byte(strings.Repeat("a", 800))
	out := ExtractExcerpt(payload, 500)
	if len(out) != 500 {
		t.Fatalf("expected 500 chars, got %d", len(out))
	}
	if !strings.HasSuffix(out, "...") {
		t.Fatal("expected ellipsis suffix on truncation")
	}
}

func TestExtractExcerptInvalidUTF8(t *testing.T) {
	out := ExtractExcerpt([]byte{0xff, 0xfe, 'o', 'k'}, 500)
	if !strings.Contains(out, "ok") {
		t.Fatalf("expected valid remainder, got %q", out)
	}
}
