package webhooks

import (
	"context"
	"errors"
	"net"
	"testing"
)

func staticResolver(ips ...string) resolver {
	return func(ctx context.Context, host string) ([]net.IP, error) {
		out := make([]net.IP, 0, len(ips))
		for _, raw := range ips {
			out = append(out, net.ParseIP(raw))
		}
		return out, nil
	}
}

func TestCheckURLRejectsPrivateRanges(t *testing.T) {
	private := []string{
		"http://10.1.2.3/hook",
		"http://172.16.0.9/hook",
		"http://192.168.1.1/hook",
		"http://127.0.0.1:8080/hook",
		"http://169.254.169.254/latest/meta-data",
		"http://[::1]/hook",
		"http://[fc00::1]/hook",
		"http://[fe80::1]/hook",
	}
	for _, url := range private {
		if err := CheckURL(context.Background(), url, nil); !errors.Is(err, ErrPrivateAddress) {
			t.Fatalf("expected private-address rejection for %s, got %v", url, err)
		}
	}
}

func TestCheckURLRejectsHostResolvingPrivate(t *testing.T) {
	err := CheckURL(context.Background(), "https://internal.example.com/hook", staticResolver("10.0.0.5"))
	if !errors.Is(err, ErrPrivateAddress) {
		t.Fatalf("expected rejection when DNS points inside, got %v", err)
	}
	// Split-horizon: one public, one private address still rejects.
	err = CheckURL(context.Background(), "https://both.example.com/hook", staticResolver("93.184.216.34", "192.168.0.10"))
	if !errors.Is(err, ErrPrivateAddress) {
		t.Fatalf("expected rejection for mixed resolution, got %v", err)
	}
}

func TestCheckURLAcceptsPublic(t *testing.T) {
	if err := CheckURL(context.Background(), "https://hooks.example.com/notify", staticResolver("93.184.216.34")); err != nil {
		t.Fatalf("public endpoint should pass: %v", err)
	}
}

func TestCheckURLRejectsBadSchemes(t *testing.T) {
	for _, url := range []string{"ftp://example.com/x", "file:///etc/passwd", "gopher://example.com"} {
		if err := CheckURL(context.Background(), url, staticResolver("93.184.216.34")); err == nil {
			t.Fatalf("expected scheme rejection for %s", url)
		}
	}
}

func TestCheckURLRejectsEmptyHost(t *testing.T) {
	if err := CheckURL(context.Background(), "http:///path-only", nil); err == nil {
		t.Fatal("expected rejection for URL without host")
	}
}
