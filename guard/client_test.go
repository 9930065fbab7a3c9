package guard

import (
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

// only link-local counts as private, so httptest's loopback stays reachable
func linkLocalOnly(ip net.IP) bool { return ip.IsLinkLocalUnicast() }

func TestClient_DialRefusesPrivate(t *testing.T) {
	// WHAT: the dialer refuses a loopback target even though no URL check ran.
	// WHY: DNS can change between validation and connection.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	_, err := NewClient(ClientOptions{Timeout: 2 * time.Second}).Get(srv.URL)
	if !errors.Is(err, ErrSSRF) {
		t.Fatalf("err = %v, want ErrSSRF", err)
	}

	resp, err := NewClient(ClientOptions{Timeout: 2 * time.Second, AllowPrivate: true}).Get(srv.URL)
	if err != nil {
		t.Fatalf("AllowPrivate: %v", err)
	}
	resp.Body.Close()
}

func TestClient_RedirectToMetadataBlocked(t *testing.T) {
	// WHAT: a redirect hop is validated like the first URL.
	// WHY: a public endpoint answering 302 to 169.254.169.254 is a classic SSRF chain.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://169.254.169.254/latest/meta-data/", http.StatusFound)
	}))
	defer srv.Close()

	c := newClient(ClientOptions{Timeout: 2 * time.Second, MaxRedirects: 5}, linkLocalOnly)
	_, err := c.Get(srv.URL)
	if !errors.Is(err, ErrSSRF) {
		t.Fatalf("err = %v, want ErrSSRF", err)
	}
}

func TestClient_NoRedirectsByDefault(t *testing.T) {
	var hits atomic.Int32
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { hits.Add(1) }))
	defer target.Close()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, target.URL, http.StatusFound)
	}))
	defer srv.Close()

	resp, err := newClient(ClientOptions{Timeout: 2 * time.Second}, linkLocalOnly).Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusFound || hits.Load() != 0 {
		t.Fatalf("status = %d, target hits = %d", resp.StatusCode, hits.Load())
	}
}

func TestClient_TooManyRedirects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, r.URL.String()+"x", http.StatusFound)
	}))
	defer srv.Close()

	_, err := newClient(ClientOptions{Timeout: 2 * time.Second, MaxRedirects: 2}, linkLocalOnly).Get(srv.URL + "/a")
	if !errors.Is(err, ErrTooManyRedirects) {
		t.Fatalf("err = %v, want ErrTooManyRedirects", err)
	}
}
