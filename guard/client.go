package guard

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
	"time"
)

// ErrTooManyRedirects stops redirect chains longer than ClientOptions.MaxRedirects.
var ErrTooManyRedirects = errors.New("guard: too many redirects")

// ClientOptions configures NewClient.
type ClientOptions struct {
	Timeout time.Duration
	// AllowPrivate lifts the address checks (tests, LAN deployments).
	AllowPrivate bool
	// MaxRedirects is the number of hops followed. Zero refuses redirects:
	// the 3xx response itself is returned.
	MaxRedirects int
}

// NewClient returns an http.Client for user-supplied URLs. Every redirect
// hop is validated like the first URL, and the dialer refuses private
// addresses after DNS resolution, which also covers rebinding between the
// check and the connection.
func NewClient(o ClientOptions) *http.Client {
	return newClient(o, isPrivateIP)
}

func newClient(o ClientOptions, blocked func(net.IP) bool) *http.Client {
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	if !o.AllowPrivate {
		dialer.Control = func(network, address string, _ syscall.RawConn) error {
			host, _, err := net.SplitHostPort(address)
			if err != nil {
				return err
			}
			if ip := net.ParseIP(host); ip == nil || blocked(ip) {
				return fmt.Errorf("%w: %s", ErrSSRF, host)
			}
			return nil
		}
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = dialer.DialContext
	transport.Proxy = nil

	return &http.Client{
		Timeout:   o.Timeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if o.MaxRedirects <= 0 {
				return http.ErrUseLastResponse
			}
			if len(via) > o.MaxRedirects {
				return fmt.Errorf("%w (%d)", ErrTooManyRedirects, len(via))
			}
			if err := checkURL(req.URL.String(), o.AllowPrivate, blocked); err != nil {
				return fmt.Errorf("redirect blocked: %w", err)
			}
			return nil
		},
	}
}
