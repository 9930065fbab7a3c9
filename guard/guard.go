// Package guard holds the input checks applied at the service edges:
// callback URL validation (SSRF), path containment for artifact downloads,
// secret length and bounded reads.
package guard

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"path/filepath"
	"strings"
)

// MinSecretLen is the minimum length of the webhook signing secret.
const MinSecretLen = 32

var (
	ErrSecretTooShort = fmt.Errorf("guard: secret must be at least %d bytes", MinSecretLen)
	ErrPathTraversal  = errors.New("guard: path escapes its base directory")
	ErrSSRF           = errors.New("guard: URL targets a private or loopback address")
	ErrUnsafeScheme   = errors.New("guard: only http and https URLs are allowed")
)

// ValidateSecret checks that secret is at least MinSecretLen bytes.
func ValidateSecret(secret []byte) error {
	if len(secret) < MinSecretLen {
		return ErrSecretTooShort
	}
	return nil
}

// Contained returns path cleaned if it lies inside base, ErrPathTraversal
// otherwise. Artifact paths come from the database, but a record edited by
// hand must still not serve arbitrary files.
func Contained(base, path string) (string, error) {
	absBase, err := filepath.Abs(base)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(absBase, abs)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrPathTraversal
	}
	return abs, nil
}

// ValidateURL checks that rawURL is http(s) with a host. Unless
// allowPrivate is set, the host must not be or resolve to a loopback,
// link-local or private address.
func ValidateURL(rawURL string, allowPrivate bool) error {
	return checkURL(rawURL, allowPrivate, isPrivateIP)
}

func checkURL(rawURL string, allowPrivate bool, blocked func(net.IP) bool) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("guard: invalid URL: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return ErrUnsafeScheme
	}
	host := u.Hostname()
	if host == "" {
		return errors.New("guard: URL has no host")
	}
	if allowPrivate {
		return nil
	}

	if ip := net.ParseIP(host); ip != nil {
		if blocked(ip) {
			return ErrSSRF
		}
		return nil
	}
	addrs, err := net.LookupHost(host)
	if err != nil {
		// Unresolvable now; delivery fails later with a network error.
		return nil
	}
	for _, a := range addrs {
		if ip := net.ParseIP(a); ip != nil && blocked(ip) {
			return ErrSSRF
		}
	}
	return nil
}

// LimitedReadAll reads at most maxBytes from r.
func LimitedReadAll(r io.Reader, maxBytes int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("guard: body exceeds %d bytes", maxBytes)
	}
	return data, nil
}

var privateNets = func() []*net.IPNet {
	var out []*net.IPNet
	for _, cidr := range []string{"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16", "100.64.0.0/10", "fc00::/7"} {
		_, n, _ := net.ParseCIDR(cidr)
		out = append(out, n)
	}
	return out
}()

func isPrivateIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
		return true
	}
	for _, n := range privateNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
