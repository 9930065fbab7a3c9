package guard

import (
	"bytes"
	"net"
	"path/filepath"
	"strings"
	"testing"
)

func TestValidateSecret(t *testing.T) {
	if err := ValidateSecret([]byte("short")); err == nil {
		t.Fatal("expected error for short secret")
	}
	if err := ValidateSecret(bytes.Repeat([]byte("a"), MinSecretLen)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestContained(t *testing.T) {
	base := t.TempDir()
	tests := []struct {
		path    string
		wantErr bool
	}{
		{filepath.Join(base, "job_1_talk.txt"), false},
		{filepath.Join(base, "sub", "x.docx"), false},
		{filepath.Join(base, "..", "etc", "passwd"), true},
		{base, true},
		{"/etc/passwd", true},
	}
	for _, tt := range tests {
		_, err := Contained(base, tt.path)
		if (err != nil) != tt.wantErr {
			t.Errorf("Contained(%q) error=%v, wantErr=%v", tt.path, err, tt.wantErr)
		}
	}
}

func TestValidateURL(t *testing.T) {
	tests := []struct {
		url     string
		wantErr bool
	}{
		{"https://example.com/webhook", false},
		{"http://example.com/hook", false},
		{"ftp://evil.com/data", true},
		{"javascript:alert(1)", true},
		{"http://127.0.0.1/admin", true},
		{"http://10.0.0.1/internal", true},
		{"http://192.168.1.1/api", true},
		{"http://[::1]/api", true},
		{"http://172.16.0.1/secret", true},
		{"http://0.0.0.0/", true},
		{"https:///nohost", true},
	}
	for _, tt := range tests {
		err := ValidateURL(tt.url, false)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateURL(%q) error=%v, wantErr=%v", tt.url, err, tt.wantErr)
		}
	}
	if err := ValidateURL("http://127.0.0.1:8080/hook", true); err != nil {
		t.Fatalf("allowPrivate: %v", err)
	}
	if err := ValidateURL("file:///etc/passwd", true); err == nil {
		t.Fatal("allowPrivate must still reject non-http schemes")
	}
}

func TestLimitedReadAll(t *testing.T) {
	data := strings.Repeat("x", 100)
	got, err := LimitedReadAll(strings.NewReader(data), 200)
	if err != nil || len(got) != 100 {
		t.Fatalf("got %d bytes, %v", len(got), err)
	}
	if _, err := LimitedReadAll(strings.NewReader(data), 50); err == nil {
		t.Fatal("expected error for oversized read")
	}
}

func TestIsPrivateIP(t *testing.T) {
	tests := []struct {
		ip      string
		private bool
	}{
		{"127.0.0.1", true},
		{"10.0.0.1", true},
		{"172.16.0.1", true},
		{"192.168.0.1", true},
		{"169.254.1.1", true},
		{"100.64.0.1", true},
		{"8.8.8.8", false},
		{"1.1.1.1", false},
		{"::1", true},
	}
	for _, tt := range tests {
		ip := net.ParseIP(tt.ip)
		if got := isPrivateIP(ip); got != tt.private {
			t.Errorf("isPrivateIP(%s) = %v, want %v", tt.ip, got, tt.private)
		}
	}
}
