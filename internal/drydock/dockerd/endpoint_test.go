package dockerd_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bdobrica/drydock/internal/drydock/dockerd"
)

func TestParseEndpoint(t *testing.T) {
	cases := []struct {
		in      string
		address string
		scheme  string
	}{
		{"10.0.0.1", "10.0.0.1:4242", "http"},
		{"10.0.0.1:2375", "10.0.0.1:2375", "http"},
		{"http://docker-a:4243", "docker-a:4243", "http"},
		{"tcp://docker-b", "docker-b:4242", "http"},
		{" docker-c:1 ", "docker-c:1", "http"},
	}
	for _, tc := range cases {
		ep, err := dockerd.ParseEndpoint(tc.in, nil, 0)
		if err != nil {
			t.Fatalf("ParseEndpoint(%q): %v", tc.in, err)
		}
		if ep.Address() != tc.address {
			t.Errorf("ParseEndpoint(%q).Address() = %q, want %q", tc.in, ep.Address(), tc.address)
		}
		if ep.Scheme() != tc.scheme {
			t.Errorf("ParseEndpoint(%q).Scheme() = %q, want %q", tc.in, ep.Scheme(), tc.scheme)
		}
		if ep.Timeout() != dockerd.DefaultTimeout {
			t.Errorf("timeout = %v, want default", ep.Timeout())
		}
	}
}

func TestParseEndpoint_Invalid(t *testing.T) {
	for _, in := range []string{"", "unix:///var/run/docker.sock", "http://:80", "host:notaport"} {
		if _, err := dockerd.ParseEndpoint(in, nil, time.Second); err == nil {
			t.Errorf("ParseEndpoint(%q) succeeded, want error", in)
		}
	}
}

func TestLoadTLS_MissingFilesDisablesTLS(t *testing.T) {
	dir := t.TempDir()
	ca := filepath.Join(dir, "ca.pem")
	if err := os.WriteFile(ca, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := dockerd.LoadTLS(ca, filepath.Join(dir, "cert.pem"), filepath.Join(dir, "key.pem"))
	if err != nil || cfg != nil {
		t.Fatalf("LoadTLS with missing files = (%v, %v), want (nil, nil)", cfg, err)
	}
	cfg, err = dockerd.LoadTLS("", "", "")
	if err != nil || cfg != nil {
		t.Fatalf("LoadTLS with empty paths = (%v, %v), want (nil, nil)", cfg, err)
	}
}

func TestLoadTLS_BadBundle(t *testing.T) {
	dir := t.TempDir()
	var paths []string
	for _, name := range []string{"ca.pem", "cert.pem", "key.pem"} {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte("not a pem"), 0o600); err != nil {
			t.Fatal(err)
		}
		paths = append(paths, p)
	}
	if _, err := dockerd.LoadTLS(paths[0], paths[1], paths[2]); err == nil {
		t.Fatal("LoadTLS with garbage files succeeded")
	}
}

func TestHandle_Normalization(t *testing.T) {
	h := dockerd.NewHandle("ABCdef0123456789", "d:4242")
	if h.ID != "abcdef0123456789" {
		t.Errorf("ID = %q, want lower case", h.ID)
	}
	if h != dockerd.NewHandle("ABCDEF0123456789", "d:4242") {
		t.Error("handles differing only in id case compare unequal")
	}
	if h.ShortID() != "abcdef012345" {
		t.Errorf("ShortID = %q", h.ShortID())
	}
}
