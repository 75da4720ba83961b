package build_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/docker/docker/pkg/stdcopy"

	"github.com/bdobrica/drydock/internal/drydock/build"
)

func TestParseOutcome(t *testing.T) {
	cases := []struct {
		name    string
		log     string
		success bool
		imageID string
	}{
		{"marker", "Step 1/2 : FROM alpine\nSuccessfully built d776bdb409ab\n", true, "d776bdb409ab"},
		{"no marker", "Step 1/2 : FROM alpine\nerror: exit status 1\n", false, ""},
		{"last match wins", "Successfully built aaaaaaaaaaaa\nretrying\nSuccessfully built bbbbbbbbbbbb\n", true, "bbbbbbbbbbbb"},
		{"upper case hex", "Successfully built D776BDB409AB", true, "d776bdb409ab"},
		{"empty", "", false, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out := build.ParseOutcome(tc.log)
			if out.Success != tc.success || out.ImageID != tc.imageID {
				t.Errorf("ParseOutcome = (%v, %q), want (%v, %q)", out.Success, out.ImageID, tc.success, tc.imageID)
			}
			if out.Log != tc.log {
				t.Errorf("Log not preserved")
			}
		})
	}
}

func frame(t *testing.T, parts ...string) []byte {
	t.Helper()
	var buf bytes.Buffer
	out := stdcopy.NewStdWriter(&buf, stdcopy.Stdout)
	errw := stdcopy.NewStdWriter(&buf, stdcopy.Stderr)
	for i, p := range parts {
		w := out
		if i%2 == 1 {
			w = errw
		}
		if _, err := w.Write([]byte(p)); err != nil {
			t.Fatal(err)
		}
	}
	return buf.Bytes()
}

func TestCleanse_Framed(t *testing.T) {
	var got strings.Builder
	raw := frame(t, "Step 1/1 : FROM alpine\n", "warning: cache miss\n", "Successfully built d776bdb409ab\n")
	if err := build.Cleanse(&got, bytes.NewReader(raw)); err != nil {
		t.Fatal(err)
	}
	want := "Step 1/1 : FROM alpine\nwarning: cache miss\nSuccessfully built d776bdb409ab\n"
	if got.String() != want {
		t.Errorf("Cleanse = %q, want %q", got.String(), want)
	}
}

func TestCleanse_RawPassthrough(t *testing.T) {
	for _, in := range []string{"plain tty output\nSuccessfully built abc\n", "short", ""} {
		var got strings.Builder
		if err := build.Cleanse(&got, strings.NewReader(in)); err != nil {
			t.Fatalf("Cleanse(%q): %v", in, err)
		}
		if got.String() != in {
			t.Errorf("Cleanse(%q) = %q", in, got.String())
		}
	}
}
