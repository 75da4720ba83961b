package environment_test

import (
	"reflect"
	"testing"
	"time"

	"github.com/bdobrica/drydock/common/environment"
)

func TestString(t *testing.T) {
	t.Setenv("TEST_STRING", "hello")
	src := environment.New("TEST_")
	if got := src.String("STRING", "default"); got != "hello" {
		t.Errorf("expected %q, got %q", "hello", got)
	}
	if got := src.String("STRING_MISSING", "default"); got != "default" {
		t.Errorf("expected %q, got %q", "default", got)
	}
}

func TestRequired(t *testing.T) {
	t.Setenv("TEST_REQUIRED", "value")
	src := environment.New("TEST_")

	v, err := src.Required("REQUIRED")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "value" {
		t.Errorf("expected %q, got %q", "value", v)
	}

	if _, err := src.Required("REQUIRED_MISSING"); err == nil {
		t.Error("expected error for missing variable, got nil")
	}
}

func TestTypedGettersKeepCurrentOnBadInput(t *testing.T) {
	t.Setenv("TEST_BOOL", "maybe")
	t.Setenv("TEST_INT", "twelve")
	t.Setenv("TEST_DURATION", "soon")
	src := environment.New("TEST_")

	if !src.Bool("BOOL", true) {
		t.Error("Bool: unparsable value should keep current")
	}
	if got := src.Int("INT", 7); got != 7 {
		t.Errorf("Int: got %d, want 7", got)
	}
	if got := src.Duration("DURATION", time.Second); got != time.Second {
		t.Errorf("Duration: got %s, want 1s", got)
	}
}

func TestTypedGetters(t *testing.T) {
	t.Setenv("TEST_BOOL", "true")
	t.Setenv("TEST_INT", "42")
	t.Setenv("TEST_INT64", "512000000")
	t.Setenv("TEST_DURATION", "90s")
	src := environment.New("TEST_")

	if !src.Bool("BOOL", false) {
		t.Error("Bool: expected true")
	}
	if got := src.Int("INT", 0); got != 42 {
		t.Errorf("Int: got %d", got)
	}
	if got := src.Int64("INT64", 0); got != 512000000 {
		t.Errorf("Int64: got %d", got)
	}
	if got := src.Duration("DURATION", 0); got != 90*time.Second {
		t.Errorf("Duration: got %s", got)
	}
}

func TestList(t *testing.T) {
	t.Setenv("TEST_LIST", " 10.0.0.1, ,10.0.0.2 ")
	src := environment.New("TEST_")
	got := src.List("LIST", nil)
	want := []string{"10.0.0.1", "10.0.0.2"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("List: got %v, want %v", got, want)
	}
}

func TestMap(t *testing.T) {
	src := environment.Source{
		Prefix: "X_",
		Lookup: func(name string) (string, bool) {
			if name == "X_DNS" {
				return "1001=10.1.1.1|10.1.1.2, 2002=10.2.2.2, broken", true
			}
			return "", false
		},
	}
	got := src.Map("DNS", nil)
	want := map[string][]string{
		"1001": {"10.1.1.1", "10.1.1.2"},
		"2002": {"10.2.2.2"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Map: got %v, want %v", got, want)
	}
}
