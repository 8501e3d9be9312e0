package main

import (
	"strings"
	"testing"
)

func TestReadTokenTrimsFirstLine(t *testing.T) {
	token, err := readToken(strings.NewReader("  s3cret \nignored\n"))
	if err != nil {
		t.Fatalf("readToken returned error: %v", err)
	}
	if token != "s3cret" {
		t.Fatalf("expected trimmed token, got %q", token)
	}
	if _, err := readToken(strings.NewReader("\n")); err == nil {
		t.Fatal("expected error for empty input")
	}
}

func TestExecuteHashesAndVerifies(t *testing.T) {
	encoded, err := execute("s3cret", "")
	if err != nil {
		t.Fatalf("execute returned error: %v", err)
	}
	if !strings.HasPrefix(encoded, "pbkdf2$sha256$") {
		t.Fatalf("unexpected encoding %q", encoded)
	}
	if out, err := execute("s3cret", encoded); err != nil || out != "token matches" {
		t.Fatalf("expected match, got %q %v", out, err)
	}
	if _, err := execute("wrong", encoded); err == nil {
		t.Fatal("expected mismatch error")
	}
}
