package ftp

import (
	"bufio"
	"strings"
	"testing"
)

func TestReadReplySingleLine(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("226 Transfer complete\r\n"))
	reply, err := readReply(r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply.Code != 226 {
		t.Errorf("expected code 226, got %d", reply.Code)
	}
	if reply.Text != "226 Transfer complete" {
		t.Errorf("unexpected text %q", reply.Text)
	}
}

func TestReadReplyMultiline(t *testing.T) {
	input := "211-Features:\r\n" +
		" SIZE\r\n" +
		" REST STREAM\r\n" +
		"211 End\r\n"
	r := bufio.NewReader(strings.NewReader(input))
	reply, err := readReply(r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply.Code != 211 {
		t.Errorf("expected code 211, got %d", reply.Code)
	}
	if !strings.Contains(reply.Text, "REST STREAM") {
		t.Errorf("continuation line lost: %q", reply.Text)
	}
	if !strings.HasSuffix(reply.Text, "211 End") {
		t.Errorf("terminator line lost: %q", reply.Text)
	}
}

func TestReadReplyMultilineWithMatchingCodeMidway(t *testing.T) {
	// A continuation line may start with the same three digits without a
	// trailing space; only "211 " ends the reply.
	input := "211-Status:\r\n" +
		"211-still going\r\n" +
		"211 done\r\n"
	r := bufio.NewReader(strings.NewReader(input))
	reply, err := readReply(r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(reply.Text, "still going") {
		t.Errorf("mid-reply line lost: %q", reply.Text)
	}
}

func TestReadReplyMalformed(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("hello there\r\n"))
	if _, err := readReply(r); err == nil {
		t.Error("expected error for malformed reply line")
	}
}

func TestParseReplyLead(t *testing.T) {
	tests := []struct {
		line      string
		code      int
		multiline bool
		ok        bool
	}{
		{"220 ready", 220, false, true},
		{"220-welcome", 220, true, true},
		{"220", 220, false, true},
		{"2x0 nope", 0, false, false},
		{"99 small", 0, false, false},
		{"", 0, false, false},
	}
	for _, tt := range tests {
		code, multiline, ok := parseReplyLead(tt.line)
		if ok != tt.ok || code != tt.code || multiline != tt.multiline {
			t.Errorf("parseReplyLead(%q) = (%d, %v, %v), expected (%d, %v, %v)",
				tt.line, code, multiline, ok, tt.code, tt.multiline, tt.ok)
		}
	}
}
