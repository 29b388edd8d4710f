package ftp

import (
	"testing"
)

func TestReplyDigits(t *testing.T) {
	tests := []struct {
		code   int
		digit1 int
		digit2 int
	}{
		{150, 1, 5},
		{226, 2, 2},
		{331, 3, 3},
		{426, 4, 2},
		{553, 5, 5},
		{550, 5, 5},
		{0, 0, -1},
		{99, 0, -1},
		{600, 0, -1},
	}
	for _, tt := range tests {
		r := Reply{Code: tt.code}
		if got := r.Digit1(); got != tt.digit1 {
			t.Errorf("Digit1(%d): expected %d, got %d", tt.code, tt.digit1, got)
		}
		if got := r.Digit2(); got != tt.digit2 {
			t.Errorf("Digit2(%d): expected %d, got %d", tt.code, tt.digit2, got)
		}
	}
}

func TestReplyPredicates(t *testing.T) {
	if !(Reply{Code: 150}).IsPositivePreliminary() {
		t.Error("150 should be positive preliminary")
	}
	if !(Reply{Code: 226}).IsPositiveCompletion() {
		t.Error("226 should be positive completion")
	}
	if !(Reply{Code: 350}).IsPositiveIntermediate() {
		t.Error("350 should be positive intermediate")
	}
	if !(Reply{Code: 450}).IsTransientNegative() {
		t.Error("450 should be transient negative")
	}
	if !(Reply{Code: 550}).IsPermanentNegative() {
		t.Error("550 should be permanent negative")
	}
	if (Reply{Code: 226}).IsPermanentNegative() {
		t.Error("226 should not be permanent negative")
	}
}

func TestParsePasvReply(t *testing.T) {
	tests := []struct {
		name string
		text string
		ip   string
		port int
		ok   bool
	}{
		{
			name: "standard parenthesized form",
			text: "227 Entering Passive Mode (192,168,1,20,19,136)",
			ip:   "192.168.1.20",
			port: 19*256 + 136,
			ok:   true,
		},
		{
			name: "no parentheses",
			text: "227 Entering Passive Mode 10,0,0,5,4,1",
			ip:   "10.0.0.5",
			port: 4*256 + 1,
			ok:   true,
		},
		{
			name: "trailing text after tuple",
			text: "227 =(127,0,0,1,200,10)",
			ip:   "127.0.0.1",
			port: 200*256 + 10,
			ok:   true,
		},
		{
			name: "too few numbers",
			text: "227 Entering Passive Mode (192,168,1,20,19)",
			ok:   false,
		},
		{
			name: "octet out of range",
			text: "227 Entering Passive Mode (192,168,1,300,19,136)",
			ok:   false,
		},
		{
			name: "zero port",
			text: "227 Entering Passive Mode (192,168,1,20,0,0)",
			ok:   false,
		},
		{
			name: "no numbers at all",
			text: "entering passive mode",
			ok:   false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ip, port, ok := ParsePasvReply(tt.text)
			if ok != tt.ok {
				t.Fatalf("expected ok=%v, got %v", tt.ok, ok)
			}
			if !ok {
				return
			}
			if ip != tt.ip {
				t.Errorf("expected ip %s, got %s", tt.ip, ip)
			}
			if port != tt.port {
				t.Errorf("expected port %d, got %d", tt.port, port)
			}
		})
	}
}

func TestParseSizeReply(t *testing.T) {
	tests := []struct {
		text    string
		size    int64
		wantErr bool
	}{
		{"213 1024", 1024, false},
		{"213 0", 0, false},
		{"213 18446744073", 18446744073, false},
		{"213 1024 bytes", 1024, false},
		{"213 big", 0, true},
		{"no size here", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseSizeReply(tt.text)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseSizeReply(%q): expected error, got %d", tt.text, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseSizeReply(%q): unexpected error %v", tt.text, err)
			continue
		}
		if got != tt.size {
			t.Errorf("ParseSizeReply(%q): expected %d, got %d", tt.text, tt.size, got)
		}
	}
}
