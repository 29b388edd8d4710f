package ftp

import (
	"fmt"
	"strconv"
	"strings"
)

// Reply is one complete server reply, multiline continuations already
// collapsed into Text.
type Reply struct {
	Code int
	Text string // full reply text including the code prefix of the first line
}

// Digit1 returns the reply class (1..5), 0 for a malformed code.
func (r Reply) Digit1() int {
	if r.Code < 100 || r.Code > 599 {
		return 0
	}
	return r.Code / 100
}

// Digit2 returns the reply group digit, -1 for a malformed code.
func (r Reply) Digit2() int {
	if r.Code < 100 || r.Code > 599 {
		return -1
	}
	return (r.Code / 10) % 10
}

// Reply class predicates, RFC 959 terminology.
func (r Reply) IsPositivePreliminary() bool  { return r.Digit1() == 1 }
func (r Reply) IsPositiveCompletion() bool   { return r.Digit1() == 2 }
func (r Reply) IsPositiveIntermediate() bool { return r.Digit1() == 3 }
func (r Reply) IsTransientNegative() bool    { return r.Digit1() == 4 }
func (r Reply) IsPermanentNegative() bool    { return r.Digit1() == 5 }

// ParsePasvReply extracts the data connection address from a 227 reply,
// "227 Entering Passive Mode (h1,h2,h3,h4,p1,p2)". Servers vary in the
// decoration around the tuple, so only the six comma-separated numbers
// are required.
func ParsePasvReply(text string) (ip string, port int, ok bool) {
	start := strings.IndexByte(text, '(')
	end := strings.LastIndexByte(text, ')')
	var tuple string
	if start >= 0 && end > start {
		tuple = text[start+1 : end]
	} else {
		// No parentheses; take the last whitespace-separated token that
		// looks like a comma tuple (the leading "227" would otherwise be
		// mistaken for the first number).
		for _, f := range strings.Fields(text) {
			if strings.Count(f, ",") == 5 {
				tuple = f
			}
		}
		if tuple == "" {
			return "", 0, false
		}
	}

	parts := strings.Split(tuple, ",")
	if len(parts) != 6 {
		return "", 0, false
	}
	nums := make([]int, 6)
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || n < 0 || n > 255 {
			return "", 0, false
		}
		nums[i] = n
	}
	ip = fmt.Sprintf("%d.%d.%d.%d", nums[0], nums[1], nums[2], nums[3])
	port = nums[4]<<8 | nums[5]
	if port == 0 {
		return "", 0, false
	}
	return ip, port, true
}

// ParseSizeReply extracts the byte count from a 213 reply to SIZE.
func ParseSizeReply(text string) (int64, error) {
	s := strings.TrimSpace(text)
	if i := strings.IndexByte(s, ' '); i >= 0 {
		s = strings.TrimSpace(s[i+1:])
	}
	// Some servers append trailing text after the number.
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0, fmt.Errorf("no size in reply %q", text)
	}
	n, err := strconv.ParseInt(s[:end], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad size in reply %q: %w", text, err)
	}
	return n, nil
}
