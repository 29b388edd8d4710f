// Package config holds the upload engine configuration: server identity,
// transfer settings, and the collision policies the worker state machine
// consults when a target name cannot be used.
package config

import (
	"fmt"
	"time"
)

// CollisionPolicy is the configured reaction when a target file name cannot
// be used as-is. Not every value is meaningful for every policy slot: the
// cannot-create slots only honor Prompt, Skip and Autorename.
type CollisionPolicy int

const (
	PolicyPrompt CollisionPolicy = iota // park the item for operator decision
	PolicySkip
	PolicyAutorename
	PolicyResume
	PolicyResumeOrOverwrite
	PolicyOverwrite
)

func (p CollisionPolicy) String() string {
	switch p {
	case PolicyPrompt:
		return "prompt"
	case PolicySkip:
		return "skip"
	case PolicyAutorename:
		return "autorename"
	case PolicyResume:
		return "resume"
	case PolicyResumeOrOverwrite:
		return "resume-or-overwrite"
	case PolicyOverwrite:
		return "overwrite"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParseCollisionPolicy parses the config-file spelling of a policy.
func ParseCollisionPolicy(s string) (CollisionPolicy, error) {
	switch s {
	case "prompt":
		return PolicyPrompt, nil
	case "skip":
		return PolicySkip, nil
	case "autorename":
		return PolicyAutorename, nil
	case "resume":
		return PolicyResume, nil
	case "resume-or-overwrite":
		return PolicyResumeOrOverwrite, nil
	case "overwrite":
		return PolicyOverwrite, nil
	default:
		return PolicyPrompt, fmt.Errorf("unknown collision policy %q", s)
	}
}

// AsciiForBinaryPolicy is the reaction to discovering binary content in a
// file queued for ASCII-mode transfer.
type AsciiForBinaryPolicy int

const (
	AsciiForBinaryPrompt AsciiForBinaryPolicy = iota
	AsciiForBinaryInBinMode                   // retry the whole item in binary mode
	AsciiForBinarySkip
	AsciiForBinaryIgnore // upload anyway, caller takes the CRLF damage
)

func (p AsciiForBinaryPolicy) String() string {
	switch p {
	case AsciiForBinaryPrompt:
		return "prompt"
	case AsciiForBinaryInBinMode:
		return "binary"
	case AsciiForBinarySkip:
		return "skip"
	case AsciiForBinaryIgnore:
		return "ignore"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParseAsciiForBinaryPolicy parses the config-file spelling.
func ParseAsciiForBinaryPolicy(s string) (AsciiForBinaryPolicy, error) {
	switch s {
	case "prompt":
		return AsciiForBinaryPrompt, nil
	case "binary":
		return AsciiForBinaryInBinMode, nil
	case "skip":
		return AsciiForBinarySkip, nil
	case "ignore":
		return AsciiForBinaryIgnore, nil
	default:
		return AsciiForBinaryPrompt, fmt.Errorf("unknown ascii-for-binary policy %q", s)
	}
}

// Config represents the ftpferry configuration.
type Config struct {
	// Server identity
	Host     string
	Port     int
	User     string
	Password string

	// Transfer settings
	Workers               int    // parallel control connections
	PassiveMode           bool   // PASV (true) vs PORT (false) initial preference
	EncryptControl        bool   // AUTH TLS on the control connection
	EncryptData           bool   // PROT P on data connections
	ProxyAddr             string // SOCKS5 proxy for data connections, empty = direct
	ResumeMinSize         int64  // below this remote size, overwrite instead of resume
	UseDeleteForOverwrite bool   // issue DELE before STOR when overwriting

	// Timeouts
	ServerRepliesTimeout time.Duration // listen-port preparation timeout
	DelayedRetryWait     time.Duration // debounce before auto-retry after ambiguous errors
	NoDataTimeout        time.Duration // data connection no-traffic watchdog

	// Collision policies (one per reason the target name cannot be used)
	CannotCreateFile   CollisionPolicy // invalid name or name taken by a directory
	FileAlreadyExists  CollisionPolicy // collision, target state unknown
	RetryOnCreatedFile CollisionPolicy // collision after we created the file earlier
	RetryOnResumedFile CollisionPolicy // collision after we resumed the file earlier
	AsciiForBinary     AsciiForBinaryPolicy
}

// Default returns the configuration defaults applied before any file or
// flag overrides.
func Default() *Config {
	return &Config{
		Port:                 21,
		Workers:              2,
		PassiveMode:          true,
		ResumeMinSize:        32 * 1024,
		ServerRepliesTimeout: 20 * time.Second,
		DelayedRetryWait:     2500 * time.Millisecond,
		NoDataTimeout:        5 * time.Minute,
		CannotCreateFile:     PolicyAutorename,
		FileAlreadyExists:    PolicyPrompt,
		RetryOnCreatedFile:   PolicyResumeOrOverwrite,
		RetryOnResumedFile:   PolicyResume,
		AsciiForBinary:       AsciiForBinaryPrompt,
	}
}
