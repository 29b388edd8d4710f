// Package queue provides the shared upload work queue. Items move between
// workers through single atomic state transitions; no multi-field update is
// ever split across time, so concurrent workers always observe a consistent
// item.
package queue

import (
	"sync"
	"time"
)

// ItemType indicates whether the source file is copied or moved.
type ItemType int

const (
	TypeCopyFile ItemType = iota
	TypeMoveFile // source file is deleted after a confirmed upload
)

// State represents the queue-visible state of an item.
type State int

const (
	StateWaiting         State = iota // available for any worker to claim
	StateProcessing                   // owned by exactly one worker
	StateUserInputNeeded              // parked for operator decision
	StateSkipped                      // terminal: skipped by policy
	StateFailed                       // terminal: failed
	StateDone                         // terminal: uploaded (and source deleted for moves)
)

func (s State) String() string {
	switch s {
	case StateWaiting:
		return "waiting"
	case StateProcessing:
		return "processing"
	case StateUserInputNeeded:
		return "user-input-needed"
	case StateSkipped:
		return "skipped"
	case StateFailed:
		return "failed"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state ends the item's processing.
func (s State) Terminal() bool {
	return s == StateSkipped || s == StateFailed || s == StateDone
}

// TgtFileState tracks the remote target file's lifecycle. It only has
// meaning once the create attempt actually reached the server: a
// connection lost before STOR leaves it untrusted.
type TgtFileState int

const (
	TgtFileUnknown TgtFileState = iota
	TgtFileCreated
	TgtFileResumed
	TgtFileTransferred
)

// ForceAction is a one-shot override redirecting the state machine's
// default collision policy for exactly one retry pass. The state machine
// clears it when consumed unless the consuming branch chains into another
// forced action.
type ForceAction int

const (
	ForceNone ForceAction = iota
	ForceOverwrite
	ForceResume
	ForceResumeOrOverwrite
	ForceUseAutorename      // operator picked autorename in the solve-error dialog
	ForceContinueAutorename // STOR refused the candidate, try the next name
	ForceAutorename         // previous pass proved autorename is required
	ForceTestIfFinished     // all data sent but no final reply: verify by size
)

// Problem classifies why an item stopped or needs attention.
type Problem int

const (
	ProblemNone Problem = iota
	ProblemLowMemory
	ProblemCannotListTgtPath
	ProblemCannotCreateTgtFile
	ProblemTgtFileAlreadyExists
	ProblemRetryOnCreatedFile
	ProblemRetryOnResumedFile
	ProblemInvalidPathToLink
	ProblemUnableToResolveLink
	ProblemUnableToCWD
	ProblemUnableToResume
	ProblemUnableToResumeBigTgt
	ProblemUnableToResumeUnknownSize
	ProblemAsciiResumeNotSupported
	ProblemAsciiTrForBinFile
	ProblemTestIfFinishedNotSupported
	ProblemTgtFileInUse
	ProblemAutorenameFailed
	ProblemIncompleteUpload
	ProblemListenFailure
	ProblemReadError
	ProblemDeleteSrcFile
)

func (p Problem) String() string {
	switch p {
	case ProblemNone:
		return ""
	case ProblemLowMemory:
		return "out of memory"
	case ProblemCannotListTgtPath:
		return "unable to list target path"
	case ProblemCannotCreateTgtFile:
		return "unable to create target file"
	case ProblemTgtFileAlreadyExists:
		return "target file already exists"
	case ProblemRetryOnCreatedFile:
		return "target file created by a previous attempt"
	case ProblemRetryOnResumedFile:
		return "target file resumed by a previous attempt"
	case ProblemInvalidPathToLink:
		return "invalid path to link"
	case ProblemUnableToResolveLink:
		return "unable to resolve link"
	case ProblemUnableToCWD:
		return "unable to change working directory"
	case ProblemUnableToResume:
		return "server does not support resume"
	case ProblemUnableToResumeBigTgt:
		return "target file is bigger than source, resume impossible"
	case ProblemUnableToResumeUnknownSize:
		return "target file size unknown, resume impossible"
	case ProblemAsciiResumeNotSupported:
		return "resume is not supported in ASCII transfer mode"
	case ProblemAsciiTrForBinFile:
		return "binary file queued for ASCII transfer"
	case ProblemTestIfFinishedNotSupported:
		return "unable to verify whether upload finished"
	case ProblemTgtFileInUse:
		return "target file is in use by another operation"
	case ProblemAutorenameFailed:
		return "no usable autorename candidate"
	case ProblemIncompleteUpload:
		return "upload did not complete"
	case ProblemListenFailure:
		return "unable to open listen port for active data connection"
	case ProblemReadError:
		return "error reading source file"
	case ProblemDeleteSrcFile:
		return "unable to delete source file"
	default:
		return "unknown problem"
	}
}

// Item is one upload/copy/move work unit.
// All mutable fields are guarded by the owning Queue's lock; workers read
// them only while holding the claim on the item.
type Item struct {
	UID  int
	Type ItemType

	// Source
	Path string // local directory
	Name string // local file name
	Size int64  // local byte size

	// Target
	TgtPath string // remote directory (server-returned spelling)
	TgtName string // remote file name
	// RenamedName is set once autorename commits a candidate; display and
	// subsequent STOR attempts prefer it over TgtName.
	RenamedName string

	AsciiTransferMode bool
	// IgnoreAsciiForBin suppresses the content sniff for this item
	// (operator chose "upload anyway").
	IgnoreAsciiForBin bool

	// ASCII bookkeeping: source size counted with CRLF line ends, and the
	// number of line ends, so a later SIZE check can match either EOL
	// convention the server may have stored.
	SizeWithCRLF int64
	NumberOfEOLs int64

	TgtFileState    TgtFileState
	ForceAction     ForceAction
	AutorenamePhase int

	State     State
	Problem   Problem
	ErrCode   error  // underlying OS/network error, may be nil
	ErrDetail string // free-text detail, typically the server's reply

	CreatedAt   time.Time
	CompletedAt time.Time
}

// EffectiveTgtName returns the name the upload actually targets:
// the committed autorename candidate when present, TgtName otherwise.
func (it *Item) EffectiveTgtName() string {
	if it.RenamedName != "" {
		return it.RenamedName
	}
	return it.TgtName
}

var (
	itemCounter int
	itemMu      sync.Mutex
)

func nextItemUID() int {
	itemMu.Lock()
	defer itemMu.Unlock()
	itemCounter++
	return itemCounter
}

// NewItem creates a waiting queue item for one source file.
func NewItem(itemType ItemType, path, name, tgtPath, tgtName string, size int64, ascii bool) *Item {
	return &Item{
		UID:               nextItemUID(),
		Type:              itemType,
		Path:              path,
		Name:              name,
		Size:              size,
		TgtPath:           tgtPath,
		TgtName:           tgtName,
		AsciiTransferMode: ascii,
		State:             StateWaiting,
		CreatedAt:         time.Now(),
	}
}
