// Package worker implements the per-connection upload state machine: it
// drives one queued item at a time through collision resolution, working
// directory and transfer mode setup, resume-offset discovery, data
// connection negotiation and the STOR/APPE transfer itself, reacting to
// control replies, data connection and disk events.
//
// The machine is a pure single-step transition function over an explicit
// sub-state enum: each call takes one immutable Event and returns an
// Outcome listing the side effects to execute (command to send, data
// connection action, disk job, timer). The driver loop in worker.go
// executes the effects and re-enters the machine synchronously while the
// Outcome asks for it, so one external event can ripple through any number
// of sub-states without yielding.
package worker

import (
	"net"

	"github.com/ftpferry/ftpferry/internal/diskio"
	"github.com/ftpferry/ftpferry/internal/ftp"
)

// SubState is the upload state machine's position.
type SubState int

const (
	stateStartWork SubState = iota
	stateWaitForListing

	// Link probe: CWD into a colliding link decides file vs directory.
	stateResolveLink
	stateWaitForResolveLinkCWDRes

	// Collision decision states.
	stateCantCreateFileInvalidName
	stateCantCreateFileDirExists
	stateFileExists

	// Upload-type dispatch states; each picks an uploadType and falls
	// through to the common path.
	stateNewFile
	stateAutorenameFile
	stateResumeFile
	stateResumeOrOverwriteFile
	stateOverwriteFile
	stateTestIfFinished

	// Common upload path.
	stateSetTgtPath
	stateWaitForCWDRes
	stateSetType
	stateWaitForTYPERes
	stateGetFileSize
	stateWaitForSIZERes
	stateGetFileSizeFromListing
	stateGenNewName
	stateLockFile
	stateDelForOverwrite
	stateWaitForDELERes
	stateAllocDataCon
	stateWaitForPASVRes
	stateOpenActDataCon
	stateWaitForListen
	stateWaitForPORTRes
	stateSendSTORCmd
	stateActivateDataCon
	stateWaitForSTORRes

	// DELE after an ASCII upload turned out to carry binary data.
	stateWaitForAsciiAbortDELERes

	// Verdict after a test-if-finished SIZE/listing comparison.
	stateTestFileSizeOK
	stateTestFileSizeFailed

	// Debounce window before requeueing after an ambiguous error.
	stateDelayedAutoRetry

	// Listing fetch by the owner worker: send LIST, receive the data.
	stateSendLISTCmd
	stateWaitForLISTRes

	// Completion: move deletes the source, then the item is done.
	stateTransferFinished
	stateDelFileWaitForDisk
	stateCopyDone
)

// uploadType is how the current item will be written to the server.
type uploadType int

const (
	uploadNewFile uploadType = iota
	uploadAutorename
	uploadResume
	uploadResumeOrOverwrite
	uploadOverwrite
	uploadTestIfFinished
)

// dcPurpose tells the shared CWD/TYPE/PASV/PORT states whether they are
// setting up a file upload or a directory listing fetch.
type dcPurpose int

const (
	purposeUpload dcPurpose = iota
	purposeListing
)

// transferMode is the cached TYPE setting of the control connection.
type transferMode int

const (
	modeUnknown transferMode = iota
	modeBinary
	modeASCII
)

// dataConnState tracks the data connection lifecycle.
type dataConnState int

const (
	dcNone dataConnState = iota
	dcAllocated
	dcWaitingForConn
	dcConnected
)

// prepareError is the single-slot out-of-band fault raised by the disk
// read / data preparation pipeline. It is drained by the machine at every
// point it is about to wait on the network; see HandlePrepareDataError.
type prepareError int

const (
	pderNone prepareError = iota
	pderLowMemory
	pderReadError
	pderASCIIForBinary
)

// EventKind classifies machine inputs.
type EventKind int

const (
	// EvActivate is the synthetic re-entry impulse; also the first event
	// delivered when an item starts.
	EvActivate EventKind = iota
	// EvReplyReceived carries a final server reply (2xx-5xx).
	EvReplyReceived
	// EvInfoReceived carries a preliminary 1xx reply.
	EvInfoReceived
	// EvConnClosed: the control connection died.
	EvConnClosed
	// Data connection lifecycle.
	EvDataConListening
	EvDataConConnected
	EvDataConClosed
	EvDataConPrepareData
	// EvDiskWorkFinished carries a disk job result.
	EvDiskWorkFinished
	// Timers.
	EvListenTimeout
	EvDelayedRetryFire
	// EvListingFinished: a target-path listing this worker waited for
	// landed (successfully or not).
	EvListingFinished
	// EvShouldStop: the worker is asked to wind down.
	EvShouldStop
)

// Event is one immutable machine input.
type Event struct {
	Kind  EventKind
	Reply ftp.Reply // EvReplyReceived / EvInfoReceived

	// EvDataConListening
	ListenIP   net.IP
	ListenPort int

	// EvDataConClosed / EvConnClosed
	Err error

	// EvDiskWorkFinished
	Disk *diskio.Result

	// EvDataConClosed for a listing fetch: the collected LIST bytes and
	// whether the transfer ended with a clean close.
	ListData     []byte
	ListComplete bool
}

// diskJobKind is what the machine wants read or removed.
type diskJobKind int

const (
	diskJobNone diskJobKind = iota
	diskJobRead
	diskJobReadASCII
	diskJobDeleteSource
)

// feed is a prepared data block to hand to the data connection.
type feed struct {
	buf []byte
	n   int
	eof bool
}

// Outcome lists the side effects the driver must execute after one
// transition step. Zero value means "wait for the next external event".
type Outcome struct {
	// NextLoop re-enters the machine immediately with EvActivate.
	NextLoop bool

	// SendCmd, when non-empty, is written to the control connection and
	// the reply timer armed, unless SuppressReplyTimer is set (transfer
	// commands whose final reply legitimately takes as long as the
	// transfer itself).
	SendCmd            string
	SuppressReplyTimer bool
	// ArmReplyTimer starts the reply timer without sending anything:
	// used when the data connection closed and only the final reply of a
	// transfer command is still outstanding.
	ArmReplyTimer bool
	// SendQuit closes the session politely before stopping.
	SendQuit bool

	// Data connection actions, executed in field order.
	AllocDataCon     bool // create the upload connection
	AllocListDataCon bool // create the listing connection
	ConnectPassive   bool
	PassiveIP        string
	PassivePort      int
	OpenListening    bool
	ActivateDataCon  bool
	CloseDataCon     bool
	FeedData         *feed

	// Disk actions.
	DiskJob     diskJobKind
	DiskOffset  int64
	DiskPath    string // delete jobs
	CancelDisk  bool

	// Timer actions.
	ArmListenTimeout    bool
	CancelListenTimeout bool
	ArmDelayedRetry     bool

	// Item flow.
	LookForNewWork bool // item reached a terminal or requeued state
	RetryItem      bool // connection lost; requeue and reconnect
	Stop           bool // worker should exit after cleanup
}
