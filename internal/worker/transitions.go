package worker

import (
	"path/filepath"

	"github.com/ftpferry/ftpferry/internal/config"
	"github.com/ftpferry/ftpferry/internal/dataconn"
	"github.com/ftpferry/ftpferry/internal/ftp"
	"github.com/ftpferry/ftpferry/internal/listcache"
	"github.com/ftpferry/ftpferry/internal/openfiles"
	"github.com/ftpferry/ftpferry/internal/pathutil"
	"github.com/ftpferry/ftpferry/internal/queue"
)

// transition is the per-state event handler, entered after the global
// handlers in Step filtered out cross-state events.
func (m *Machine) transition(ev Event) Outcome {
	switch m.state {
	case stateStartWork:
		return m.doStartWork()
	case stateWaitForListing:
		return m.doWaitForListing(ev)
	case stateResolveLink:
		return m.doResolveLink()
	case stateWaitForResolveLinkCWDRes:
		return m.doWaitForResolveLinkCWDRes(ev)
	case stateCantCreateFileInvalidName:
		return m.doCantCreateFile(queue.ProblemCannotCreateTgtFile, "invalid target file name")
	case stateCantCreateFileDirExists:
		return m.doCantCreateFile(queue.ProblemCannotCreateTgtFile, "a directory of that name exists")
	case stateFileExists:
		return m.doFileExists()
	case stateNewFile:
		m.upload = uploadNewFile
		return m.enterCommonPath()
	case stateAutorenameFile:
		m.upload = uploadAutorename
		return m.enterCommonPath()
	case stateResumeFile:
		m.upload = uploadResume
		return m.enterCommonPath()
	case stateResumeOrOverwriteFile:
		m.upload = uploadResumeOrOverwrite
		return m.enterCommonPath()
	case stateOverwriteFile:
		m.upload = uploadOverwrite
		return m.enterCommonPath()
	case stateTestIfFinished:
		m.upload = uploadTestIfFinished
		return m.enterCommonPath()
	case stateSetTgtPath:
		return m.doSetTgtPath()
	case stateWaitForCWDRes:
		return m.doWaitForCWDRes(ev)
	case stateSetType:
		return m.doSetType()
	case stateWaitForTYPERes:
		return m.doWaitForTYPERes(ev)
	case stateGetFileSize:
		return m.doGetFileSize()
	case stateWaitForSIZERes:
		return m.doWaitForSIZERes(ev)
	case stateGetFileSizeFromListing:
		return m.doGetFileSizeFromListing()
	case stateGenNewName:
		return m.doGenNewName()
	case stateLockFile:
		return m.doLockFile()
	case stateDelForOverwrite:
		return m.doDelForOverwrite()
	case stateWaitForDELERes:
		return m.doWaitForDELERes(ev)
	case stateAllocDataCon:
		return m.doAllocDataCon()
	case stateWaitForPASVRes:
		return m.doWaitForPASVRes(ev)
	case stateOpenActDataCon:
		return m.doOpenActDataCon()
	case stateWaitForListen:
		return m.doWaitForListen(ev)
	case stateWaitForPORTRes:
		return m.doWaitForPORTRes(ev)
	case stateSendSTORCmd:
		return m.doSendSTORCmd()
	case stateActivateDataCon:
		return m.doActivateDataCon()
	case stateWaitForSTORRes:
		return m.doWaitForSTORRes(ev)
	case stateWaitForAsciiAbortDELERes:
		return m.doWaitForAsciiAbortDELERes(ev)
	case stateTestFileSizeOK:
		return m.doTestFileSizeOK()
	case stateTestFileSizeFailed:
		return m.doTestFileSizeFailed()
	case stateDelayedAutoRetry:
		return m.doDelayedAutoRetry(ev)
	case stateSendLISTCmd:
		return m.doSendLISTCmd()
	case stateWaitForLISTRes:
		return m.doWaitForLISTRes(ev)
	case stateTransferFinished:
		return m.doTransferFinished()
	case stateDelFileWaitForDisk:
		return m.doDelFileWaitForDisk(ev)
	case stateCopyDone:
		return m.doCopyDone()
	}
	return Outcome{}
}

// doStartWork determines the collision status of the target name through
// the listing cache, honoring forced actions from a previous pass.
func (m *Machine) doStartWork() Outcome {
	it := m.item

	// A fully transferred target never re-enters collision resolution
	// unless a forced action explicitly asks for it.
	if it.TgtFileState == queue.TgtFileTransferred && it.ForceAction == queue.ForceNone {
		m.state = stateTransferFinished
		return Outcome{NextLoop: true}
	}

	// The forced action stays on the item until the transfer command's
	// verdict (or the size-check verdict) consumes it, so a connection
	// loss during the preamble cannot drop an operator decision.
	switch it.ForceAction {
	case queue.ForceAutorename, queue.ForceUseAutorename, queue.ForceContinueAutorename:
		m.state = stateAutorenameFile
		return Outcome{NextLoop: true}
	case queue.ForceTestIfFinished:
		m.state = stateTestIfFinished
		return Outcome{NextLoop: true}
	}

	tgt := it.EffectiveTgtName()
	if !pathutil.IsValidNameComponent(tgt) {
		m.state = stateCantCreateFileInvalidName
		return Outcome{NextLoop: true}
	}

	res := m.cache.GetListing(m.cfg.User, m.cfg.Host, m.cfg.Port, it.TgtPath, m.workerID, tgt)
	switch {
	case res.InProgress && res.OwnerShouldFetch:
		m.listingReturn = stateStartWork
		return m.startListingFetch()
	case res.InProgress:
		m.listingReturn = stateStartWork
		m.state = stateWaitForListing
		return Outcome{}
	case res.NotAccessible:
		return m.failItem(queue.ProblemCannotListTgtPath, nil, "")
	case res.NameExists:
		m.existing = res.Entry
		switch res.Entry.Type {
		case listcache.EntryDir:
			m.state = stateCantCreateFileDirExists
		case listcache.EntryLink:
			m.state = stateResolveLink
		default:
			m.state = stateFileExists
		}
		return Outcome{NextLoop: true}
	default:
		m.state = stateNewFile
		return Outcome{NextLoop: true}
	}
}

func (m *Machine) doWaitForListing(ev Event) Outcome {
	if ev.Kind != EvListingFinished {
		return Outcome{}
	}
	m.state = m.listingReturn
	return Outcome{NextLoop: true}
}

// doResolveLink CWD-probes a colliding link: success means it leads to a
// directory, an error means it is (or behaves as) a file.
func (m *Machine) doResolveLink() Outcome {
	linkPath, ok := pathutil.Join(m.item.TgtPath, m.item.EffectiveTgtName())
	if !ok {
		return m.failItem(queue.ProblemInvalidPathToLink, nil, "")
	}
	m.state = stateWaitForResolveLinkCWDRes
	return Outcome{SendCmd: ftp.CmdCWD(linkPath)}
}

func (m *Machine) doWaitForResolveLinkCWDRes(ev Event) Outcome {
	if ev.Kind != EvReplyReceived {
		return Outcome{}
	}
	if ev.Reply.IsPositiveCompletion() {
		if p, ok := pathutil.Join(m.item.TgtPath, m.item.EffectiveTgtName()); ok {
			m.curWorkingPath = p
		}
		m.state = stateCantCreateFileDirExists
	} else {
		m.state = stateFileExists
	}
	return Outcome{NextLoop: true}
}

// doCantCreateFile applies the cannot-create-target policy (the name is
// invalid or taken by a directory): prompt, skip or autorename.
func (m *Machine) doCantCreateFile(p queue.Problem, detail string) Outcome {
	switch m.cfg.CannotCreateFile {
	case config.PolicyAutorename:
		m.state = stateAutorenameFile
		return Outcome{NextLoop: true}
	case config.PolicySkip:
		return m.skipItem(p, detail)
	default:
		return m.parkItem(p, detail)
	}
}

// doFileExists applies the file-collision policy. A one-shot forced
// action wins; otherwise the policy depends on whether a previous pass
// already created or resumed the target.
func (m *Machine) doFileExists() Outcome {
	it := m.item

	if it.ForceAction != queue.ForceNone {
		switch it.ForceAction {
		case queue.ForceOverwrite:
			m.state = stateOverwriteFile
		case queue.ForceResume:
			m.state = stateResumeFile
		case queue.ForceResumeOrOverwrite:
			m.state = stateResumeOrOverwriteFile
		case queue.ForceTestIfFinished:
			m.state = stateTestIfFinished
		default:
			m.state = stateAutorenameFile
		}
		return Outcome{NextLoop: true}
	}

	policy := m.cfg.FileAlreadyExists
	problem := queue.ProblemTgtFileAlreadyExists
	switch it.TgtFileState {
	case queue.TgtFileCreated:
		policy = m.cfg.RetryOnCreatedFile
		problem = queue.ProblemRetryOnCreatedFile
	case queue.TgtFileResumed:
		policy = m.cfg.RetryOnResumedFile
		problem = queue.ProblemRetryOnResumedFile
	}

	switch policy {
	case config.PolicyAutorename:
		m.state = stateAutorenameFile
	case config.PolicyResume:
		m.state = stateResumeFile
	case config.PolicyResumeOrOverwrite:
		m.state = stateResumeOrOverwriteFile
	case config.PolicyOverwrite:
		m.state = stateOverwriteFile
	case config.PolicySkip:
		return m.skipItem(problem, "")
	default:
		return m.parkItem(problem, "")
	}
	return Outcome{NextLoop: true}
}

func (m *Machine) enterCommonPath() Outcome {
	m.state = stateSetTgtPath
	return Outcome{NextLoop: true}
}

// doSetTgtPath makes the server's working directory the target path,
// skipping the CWD when it already matches.
func (m *Machine) doSetTgtPath() Outcome {
	if m.curWorkingPath == m.item.TgtPath {
		m.state = stateSetType
		return Outcome{NextLoop: true}
	}
	m.state = stateWaitForCWDRes
	return Outcome{SendCmd: ftp.CmdCWD(m.item.TgtPath)}
}

func (m *Machine) doWaitForCWDRes(ev Event) Outcome {
	if ev.Kind != EvReplyReceived {
		return Outcome{}
	}
	if ev.Reply.IsPositiveCompletion() {
		m.curWorkingPath = m.item.TgtPath
		m.state = stateSetType
		return Outcome{NextLoop: true}
	}
	if m.purpose == purposeListing {
		m.cache.ListingFailed(m.cfg.User, m.cfg.Host, m.cfg.Port, m.item.TgtPath,
			ev.Reply.IsPermanentNegative())
		return m.failItem(queue.ProblemCannotListTgtPath, nil, ev.Reply.Text)
	}
	return m.failItem(queue.ProblemUnableToCWD, nil, ev.Reply.Text)
}

// doSetType makes the control connection's transfer mode match the need:
// ASCII for listing fetches and ASCII items, binary otherwise.
func (m *Machine) doSetType() Outcome {
	want := m.wantMode()
	if m.curMode == want {
		return m.afterType()
	}
	m.state = stateWaitForTYPERes
	return Outcome{SendCmd: ftp.CmdType(want == modeASCII)}
}

func (m *Machine) doWaitForTYPERes(ev Event) Outcome {
	if ev.Kind != EvReplyReceived {
		return Outcome{}
	}
	if ev.Reply.IsPositiveCompletion() {
		m.curMode = m.wantMode()
	} else {
		// Practically every server accepts TYPE; on the odd refusal the
		// mode cache stays unknown so the next item negotiates again.
		m.curMode = modeUnknown
		m.log.Warn().Str("reply", ev.Reply.Text).Msg("TYPE command refused")
	}
	return m.afterType()
}

func (m *Machine) wantMode() transferMode {
	if m.purpose == purposeListing || m.item.AsciiTransferMode {
		return modeASCII
	}
	return modeBinary
}

// afterType dispatches past the CWD/TYPE preamble.
func (m *Machine) afterType() Outcome {
	if m.purpose == purposeListing {
		m.state = stateAllocDataCon
		return Outcome{NextLoop: true}
	}
	if m.hasResumeAfter {
		m.state = m.resumeAfterType
		m.hasResumeAfter = false
		return Outcome{NextLoop: true}
	}
	switch m.upload {
	case uploadAutorename:
		m.state = stateGenNewName
	case uploadResume, uploadResumeOrOverwrite, uploadTestIfFinished:
		m.state = stateGetFileSize
	default:
		m.state = stateLockFile
	}
	return Outcome{NextLoop: true}
}

// doGetFileSize asks the server for the target's size. Resume is refused
// outright in ASCII mode: servers translate line ends while storing, so a
// byte offset into the local file does not correspond to the remote size.
func (m *Machine) doGetFileSize() Outcome {
	if m.item.AsciiTransferMode {
		switch m.upload {
		case uploadResume:
			return m.failItem(queue.ProblemAsciiResumeNotSupported, nil, "")
		case uploadResumeOrOverwrite:
			m.log.Debug().Str("name", m.item.EffectiveTgtName()).
				Msg("ASCII resume not supported, overwriting")
			m.upload = uploadOverwrite
			m.state = stateLockFile
			return Outcome{NextLoop: true}
		default: // test-if-finished compares against the CRLF size
		}
	}
	if m.upload != uploadTestIfFinished && !m.op.ResumeSupported() {
		if m.upload == uploadResume {
			return m.failItem(queue.ProblemUnableToResume, nil, "")
		}
		m.upload = uploadOverwrite
		m.state = stateLockFile
		return Outcome{NextLoop: true}
	}
	if !m.op.SizeCmdSupported() {
		m.state = stateGetFileSizeFromListing
		return Outcome{NextLoop: true}
	}
	m.state = stateWaitForSIZERes
	return Outcome{SendCmd: ftp.CmdSize(m.item.EffectiveTgtName())}
}

func (m *Machine) doWaitForSIZERes(ev Event) Outcome {
	if ev.Kind != EvReplyReceived {
		return Outcome{}
	}
	r := ev.Reply
	if r.IsPositiveCompletion() {
		size, err := ftp.ParseSizeReply(r.Text)
		if err == nil {
			return m.decideBySize(size)
		}
		m.state = stateGetFileSizeFromListing
		return Outcome{NextLoop: true}
	}
	if r.IsPermanentNegative() && r.Digit2() == 0 {
		// Syntax-class refusal: the server does not know SIZE at all.
		m.op.SetSizeCmdSupported(false)
	}
	m.state = stateGetFileSizeFromListing
	return Outcome{NextLoop: true}
}

// doGetFileSizeFromListing resolves the target size from the cached
// listing when SIZE is unsupported or failed. The collision entry found
// at start is reused when present; the cache invalidation contract
// guarantees it could not have changed without this path being told.
func (m *Machine) doGetFileSizeFromListing() Outcome {
	entry := m.existing
	if entry == nil {
		res := m.cache.GetListing(m.cfg.User, m.cfg.Host, m.cfg.Port, m.item.TgtPath,
			m.workerID, m.item.EffectiveTgtName())
		switch {
		case res.InProgress && res.OwnerShouldFetch:
			m.listingReturn = stateGetFileSizeFromListing
			return m.startListingFetch()
		case res.InProgress:
			m.listingReturn = stateGetFileSizeFromListing
			m.state = stateWaitForListing
			return Outcome{}
		case res.NotAccessible:
			return m.failItem(queue.ProblemCannotListTgtPath, nil, "")
		}
		entry = res.Entry
	}

	if entry == nil {
		// The target vanished since the collision was detected.
		if m.upload == uploadTestIfFinished {
			m.state = stateTestFileSizeFailed
			return Outcome{NextLoop: true}
		}
		m.resumingOnServer = false
		m.resumeOffset = 0
		m.state = stateLockFile
		return Outcome{NextLoop: true}
	}

	if entry.Size == listcache.SizeUnknown || entry.Size == listcache.SizeNeedUpdate {
		switch m.upload {
		case uploadTestIfFinished:
			return m.failItem(queue.ProblemTestIfFinishedNotSupported, nil, "")
		case uploadResumeOrOverwrite:
			m.upload = uploadOverwrite
			m.state = stateLockFile
			return Outcome{NextLoop: true}
		default:
			return m.failItem(queue.ProblemUnableToResumeUnknownSize, nil, "")
		}
	}
	return m.decideBySize(entry.Size)
}

// decideBySize turns a known target size into the next step for resume,
// resume-or-overwrite and test-if-finished uploads.
func (m *Machine) decideBySize(tgtSize int64) Outcome {
	if m.upload == uploadTestIfFinished {
		expected := m.srcSize
		if m.item.AsciiTransferMode {
			// The server stored either our CRLF stream or its own EOL
			// convention; accept both counts.
			if tgtSize == m.item.SizeWithCRLF || tgtSize == m.item.SizeWithCRLF-m.item.NumberOfEOLs {
				m.state = stateTestFileSizeOK
				return Outcome{NextLoop: true}
			}
			m.state = stateTestFileSizeFailed
			return Outcome{NextLoop: true}
		}
		if tgtSize == expected {
			m.state = stateTestFileSizeOK
		} else {
			m.state = stateTestFileSizeFailed
		}
		return Outcome{NextLoop: true}
	}

	switch {
	case tgtSize > m.srcSize:
		// The remote file is bigger than the source; appending to it can
		// never produce the source. Overwrite or give up.
		if m.upload == uploadResumeOrOverwrite {
			m.log.Debug().Int64("target", tgtSize).Int64("source", m.srcSize).
				Msg("Target bigger than source, overwriting")
			m.upload = uploadOverwrite
		} else {
			return m.failItem(queue.ProblemUnableToResumeBigTgt, nil, "")
		}
	case tgtSize < m.cfg.ResumeMinSize:
		// Not enough already transferred to be worth an APPE round trip.
		m.upload = uploadOverwrite
	default:
		m.resumingOnServer = true
		m.resumeOffset = tgtSize
	}
	m.state = stateLockFile
	return Outcome{NextLoop: true}
}

// doGenNewName loops the autorename generator: candidate, listing check,
// open-files claim. It commits the first name that passes all three.
func (m *Machine) doGenNewName() Outcome {
	if m.gen == nil {
		m.gen = newNameGenerator(m.item.EffectiveTgtName(), m.item.AutorenamePhase)
	}
	for {
		candidate, ok := m.gen.generate()
		if !ok {
			m.q.UpdateAutorenamePhase(m.item, -1)
			return m.failItem(queue.ProblemAutorenameFailed, nil, "")
		}

		res := m.cache.GetListing(m.cfg.User, m.cfg.Host, m.cfg.Port, m.item.TgtPath,
			m.workerID, candidate)
		switch {
		case res.InProgress && res.OwnerShouldFetch:
			m.listingReturn = stateGenNewName
			return m.startListingFetch()
		case res.InProgress:
			m.listingReturn = stateGenNewName
			m.state = stateWaitForListing
			return Outcome{}
		case res.NotAccessible:
			return m.failItem(queue.ProblemCannotListTgtPath, nil, "")
		case res.NameExists:
			continue
		}

		uid, claimed := m.open.Open(m.cfg.User, m.cfg.Host, m.cfg.Port, m.item.TgtPath,
			candidate, openfiles.AccessWrite)
		if !claimed {
			continue // another worker is writing that name right now
		}

		m.lockedFileUID = uid
		m.q.UpdateRenamedName(m.item, candidate)
		m.q.UpdateAutorenamePhase(m.item, m.gen.currentPhase())
		m.log.Debug().Str("name", candidate).Msg("Autorename candidate committed")
		m.state = stateDelForOverwrite
		return Outcome{NextLoop: true}
	}
}

// doLockFile claims the target name in the process-wide open files
// registry so two workers never write the same remote file.
func (m *Machine) doLockFile() Outcome {
	uid, claimed := m.open.Open(m.cfg.User, m.cfg.Host, m.cfg.Port, m.item.TgtPath,
		m.item.EffectiveTgtName(), openfiles.AccessWrite)
	if !claimed {
		return m.failItem(queue.ProblemTgtFileInUse, nil, "")
	}
	m.lockedFileUID = uid
	m.state = stateDelForOverwrite
	return Outcome{NextLoop: true}
}

// doDelForOverwrite optionally deletes the target before STOR. Some
// servers keep the old tail when STOR rewrites a file in place; deleting
// first sidesteps that.
func (m *Machine) doDelForOverwrite() Outcome {
	if m.upload == uploadOverwrite && m.useDeleteForOverwrite {
		m.state = stateWaitForDELERes
		return Outcome{SendCmd: ftp.CmdDele(m.item.EffectiveTgtName())}
	}
	m.state = stateAllocDataCon
	return Outcome{NextLoop: true}
}

func (m *Machine) doWaitForDELERes(ev Event) Outcome {
	if ev.Kind != EvReplyReceived {
		return Outcome{}
	}
	if ev.Reply.IsPositiveCompletion() {
		m.cache.ReportDelete(m.cfg.User, m.cfg.Host, m.cfg.Port, m.item.TgtPath,
			m.item.EffectiveTgtName(), false)
		m.existing = nil
	} else {
		// STOR will truncate anyway; just distrust the cached size.
		m.cache.ReportDelete(m.cfg.User, m.cfg.Host, m.cfg.Port, m.item.TgtPath,
			m.item.EffectiveTgtName(), true)
	}
	m.state = stateAllocDataCon
	return Outcome{NextLoop: true}
}

// doAllocDataCon allocates the data connection and picks PASV or PORT.
func (m *Machine) doAllocDataCon() Outcome {
	out := Outcome{}
	if m.purpose == purposeListing {
		out.AllocListDataCon = true
	} else {
		out.AllocDataCon = true
	}
	m.dataConn = dcAllocated
	m.dataClosed = false
	m.dataActivated = false

	if m.op.UsePassiveMode() {
		m.state = stateWaitForPASVRes
		out.SendCmd = ftp.CmdPasv()
		return out
	}
	m.state = stateOpenActDataCon
	out.NextLoop = true
	return out
}

func (m *Machine) doWaitForPASVRes(ev Event) Outcome {
	if ev.Kind != EvReplyReceived {
		return Outcome{}
	}
	if ev.Reply.IsPositiveCompletion() {
		if ip, port, ok := ftp.ParsePasvReply(ev.Reply.Text); ok {
			m.dataConn = dcWaitingForConn
			m.state = m.sendCmdState()
			return Outcome{ConnectPassive: true, PassiveIP: ip, PassivePort: port, NextLoop: true}
		}
	}
	// PASV refused or unparseable: switch the whole operation to active
	// mode and retry this transfer with PORT.
	m.op.SetUsePassiveMode(false)
	m.log.Debug().Str("reply", ev.Reply.Text).Msg("PASV unusable, falling back to active mode")
	m.state = stateOpenActDataCon
	return Outcome{NextLoop: true}
}

func (m *Machine) doOpenActDataCon() Outcome {
	m.state = stateWaitForListen
	return Outcome{OpenListening: true, ArmListenTimeout: true}
}

func (m *Machine) doWaitForListen(ev Event) Outcome {
	switch ev.Kind {
	case EvDataConListening:
		cmd, err := ftp.CmdPort(ev.ListenIP, ev.ListenPort)
		if err != nil {
			return m.listenFailure(err.Error())
		}
		m.state = stateWaitForPORTRes
		return Outcome{SendCmd: cmd}
	case EvListenTimeout:
		return m.listenFailure("timeout waiting for listen port")
	case EvDataConClosed:
		return m.listenFailure(errText(ev.Err))
	}
	return Outcome{}
}

func (m *Machine) doWaitForPORTRes(ev Event) Outcome {
	if ev.Kind == EvListenTimeout {
		return m.listenFailure("timeout waiting for data connection")
	}
	if ev.Kind != EvReplyReceived {
		return Outcome{}
	}
	if !ev.Reply.IsPositiveCompletion() {
		return m.listenFailure(ev.Reply.Text)
	}
	m.dataConn = dcWaitingForConn
	m.state = m.sendCmdState()
	return Outcome{CancelListenTimeout: true, NextLoop: true}
}

func (m *Machine) listenFailure(detail string) Outcome {
	if m.purpose == purposeListing {
		m.cache.ListingFailed(m.cfg.User, m.cfg.Host, m.cfg.Port, m.item.TgtPath, false)
	}
	return m.failItem(queue.ProblemListenFailure, nil, detail)
}

func (m *Machine) sendCmdState() SubState {
	if m.purpose == purposeListing {
		return stateSendLISTCmd
	}
	return stateSendSTORCmd
}

// doSendSTORCmd issues the transfer command. The target-file lifecycle
// marker and the cache are updated now, because from this moment the
// create has reached the server and its effects must be assumed even if
// the reply never arrives.
func (m *Machine) doSendSTORCmd() Outcome {
	it := m.item
	tgt := it.EffectiveTgtName()

	var cmd string
	if m.resumingOnServer {
		cmd = ftp.CmdAppe(tgt)
		m.fileOffset = m.resumeOffset
		m.q.UpdateTgtFileState(it, queue.TgtFileResumed)
	} else {
		cmd = ftp.CmdStor(tgt)
		m.fileOffset = 0
		m.q.UpdateTgtFileState(it, queue.TgtFileCreated)
	}
	m.cache.ReportStoreFile(m.cfg.User, m.cfg.Host, m.cfg.Port, it.TgtPath, tgt)

	m.storSent = true
	m.storReplySeen = false
	m.storReply = nil
	m.state = stateActivateDataCon
	return Outcome{SendCmd: cmd, SuppressReplyTimer: true, NextLoop: true}
}

// doActivateDataCon releases the data connection for transfer. Plaintext
// connections are activated right away; encrypted ones wait for the
// server's preliminary reply (see handleInfo).
func (m *Machine) doActivateDataCon() Outcome {
	m.state = stateWaitForSTORRes
	if !m.cfg.EncryptData {
		m.dataActivated = true
		return Outcome{ActivateDataCon: true}
	}
	return Outcome{}
}

// doWaitForSTORRes collects the final reply and the data connection close,
// in whichever order they arrive, then reconciles them into a verdict.
func (m *Machine) doWaitForSTORRes(ev Event) Outcome {
	switch ev.Kind {
	case EvReplyReceived:
		r := ev.Reply
		m.storReply = &r
		m.storReplySeen = true
		if !m.dataClosed {
			if !r.IsPositiveCompletion() {
				// The server aborted; tear the data connection down so
				// its close event arrives and we can conclude.
				return Outcome{CloseDataCon: true}
			}
			return Outcome{}
		}
	case EvDataConClosed:
		m.dataClosed = true
		m.dataConn = dcNone
		if !m.storReplySeen {
			// All data is out; now the final reply is the only thing
			// left, so the reply timer starts here, not at send time.
			return Outcome{ArmReplyTimer: true}
		}
	default:
		return Outcome{}
	}
	return m.reconcileTransfer()
}

// reconcileTransfer turns (final reply, data connection outcome, pending
// abort) into the item's fate. Success needs all three: a 2xx reply,
// every byte sent, and no transport or TLS error.
func (m *Machine) reconcileTransfer() Outcome {
	it := m.item
	tgt := it.EffectiveTgtName()
	reply := m.storReply

	var netErr error
	sslClass := dataconn.SSLErrNone
	var written int64
	allSent := false
	if m.dc != nil {
		netErr, sslClass = m.dc.Error()
		written = m.dc.TotalWritten()
		allSent = m.dc.AllDataTransferred()
	}

	// Sending STOR/APPE completes a forced overwrite/resume decision.
	// Branches below that need another pass set a fresh action.
	if it.ForceAction != queue.ForceNone {
		m.q.UpdateForceAction(it, queue.ForceNone)
	}

	if m.abort != pderNone {
		return m.resolveAbort(written)
	}

	success := reply != nil && reply.IsPositiveCompletion() &&
		allSent && netErr == nil && sslClass == dataconn.SSLErrNone

	if success {
		m.q.UpdateTgtFileState(it, queue.TgtFileTransferred)
		realSize := written
		if m.resumingOnServer {
			realSize += m.resumeOffset
		}
		if realSize != it.Size {
			m.q.UpdateFileSize(it, realSize)
		}
		size := m.srcSize
		unknownSize := false
		if it.AsciiTransferMode {
			m.q.UpdateTextFileSizes(it, m.bytesConverted, m.eolsWritten)
			unknownSize = true // the server may have rewritten line ends
		}
		if m.resumingOnServer {
			unknownSize = true
		}
		if unknownSize {
			size = listcache.SizeNeedUpdate
		}
		m.cache.ReportFileUploaded(m.cfg.User, m.cfg.Host, m.cfg.Port, it.TgtPath, tgt, size, false)
		if it.RenamedName != "" {
			m.q.ChangeTgtNameToRenamedName(it)
		}
		m.state = stateTransferFinished
		return Outcome{NextLoop: true}
	}

	// Remote state is no longer trustworthy.
	m.cache.ReportFileUploaded(m.cfg.User, m.cfg.Host, m.cfg.Port, it.TgtPath, tgt, 0, true)

	if reply != nil && !reply.IsPositiveCompletion() && written == 0 &&
		!m.resumingOnServer && sslClass == dataconn.SSLErrNone {
		return m.resolveCreateRefused(*reply)
	}

	transient := (reply != nil && reply.IsTransientNegative() &&
		(reply.Digit2() == 2 || reply.Digit2() == 5)) ||
		isTimeout(netErr) || sslClass == dataconn.SSLErrCanRetry
	if transient {
		// Wait out the debounce window so straggler replies get logged
		// against this attempt before the item re-enters the pool.
		m.state = stateDelayedAutoRetry
		return Outcome{ArmDelayedRetry: true, CloseDataCon: true}
	}

	if sslClass == dataconn.SSLErrUnverifiedCert {
		m.finished = true
		m.q.UpdateItemState(it, queue.StateWaiting, queue.ProblemNone, netErr, "", m.workerID)
		return Outcome{CloseDataCon: true, RetryItem: true}
	}

	if m.resumingOnServer && sslClass == dataconn.SSLErrNone {
		if reply != nil && reply.IsPermanentNegative() && reply.Digit2() == 0 {
			// Syntax-class refusal of APPE: the server cannot resume at all.
			m.op.SetResumeSupported(false)
			if m.upload == uploadResumeOrOverwrite {
				m.log.Debug().Str("name", tgt).Msg("Resume not supported, overwriting")
				m.q.UpdateForceAction(it, queue.ForceOverwrite)
				return m.requeueItem()
			}
			return m.failItem(queue.ProblemUnableToResume, nil, reply.Text)
		}
		if m.upload == uploadResumeOrOverwrite {
			// The append failed for good; the file can still be replaced.
			m.log.Debug().Str("name", tgt).Msg("Resume failed, overwriting")
			m.q.UpdateForceAction(it, queue.ForceOverwrite)
			return m.requeueItem()
		}
	}

	detail := ""
	if reply != nil {
		detail = reply.Text
	}
	return m.failItem(queue.ProblemIncompleteUpload, netErr, detail)
}

// resolveCreateRefused handles a non-success reply with zero bytes sent:
// the server refused to even create the file. The create never took
// effect, so the lifecycle marker is reset and the cannot-create policy
// decides what happens next.
func (m *Machine) resolveCreateRefused(reply ftp.Reply) Outcome {
	it := m.item
	m.q.UpdateTgtFileState(it, queue.TgtFileUnknown)

	if m.upload == uploadOverwrite && !m.useDeleteForOverwrite {
		// In-place rewrite was refused. Some servers allow delete plus
		// create where writing into another user's file is denied, so
		// retry the overwrite with DELE first.
		m.useDeleteForOverwrite = true
		m.q.UpdateForceAction(it, queue.ForceOverwrite)
		return m.requeueItem()
	}

	if m.upload == uploadAutorename {
		// This candidate was refused; keep the rename and continue the
		// generator from the next name on the following pass.
		m.q.UpdateForceAction(it, queue.ForceContinueAutorename)
		return m.requeueItem()
	}

	switch m.cfg.CannotCreateFile {
	case config.PolicyAutorename:
		m.q.UpdateForceAction(it, queue.ForceAutorename)
		return m.requeueItem()
	case config.PolicySkip:
		return m.skipItem(queue.ProblemCannotCreateTgtFile, reply.Text)
	default:
		return m.parkItem(queue.ProblemCannotCreateTgtFile, reply.Text)
	}
}

// resolveAbort finishes a transfer the machine itself aborted because of
// a prepare-side fault latched while the command was in flight.
func (m *Machine) resolveAbort(written int64) Outcome {
	pe, osErr := m.abort, m.abortOSErr
	m.abort = pderNone
	m.abortOSErr = nil

	if pe == pderASCIIForBinary {
		if written == 0 && m.storReply != nil && !m.storReply.IsPositiveCompletion() {
			// Nothing was created remotely, no DELE needed.
			return m.resolveAsciiForBinary()
		}
		m.state = stateWaitForAsciiAbortDELERes
		return Outcome{SendCmd: ftp.CmdDele(m.item.EffectiveTgtName())}
	}

	problem := queue.ProblemReadError
	if pe == pderLowMemory {
		problem = queue.ProblemLowMemory
	}
	return m.failItem(problem, osErr, "")
}

// doWaitForAsciiAbortDELERes consumes the reply to the cleanup DELE after
// a binary file was caught in an ASCII transfer, then applies the
// ascii-for-binary policy.
func (m *Machine) doWaitForAsciiAbortDELERes(ev Event) Outcome {
	if ev.Kind != EvReplyReceived {
		return Outcome{}
	}
	it := m.item
	m.cache.ReportDelete(m.cfg.User, m.cfg.Host, m.cfg.Port, it.TgtPath,
		it.EffectiveTgtName(), !ev.Reply.IsPositiveCompletion())
	m.q.UpdateTgtFileState(it, queue.TgtFileUnknown)
	return m.resolveAsciiForBinary()
}

func (m *Machine) resolveAsciiForBinary() Outcome {
	it := m.item
	switch m.cfg.AsciiForBinary {
	case config.AsciiForBinaryInBinMode:
		m.q.UpdateAsciiTransferMode(it, false)
		return m.requeueItem()
	case config.AsciiForBinarySkip:
		return m.skipItem(queue.ProblemAsciiTrForBinFile, "")
	case config.AsciiForBinaryIgnore:
		m.q.UpdateIgnoreAsciiForBin(it, true)
		return m.requeueItem()
	default:
		return m.parkItem(queue.ProblemAsciiTrForBinFile, "")
	}
}

func (m *Machine) doTestFileSizeOK() Outcome {
	m.log.Debug().Str("name", m.item.EffectiveTgtName()).
		Msg("Interrupted upload verified complete by size")
	m.q.UpdateForceAction(m.item, queue.ForceNone)
	m.q.UpdateTgtFileState(m.item, queue.TgtFileTransferred)
	m.state = stateTransferFinished
	return Outcome{NextLoop: true}
}

func (m *Machine) doTestFileSizeFailed() Outcome {
	// The sizes do not match, so the interrupted upload did not finish.
	// Back to waiting; the collision policies take it from there.
	m.q.UpdateForceAction(m.item, queue.ForceNone)
	return m.requeueItem()
}

func (m *Machine) doDelayedAutoRetry(ev Event) Outcome {
	switch ev.Kind {
	case EvDelayedRetryFire:
		return m.requeueItem()
	case EvReplyReceived:
		// Straggler reply from the aborted transfer; log and keep waiting.
		m.log.Debug().Str("reply", ev.Reply.Text).Msg("Late reply before auto-retry")
	}
	return Outcome{}
}

func (m *Machine) doSendLISTCmd() Outcome {
	m.listReply = nil
	m.listData = nil
	m.listComplete = false
	m.listDataSeen = false
	m.state = stateWaitForLISTRes
	return Outcome{SendCmd: ftp.CmdList(), SuppressReplyTimer: true}
}

// doWaitForLISTRes collects the LIST reply and the received listing data,
// then installs (or fails) the cache entry and resumes the upload path.
func (m *Machine) doWaitForLISTRes(ev Event) Outcome {
	switch ev.Kind {
	case EvReplyReceived:
		r := ev.Reply
		m.listReply = &r
		if !m.listDataSeen {
			if !r.IsPositiveCompletion() {
				return Outcome{CloseDataCon: true}
			}
			return Outcome{}
		}
	case EvDataConClosed:
		m.listDataSeen = true
		m.listData = ev.ListData
		m.listComplete = ev.ListComplete
		m.dataConn = dcNone
		if m.listReply == nil {
			return Outcome{ArmReplyTimer: true}
		}
	default:
		return Outcome{}
	}

	it := m.item
	if m.listReply.IsPositiveCompletion() && m.listComplete {
		parsed := ftp.ParseUnixListing(m.listData)
		entries := make([]listcache.Entry, 0, len(parsed))
		for _, e := range parsed {
			typ := listcache.EntryFile
			switch e.Type {
			case ftp.ListDir:
				typ = listcache.EntryDir
			case ftp.ListLink:
				typ = listcache.EntryLink
			}
			size := e.Size
			if size < 0 {
				size = listcache.SizeUnknown
			}
			entries = append(entries, listcache.Entry{Name: e.Name, Type: typ, Size: size})
		}
		m.cache.ListingFinished(m.cfg.User, m.cfg.Host, m.cfg.Port, it.TgtPath, entries)

		// Back to the upload: restore the item's transfer mode first,
		// the listing ran in ASCII.
		m.purpose = purposeUpload
		m.resumeAfterType = m.listingReturn
		m.hasResumeAfter = true
		m.state = stateSetType
		return Outcome{NextLoop: true}
	}

	m.cache.ListingFailed(m.cfg.User, m.cfg.Host, m.cfg.Port, it.TgtPath,
		m.listReply.IsPermanentNegative())
	m.purpose = purposeUpload
	if m.listReply.IsPermanentNegative() {
		return m.failItem(queue.ProblemCannotListTgtPath, nil, m.listReply.Text)
	}
	return m.requeueItem()
}

// doTransferFinished starts the source delete for moves; copies are done.
func (m *Machine) doTransferFinished() Outcome {
	if m.item.Type == queue.TypeMoveFile {
		m.state = stateDelFileWaitForDisk
		return Outcome{DiskJob: diskJobDeleteSource,
			DiskPath: filepath.Join(m.item.Path, m.item.Name)}
	}
	m.state = stateCopyDone
	return Outcome{NextLoop: true}
}

func (m *Machine) doDelFileWaitForDisk(ev Event) Outcome {
	if ev.Kind != EvDiskWorkFinished {
		return Outcome{}
	}
	if ev.Disk.Err != nil {
		// The upload succeeded; only the source cleanup failed, which is
		// reported distinctly so the operator knows the file went up.
		return m.failItem(queue.ProblemDeleteSrcFile, ev.Disk.Err, "")
	}
	m.state = stateCopyDone
	return Outcome{NextLoop: true}
}

func (m *Machine) doCopyDone() Outcome {
	m.finished = true
	m.q.UpdateItemState(m.item, queue.StateDone, queue.ProblemNone, nil, "", m.workerID)
	return Outcome{LookForNewWork: true}
}

// startListingFetch switches the machine into the listing-fetch flow; it
// returns to m.listingReturn once the listing lands.
func (m *Machine) startListingFetch() Outcome {
	m.purpose = purposeListing
	m.state = stateSetTgtPath
	return Outcome{NextLoop: true}
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	if err == nil {
		return false
	}
	if t, ok := err.(timeouter); ok {
		return t.Timeout()
	}
	return false
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
