package worker

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ftpferry/ftpferry/internal/config"
	"github.com/ftpferry/ftpferry/internal/dataconn"
	"github.com/ftpferry/ftpferry/internal/diskio"
	"github.com/ftpferry/ftpferry/internal/ftp"
	"github.com/ftpferry/ftpferry/internal/listcache"
	"github.com/ftpferry/ftpferry/internal/openfiles"
	"github.com/ftpferry/ftpferry/internal/queue"
)

// stubDataConn stands in for the upload data connection when reconciling.
type stubDataConn struct {
	written int64
	allSent bool
	err     error
	ssl     dataconn.SSLErrorClass
}

func (s *stubDataConn) TotalWritten() int64                    { return s.written }
func (s *stubDataConn) AllDataTransferred() bool               { return s.allSent }
func (s *stubDataConn) Error() (error, dataconn.SSLErrorClass) { return s.err, s.ssl }

// harness wires a machine to real queue/cache/registry collaborators and
// plays the driver loop: it re-enters on NextLoop and records every command
// and outcome the machine produced along the way.
type harness struct {
	t     *testing.T
	cfg   *config.Config
	op    *Operation
	q     *queue.Queue
	cache *listcache.Cache
	open  *openfiles.Registry
	m     *Machine
	item  *queue.Item
	cmds  []string
	outs  []Outcome
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.Host = "ftp.example.com"
	cfg.User = "joe"
	h := &harness{
		t:     t,
		cfg:   cfg,
		op:    NewOperation(true),
		q:     queue.New(nil),
		cache: listcache.New(nil),
		open:  openfiles.NewRegistry(),
	}
	h.m = NewMachine(cfg, h.op, h.q, h.cache, h.open, 1, zerolog.Nop())
	return h
}

// seedListing installs a ready listing for the default target path using a
// different worker id, so the machine under test never becomes the owner.
func (h *harness) seedListing(entries ...listcache.Entry) {
	h.cache.GetListing(h.cfg.User, h.cfg.Host, h.cfg.Port, "/pub", 99, "")
	h.cache.ListingFinished(h.cfg.User, h.cfg.Host, h.cfg.Port, "/pub", entries)
}

// srcFile gives the machine a real open file so the data pump engages.
func (h *harness) srcFile() *os.File {
	h.t.Helper()
	path := filepath.Join(h.t.TempDir(), "src.dat")
	if err := os.WriteFile(path, []byte("payload"), 0o644); err != nil {
		h.t.Fatal(err)
	}
	f, err := os.Open(path)
	if err != nil {
		h.t.Fatal(err)
	}
	h.t.Cleanup(func() { f.Close() })
	return f
}

func (h *harness) startItem(it *queue.Item, srcSize int64) {
	if h.item != it {
		h.item = it
		h.q.Add(it)
	}
	h.q.ClaimNextWaiting(1)
	h.m.StartItem(it, h.srcFile(), srcSize)
}

// step feeds one event and follows the NextLoop impulses. Returns the
// outcome that stopped the loop; intermediate outcomes are recorded.
func (h *harness) step(ev Event) Outcome {
	h.t.Helper()
	out := h.m.Step(ev)
	for {
		h.outs = append(h.outs, out)
		if out.SendCmd != "" {
			h.cmds = append(h.cmds, out.SendCmd)
		}
		if !out.NextLoop {
			return out
		}
		out = h.m.Step(Event{Kind: EvActivate})
	}
}

func (h *harness) reply(code int, text string) Outcome {
	return h.step(Event{Kind: EvReplyReceived, Reply: ftp.Reply{Code: code, Text: text}})
}

func (h *harness) lastCmd() string {
	if len(h.cmds) == 0 {
		return ""
	}
	return h.cmds[len(h.cmds)-1]
}

func (h *harness) sentCmd(cmd string) bool {
	for _, c := range h.cmds {
		if c == cmd {
			return true
		}
	}
	return false
}

func (h *harness) sawOutcome(pred func(Outcome) bool) bool {
	for _, o := range h.outs {
		if pred(o) {
			return true
		}
	}
	return false
}

// driveToSTOR walks a fresh item through CWD/TYPE/PASV up to the point the
// transfer command was sent, attaching the given data connection stub.
func (h *harness) driveToSTOR(it *queue.Item, srcSize int64, dc *stubDataConn) {
	h.t.Helper()
	h.startItem(it, srcSize)

	h.step(Event{Kind: EvActivate})
	if h.lastCmd() != "CWD /pub" {
		h.t.Fatalf("expected CWD, commands so far %v", h.cmds)
	}
	h.reply(250, "250 Directory changed")
	out := h.reply(200, "200 Type set")
	if !out.AllocDataCon {
		h.t.Fatalf("expected data connection allocation, got %+v", out)
	}
	h.m.SetDataConn(dc)
	if h.lastCmd() != "PASV" {
		h.t.Fatalf("expected PASV, commands so far %v", h.cmds)
	}
	h.reply(227, "227 Entering Passive Mode (10,0,0,5,4,1)")
	if !h.sawOutcome(func(o Outcome) bool {
		return o.ConnectPassive && o.PassiveIP == "10.0.0.5" && o.PassivePort == 4*256+1
	}) {
		h.t.Fatal("passive connect never requested")
	}
	if h.m.State() != stateWaitForSTORRes {
		h.t.Fatalf("expected to wait for the transfer verdict, in state %d", h.m.State())
	}
}

func TestUploadNewFileHappyPath(t *testing.T) {
	h := newHarness(t)
	h.seedListing()
	it := queue.NewItem(queue.TypeCopyFile, "/local", "a.dat", "/pub", "a.dat", 1024, false)
	dc := &stubDataConn{written: 1024, allSent: true}

	h.driveToSTOR(it, 1024, dc)
	if !h.sentCmd("STOR a.dat") {
		t.Fatalf("expected STOR, commands %v", h.cmds)
	}
	if !h.sawOutcome(func(o Outcome) bool { return o.SendCmd == "STOR a.dat" && o.SuppressReplyTimer }) {
		t.Error("transfer command must not arm the reply timer")
	}
	if !h.sawOutcome(func(o Outcome) bool { return o.ActivateDataCon }) {
		t.Error("plaintext data connection should be activated at send time")
	}
	if it.TgtFileState != queue.TgtFileCreated {
		t.Errorf("expected TgtFileCreated after STOR, got %v", it.TgtFileState)
	}

	// Data pump: one block, then EOF.
	out := h.step(Event{Kind: EvDataConPrepareData})
	if out.DiskJob != diskJobRead {
		t.Fatalf("expected a binary disk read, got %+v", out)
	}
	buf := make([]byte, 1024)
	out = h.step(Event{Kind: EvDiskWorkFinished, Disk: &diskio.Result{
		Buffer: buf, ValidBytes: 1024, EOF: true, NewOffset: 1024,
	}})
	if out.FeedData == nil || out.FeedData.n != 1024 || !out.FeedData.eof {
		t.Fatalf("expected the block fed to the data connection, got %+v", out)
	}

	// Data connection closes first, then the final reply.
	out = h.step(Event{Kind: EvDataConClosed})
	if !out.ArmReplyTimer {
		t.Error("reply timer should arm once the data connection closed")
	}
	out = h.reply(226, "226 Transfer complete")

	if !out.LookForNewWork {
		t.Errorf("expected the item to settle, got %+v", out)
	}
	if it.State != queue.StateDone {
		t.Errorf("expected StateDone, got %v", it.State)
	}
	if it.TgtFileState != queue.TgtFileTransferred {
		t.Errorf("expected TgtFileTransferred, got %v", it.TgtFileState)
	}

	snap := h.cache.Snapshot(h.cfg.User, h.cfg.Host, h.cfg.Port, "/pub")
	if len(snap) != 1 || snap[0].Name != "a.dat" || snap[0].Size != 1024 {
		t.Errorf("cache not updated with the upload: %+v", snap)
	}
}

func TestUploadReplyBeforeClose(t *testing.T) {
	h := newHarness(t)
	h.seedListing()
	it := queue.NewItem(queue.TypeCopyFile, "/local", "a.dat", "/pub", "a.dat", 100, false)
	dc := &stubDataConn{written: 100, allSent: true}
	h.driveToSTOR(it, 100, dc)

	out := h.reply(226, "226 Transfer complete")
	if out.LookForNewWork {
		t.Fatal("verdict must wait for the data connection close")
	}
	out = h.step(Event{Kind: EvDataConClosed})
	if it.State != queue.StateDone {
		t.Errorf("expected StateDone, got %v", it.State)
	}
	if !out.LookForNewWork {
		t.Errorf("expected LookForNewWork, got %+v", out)
	}
}

func TestTransientErrorDelaysRetry(t *testing.T) {
	h := newHarness(t)
	h.seedListing()
	it := queue.NewItem(queue.TypeCopyFile, "/local", "a.dat", "/pub", "a.dat", 100, false)
	dc := &stubDataConn{written: 60, allSent: false}
	h.driveToSTOR(it, 100, dc)

	// 426 arrives while the data connection is still up: tear it down.
	out := h.reply(426, "426 Connection closed; transfer aborted")
	if !out.CloseDataCon {
		t.Fatalf("expected data connection teardown, got %+v", out)
	}
	out = h.step(Event{Kind: EvDataConClosed})
	if !out.ArmDelayedRetry {
		t.Fatalf("expected delayed retry debounce, got %+v", out)
	}

	// A straggler reply during the debounce is absorbed.
	out = h.reply(226, "226 Late")
	if out.LookForNewWork {
		t.Fatal("late reply must not settle the item")
	}

	out = h.step(Event{Kind: EvDelayedRetryFire})
	if it.State != queue.StateWaiting {
		t.Errorf("expected item back in the pool, got %v", it.State)
	}
	if !out.LookForNewWork {
		t.Errorf("expected LookForNewWork, got %+v", out)
	}
}

func TestCreateRefusedForcesAutorename(t *testing.T) {
	h := newHarness(t)
	h.cfg.CannotCreateFile = config.PolicyAutorename
	h.seedListing()
	it := queue.NewItem(queue.TypeCopyFile, "/local", "a.dat", "/pub", "a.dat", 100, false)
	dc := &stubDataConn{written: 0, allSent: false}
	h.driveToSTOR(it, 100, dc)

	// The server refused to create the file: 553, zero bytes sent.
	out := h.reply(553, "553 Requested action not taken")
	if !out.CloseDataCon {
		t.Fatalf("expected data connection teardown, got %+v", out)
	}
	h.step(Event{Kind: EvDataConClosed})

	if it.State != queue.StateWaiting {
		t.Fatalf("expected requeue, got %v", it.State)
	}
	if it.ForceAction != queue.ForceAutorename {
		t.Errorf("expected ForceAutorename, got %v", it.ForceAction)
	}
	if it.TgtFileState != queue.TgtFileUnknown {
		t.Errorf("refused create should reset the lifecycle marker, got %v", it.TgtFileState)
	}

	// Next pass: the forced action sends the item into autorename. The
	// unknown-result report invalidated the listing, so reseed it.
	h.seedListing(listcache.Entry{Name: "a.dat", Type: listcache.EntryFile, Size: 100})
	h.open.Close(h.m.LockedFileUID())
	h.startItem(it, 100)
	h.step(Event{Kind: EvActivate})
	if it.ForceAction != queue.ForceAutorename {
		t.Errorf("forced action must survive until the transfer verdict, got %v", it.ForceAction)
	}
	if it.RenamedName != "a (2).dat" {
		t.Errorf("expected committed candidate, got %q", it.RenamedName)
	}
	h.reply(227, "227 (10,0,0,5,4,1)")
	if !h.sentCmd("STOR a (2).dat") {
		t.Errorf("expected autorename STOR, commands %v", h.cmds)
	}
}

func TestConnClosedAllSentForcesTestIfFinished(t *testing.T) {
	h := newHarness(t)
	h.seedListing()
	it := queue.NewItem(queue.TypeCopyFile, "/local", "a.dat", "/pub", "a.dat", 100, false)
	dc := &stubDataConn{written: 100, allSent: true}
	h.driveToSTOR(it, 100, dc)

	h.step(Event{Kind: EvDataConClosed})

	// The reply timer fired and the driver closed the control connection.
	h.m.NoteReplyTimeout()
	out := h.step(Event{Kind: EvConnClosed})
	if !out.RetryItem {
		t.Fatalf("expected reconnect-and-retry, got %+v", out)
	}
	if it.State != queue.StateWaiting {
		t.Errorf("expected requeue, got %v", it.State)
	}
	if it.ForceAction != queue.ForceTestIfFinished {
		t.Errorf("expected ForceTestIfFinished, got %v", it.ForceAction)
	}

	// Verification pass over a fresh connection.
	h.open.Close(h.m.LockedFileUID())
	h.m.ResetConnection()
	h.startItem(it, 100)
	h.step(Event{Kind: EvActivate})
	h.reply(250, "250 ok")
	h.reply(200, "200 ok")
	if h.lastCmd() != "SIZE a.dat" {
		t.Fatalf("expected SIZE check, commands %v", h.cmds)
	}
	out = h.reply(213, "213 100")
	if it.State != queue.StateDone {
		t.Errorf("expected verified-complete item to finish, got %v", it.State)
	}
	if it.ForceAction != queue.ForceNone {
		t.Errorf("verdict should spend the forced action, got %v", it.ForceAction)
	}
	if it.TgtFileState != queue.TgtFileTransferred {
		t.Errorf("expected TgtFileTransferred, got %v", it.TgtFileState)
	}
	if !out.LookForNewWork {
		t.Errorf("expected LookForNewWork, got %+v", out)
	}
}

func TestResumeUploadsWithAPPE(t *testing.T) {
	h := newHarness(t)
	h.cfg.FileAlreadyExists = config.PolicyResume
	h.cfg.ResumeMinSize = 100
	h.seedListing(listcache.Entry{Name: "a.dat", Type: listcache.EntryFile, Size: 500})
	it := queue.NewItem(queue.TypeCopyFile, "/local", "a.dat", "/pub", "a.dat", 1000, false)
	h.startItem(it, 1000)

	h.step(Event{Kind: EvActivate})
	h.reply(250, "250 ok")
	h.reply(200, "200 ok")
	if h.lastCmd() != "SIZE a.dat" {
		t.Fatalf("expected SIZE before resuming, commands %v", h.cmds)
	}
	out := h.reply(213, "213 500")
	if !out.AllocDataCon {
		t.Fatalf("expected data connection allocation, got %+v", out)
	}
	h.m.SetDataConn(&stubDataConn{})
	h.reply(227, "227 (10,0,0,5,4,1)")

	if !h.sentCmd("APPE a.dat") {
		t.Fatalf("expected APPE for the resume, commands %v", h.cmds)
	}
	if it.TgtFileState != queue.TgtFileResumed {
		t.Errorf("expected TgtFileResumed, got %v", it.TgtFileState)
	}

	// The first read must start at the resume offset.
	out = h.step(Event{Kind: EvDataConPrepareData})
	if out.DiskJob != diskJobRead || out.DiskOffset != 500 {
		t.Errorf("expected read from offset 500, got %+v", out)
	}
}

func TestResumeBiggerTargetFails(t *testing.T) {
	h := newHarness(t)
	h.cfg.FileAlreadyExists = config.PolicyResume
	h.cfg.ResumeMinSize = 100
	h.seedListing(listcache.Entry{Name: "a.dat", Type: listcache.EntryFile, Size: 1500})
	it := queue.NewItem(queue.TypeCopyFile, "/local", "a.dat", "/pub", "a.dat", 1000, false)
	h.startItem(it, 1000)

	h.step(Event{Kind: EvActivate})
	h.reply(250, "250 ok")
	h.reply(200, "200 ok")
	h.reply(213, "213 1500")

	if it.State != queue.StateFailed || it.Problem != queue.ProblemUnableToResumeBigTgt {
		t.Errorf("appending to a bigger target must fail, got state %v problem %v",
			it.State, it.Problem)
	}
}

func TestResumeOrOverwriteBiggerTargetOverwrites(t *testing.T) {
	h := newHarness(t)
	h.cfg.FileAlreadyExists = config.PolicyResumeOrOverwrite
	h.cfg.ResumeMinSize = 100
	h.seedListing(listcache.Entry{Name: "a.dat", Type: listcache.EntryFile, Size: 1500})
	it := queue.NewItem(queue.TypeCopyFile, "/local", "a.dat", "/pub", "a.dat", 1000, false)
	h.startItem(it, 1000)

	h.step(Event{Kind: EvActivate})
	h.reply(250, "250 ok")
	h.reply(200, "200 ok")
	h.reply(213, "213 1500")
	h.reply(227, "227 (10,0,0,5,4,1)")

	if !h.sentCmd("STOR a.dat") {
		t.Fatalf("expected overwrite STOR, commands %v", h.cmds)
	}
	if it.TgtFileState != queue.TgtFileCreated {
		t.Errorf("expected TgtFileCreated, got %v", it.TgtFileState)
	}
}

func TestSmallPartialTargetOverwritesInsteadOfResume(t *testing.T) {
	h := newHarness(t)
	h.cfg.FileAlreadyExists = config.PolicyResume
	h.cfg.ResumeMinSize = 100
	h.seedListing(listcache.Entry{Name: "a.dat", Type: listcache.EntryFile, Size: 50})
	it := queue.NewItem(queue.TypeCopyFile, "/local", "a.dat", "/pub", "a.dat", 1000, false)
	h.startItem(it, 1000)

	h.step(Event{Kind: EvActivate})
	h.reply(250, "250 ok")
	h.reply(200, "200 ok")
	h.reply(213, "213 50") // below the resume minimum
	h.reply(227, "227 (10,0,0,5,4,1)")

	if h.sentCmd("APPE a.dat") {
		t.Fatal("a remainder below the resume minimum must not be appended to")
	}
	if !h.sentCmd("STOR a.dat") {
		t.Fatalf("expected overwrite STOR, commands %v", h.cmds)
	}
	if it.TgtFileState != queue.TgtFileCreated {
		t.Errorf("expected TgtFileCreated, got %v", it.TgtFileState)
	}
}

func TestForcedResumeSurvivesConnLossBeforeTransfer(t *testing.T) {
	h := newHarness(t)
	h.cfg.ResumeMinSize = 100
	h.seedListing(listcache.Entry{Name: "a.dat", Type: listcache.EntryFile, Size: 500})
	it := queue.NewItem(queue.TypeCopyFile, "/local", "a.dat", "/pub", "a.dat", 1000, false)
	h.q.UpdateForceAction(it, queue.ForceResume)
	h.startItem(it, 1000)

	h.step(Event{Kind: EvActivate})
	if h.lastCmd() != "CWD /pub" {
		t.Fatalf("expected CWD, commands %v", h.cmds)
	}

	// The connection dies in the preamble; the operator's decision must
	// not be lost with it.
	out := h.step(Event{Kind: EvConnClosed})
	if !out.RetryItem {
		t.Fatalf("expected reconnect-and-retry, got %+v", out)
	}
	if it.ForceAction != queue.ForceResume {
		t.Fatalf("forced resume dropped on connection loss, got %v", it.ForceAction)
	}

	// Fresh connection: the forced resume drives the retry to APPE.
	h.m.ResetConnection()
	h.startItem(it, 1000)
	h.step(Event{Kind: EvActivate})
	h.reply(250, "250 ok")
	h.reply(200, "200 ok")
	h.reply(213, "213 500")
	h.m.SetDataConn(&stubDataConn{written: 500, allSent: true})
	h.reply(227, "227 (10,0,0,5,4,1)")
	if !h.sentCmd("APPE a.dat") {
		t.Fatalf("expected forced resume to APPE, commands %v", h.cmds)
	}
	if it.ForceAction != queue.ForceResume {
		t.Errorf("forced action must survive until the transfer verdict, got %v", it.ForceAction)
	}

	// The verdict spends it.
	h.step(Event{Kind: EvDataConClosed})
	h.reply(226, "226 Transfer complete")
	if it.ForceAction != queue.ForceNone {
		t.Errorf("verdict should spend the forced action, got %v", it.ForceAction)
	}
	if it.State != queue.StateDone {
		t.Errorf("expected StateDone, got %v", it.State)
	}
}

func TestRefusedOverwriteRetriesWithDelete(t *testing.T) {
	h := newHarness(t)
	h.cfg.FileAlreadyExists = config.PolicyOverwrite
	h.seedListing(listcache.Entry{Name: "a.dat", Type: listcache.EntryFile, Size: 500})
	it := queue.NewItem(queue.TypeCopyFile, "/local", "a.dat", "/pub", "a.dat", 100, false)
	h.startItem(it, 100)

	h.step(Event{Kind: EvActivate})
	h.reply(250, "250 ok")
	h.reply(200, "200 ok")
	h.m.SetDataConn(&stubDataConn{written: 0})
	h.reply(227, "227 (10,0,0,5,4,1)")
	if !h.sentCmd("STOR a.dat") {
		t.Fatalf("expected STOR, commands %v", h.cmds)
	}

	// The server refuses to write into the existing file.
	h.reply(553, "553 Permission denied")
	h.step(Event{Kind: EvDataConClosed})

	if it.State != queue.StateWaiting || it.ForceAction != queue.ForceOverwrite {
		t.Fatalf("expected delete-then-retry requeue, got state %v force %v",
			it.State, it.ForceAction)
	}

	// Retry pass: the overwrite now deletes the target first.
	h.seedListing(listcache.Entry{Name: "a.dat", Type: listcache.EntryFile, Size: 500})
	h.open.Close(h.m.LockedFileUID())
	h.startItem(it, 100)
	h.step(Event{Kind: EvActivate})
	if h.lastCmd() != "DELE a.dat" {
		t.Fatalf("expected DELE before the retried STOR, commands %v", h.cmds)
	}
	h.reply(250, "250 Deleted")
	h.reply(227, "227 (10,0,0,5,4,1)")
	if !h.sentCmd("STOR a.dat") {
		t.Fatalf("expected STOR after the DELE, commands %v", h.cmds)
	}
}

func TestResumeFailureFallsBackToOverwrite(t *testing.T) {
	h := newHarness(t)
	h.cfg.FileAlreadyExists = config.PolicyResumeOrOverwrite
	h.cfg.ResumeMinSize = 100
	h.seedListing(listcache.Entry{Name: "a.dat", Type: listcache.EntryFile, Size: 500})
	it := queue.NewItem(queue.TypeCopyFile, "/local", "a.dat", "/pub", "a.dat", 1000, false)
	h.startItem(it, 1000)

	h.step(Event{Kind: EvActivate})
	h.reply(250, "250 ok")
	h.reply(200, "200 ok")
	h.reply(213, "213 500")
	h.m.SetDataConn(&stubDataConn{written: 200})
	h.reply(227, "227 (10,0,0,5,4,1)")
	if !h.sentCmd("APPE a.dat") {
		t.Fatalf("expected APPE, commands %v", h.cmds)
	}

	// The append dies permanently partway through; the file can still be
	// replaced outright.
	h.reply(550, "550 Append failed")
	h.step(Event{Kind: EvDataConClosed})

	if it.State != queue.StateWaiting || it.ForceAction != queue.ForceOverwrite {
		t.Errorf("expected overwrite fallback requeue, got state %v force %v",
			it.State, it.ForceAction)
	}
	if !h.op.ResumeSupported() {
		t.Error("a non-syntax append failure must not flip the resume capability")
	}
}

func TestConnClosedRecordsTextSizesForVerification(t *testing.T) {
	h := newHarness(t)
	h.seedListing()
	it := queue.NewItem(queue.TypeCopyFile, "/local", "a.dat", "/pub", "a.dat", 100, true)
	dc := &stubDataConn{written: 105, allSent: true}
	h.driveToSTOR(it, 100, dc)

	// One converted block goes out, then the control connection hangs.
	h.step(Event{Kind: EvDataConPrepareData})
	h.step(Event{Kind: EvDiskWorkFinished, Disk: &diskio.Result{
		Buffer: make([]byte, 128), ValidBytes: 105, EOLCount: 5, EOF: true, NewOffset: 100,
	}})
	h.step(Event{Kind: EvDataConClosed})
	h.m.NoteReplyTimeout()
	h.step(Event{Kind: EvConnClosed})

	if it.ForceAction != queue.ForceTestIfFinished {
		t.Fatalf("expected ForceTestIfFinished, got %v", it.ForceAction)
	}
	if it.SizeWithCRLF != 105 || it.NumberOfEOLs != 5 {
		t.Fatalf("converted sizes not recorded: crlf=%d eols=%d",
			it.SizeWithCRLF, it.NumberOfEOLs)
	}

	// Verification pass: the stored CRLF size matches and the item finishes.
	h.open.Close(h.m.LockedFileUID())
	h.m.ResetConnection()
	h.startItem(it, 100)
	h.step(Event{Kind: EvActivate})
	h.reply(250, "250 ok")
	h.reply(200, "200 ok")
	h.reply(213, "213 105")

	if it.State != queue.StateDone {
		t.Errorf("expected size check against the CRLF size to finish the item, got %v", it.State)
	}
	if it.TgtFileState != queue.TgtFileTransferred {
		t.Errorf("expected TgtFileTransferred, got %v", it.TgtFileState)
	}
}

func TestSizeRefusalFlipsCapabilityAndUsesListing(t *testing.T) {
	h := newHarness(t)
	h.cfg.FileAlreadyExists = config.PolicyResume
	h.cfg.ResumeMinSize = 100
	h.seedListing(listcache.Entry{Name: "a.dat", Type: listcache.EntryFile, Size: 500})
	it := queue.NewItem(queue.TypeCopyFile, "/local", "a.dat", "/pub", "a.dat", 1000, false)
	h.startItem(it, 1000)

	h.step(Event{Kind: EvActivate})
	h.reply(250, "250 ok")
	h.reply(200, "200 ok")
	h.reply(500, "500 Syntax error, command unrecognized")

	if h.op.SizeCmdSupported() {
		t.Error("syntax-class SIZE refusal should flip the capability flag")
	}
	// Size resolved from the cached listing instead; resume proceeds.
	h.reply(227, "227 (10,0,0,5,4,1)")
	if !h.sentCmd("APPE a.dat") {
		t.Fatalf("expected APPE via listing size, commands %v", h.cmds)
	}
}

func TestTestIfFinishedSizeMismatchRequeues(t *testing.T) {
	h := newHarness(t)
	it := queue.NewItem(queue.TypeCopyFile, "/local", "a.dat", "/pub", "a.dat", 100, false)
	h.q.UpdateForceAction(it, queue.ForceTestIfFinished)
	h.startItem(it, 100)

	h.step(Event{Kind: EvActivate})
	h.reply(250, "250 ok")
	h.reply(200, "200 ok")
	h.reply(213, "213 60") // stored size does not match the source

	if it.State != queue.StateWaiting {
		t.Errorf("mismatched size should requeue for collision handling, got %v", it.State)
	}
	if it.ForceAction != queue.ForceNone {
		t.Errorf("verdict should spend the forced action, got %v", it.ForceAction)
	}
}

func TestTransferredNeverReentersCollision(t *testing.T) {
	h := newHarness(t)
	it := queue.NewItem(queue.TypeCopyFile, "/local", "a.dat", "/pub", "a.dat", 100, false)
	h.q.UpdateTgtFileState(it, queue.TgtFileTransferred)
	h.startItem(it, 100)

	out := h.step(Event{Kind: EvActivate})
	if len(h.cmds) != 0 {
		t.Errorf("no commands expected for a transferred item, got %v", h.cmds)
	}
	if it.State != queue.StateDone {
		t.Errorf("expected StateDone, got %v", it.State)
	}
	if !out.LookForNewWork {
		t.Errorf("expected LookForNewWork, got %+v", out)
	}
}

func TestPrepareDataErrorIdempotent(t *testing.T) {
	h := newHarness(t)
	it := queue.NewItem(queue.TypeCopyFile, "/local", "a.dat", "/pub", "a.dat", 100, false)
	h.startItem(it, 100)

	out, handled := h.m.HandlePrepareDataError()
	if handled {
		t.Error("no staged fault, handled must be false")
	}
	if out.CloseDataCon || out.LookForNewWork {
		t.Errorf("empty drain must be a no-op, got %+v", out)
	}
	if _, handled := h.m.HandlePrepareDataError(); handled {
		t.Error("repeated empty drain must stay a no-op")
	}
}

func TestReadErrorAfterSTORLatchedUntilReply(t *testing.T) {
	h := newHarness(t)
	h.seedListing()
	it := queue.NewItem(queue.TypeCopyFile, "/local", "a.dat", "/pub", "a.dat", 100, false)
	dc := &stubDataConn{written: 40, allSent: false}
	h.driveToSTOR(it, 100, dc)

	// Disk read fails mid-transfer.
	readErr := errors.New("read: input/output error")
	out := h.step(Event{Kind: EvDiskWorkFinished, Disk: &diskio.Result{Err: readErr}})
	if !out.CloseDataCon {
		t.Fatalf("expected data connection teardown, got %+v", out)
	}
	if it.State == queue.StateFailed {
		t.Fatal("fault must be latched until the server's verdict arrives")
	}

	// Server verdict plus close resolve the latched fault.
	h.step(Event{Kind: EvDataConClosed})
	h.reply(426, "426 Transfer aborted")

	if it.State != queue.StateFailed {
		t.Fatalf("expected StateFailed, got %v", it.State)
	}
	if it.Problem != queue.ProblemReadError {
		t.Errorf("expected ProblemReadError, got %v", it.Problem)
	}
	if !errors.Is(it.ErrCode, readErr) {
		t.Errorf("expected the read error recorded, got %v", it.ErrCode)
	}
}

func TestAsciiBinaryContentRetriesInBinaryMode(t *testing.T) {
	h := newHarness(t)
	h.cfg.AsciiForBinary = config.AsciiForBinaryInBinMode
	h.seedListing()
	it := queue.NewItem(queue.TypeCopyFile, "/local", "a.dat", "/pub", "a.dat", 100, true)
	dc := &stubDataConn{written: 30, allSent: false}
	h.driveToSTOR(it, 100, dc)

	// The sniff catches binary content mid-transfer.
	out := h.step(Event{Kind: EvDataConPrepareData})
	if out.DiskJob != diskJobReadASCII {
		t.Fatalf("ASCII item should read with conversion, got %+v", out)
	}
	out = h.step(Event{Kind: EvDiskWorkFinished, Disk: &diskio.Result{
		Buffer: make([]byte, 64), ValidBytes: 30, BinaryContent: true,
	}})
	if !out.CloseDataCon {
		t.Fatalf("expected data connection teardown, got %+v", out)
	}

	h.step(Event{Kind: EvDataConClosed})
	h.reply(426, "426 Aborted")

	// Bytes reached the server, so the partial target is deleted first.
	if h.lastCmd() != "DELE a.dat" {
		t.Fatalf("expected cleanup DELE, commands %v", h.cmds)
	}
	h.reply(250, "250 Deleted")

	if it.State != queue.StateWaiting {
		t.Errorf("expected requeue for the binary-mode retry, got %v", it.State)
	}
	if it.AsciiTransferMode {
		t.Error("item should retry in binary mode")
	}
}

func TestCWDFailureFailsItem(t *testing.T) {
	h := newHarness(t)
	h.seedListing()
	it := queue.NewItem(queue.TypeCopyFile, "/local", "a.dat", "/pub", "a.dat", 100, false)
	h.startItem(it, 100)

	h.step(Event{Kind: EvActivate})
	h.reply(550, "550 No such directory")

	if it.State != queue.StateFailed || it.Problem != queue.ProblemUnableToCWD {
		t.Errorf("expected CWD failure, got state %v problem %v", it.State, it.Problem)
	}
}

func TestPASVRefusalFallsBackToActiveMode(t *testing.T) {
	h := newHarness(t)
	h.seedListing()
	it := queue.NewItem(queue.TypeCopyFile, "/local", "a.dat", "/pub", "a.dat", 100, false)
	h.startItem(it, 100)

	h.step(Event{Kind: EvActivate})
	h.reply(250, "250 ok")
	h.reply(200, "200 ok")
	out := h.reply(502, "502 Command not implemented")
	if !out.OpenListening || !out.ArmListenTimeout {
		t.Fatalf("expected active-mode listen, got %+v", out)
	}
	if h.op.UsePassiveMode() {
		t.Error("PASV refusal should flip the whole operation to active mode")
	}
}

func TestDirectoryCollisionAutorenames(t *testing.T) {
	h := newHarness(t)
	h.cfg.CannotCreateFile = config.PolicyAutorename
	h.seedListing(listcache.Entry{Name: "a.dat", Type: listcache.EntryDir, Size: listcache.SizeUnknown})
	it := queue.NewItem(queue.TypeCopyFile, "/local", "a.dat", "/pub", "a.dat", 100, false)
	h.startItem(it, 100)

	h.step(Event{Kind: EvActivate})
	h.reply(250, "250 ok")
	h.reply(200, "200 ok")

	if it.RenamedName != "a (2).dat" {
		t.Errorf("expected committed autorename candidate, got %q", it.RenamedName)
	}
	h.reply(227, "227 (10,0,0,5,4,1)")
	if !h.sentCmd("STOR a (2).dat") {
		t.Errorf("expected STOR of the candidate, commands %v", h.cmds)
	}
}

func TestGenNewNameSkipsTakenNames(t *testing.T) {
	h := newHarness(t)
	h.seedListing(
		listcache.Entry{Name: "a.dat", Type: listcache.EntryFile, Size: 10},
		listcache.Entry{Name: "a (2).dat", Type: listcache.EntryFile, Size: 10},
		listcache.Entry{Name: "a (3).dat", Type: listcache.EntryFile, Size: 10},
	)
	it := queue.NewItem(queue.TypeCopyFile, "/local", "a.dat", "/pub", "a.dat", 100, false)
	h.q.UpdateForceAction(it, queue.ForceUseAutorename)
	h.startItem(it, 100)

	h.step(Event{Kind: EvActivate})
	h.reply(250, "250 ok")
	h.reply(200, "200 ok")

	if it.RenamedName != "a (4).dat" {
		t.Errorf("expected first free candidate, got %q", it.RenamedName)
	}
	if it.AutorenamePhase != 0 {
		t.Errorf("expected phase 0 persisted, got %d", it.AutorenamePhase)
	}
}

func TestInvalidTargetNameSkipsByPolicy(t *testing.T) {
	h := newHarness(t)
	h.cfg.CannotCreateFile = config.PolicySkip
	it := queue.NewItem(queue.TypeCopyFile, "/local", "bad", "/pub", "bad/name", 100, false)
	h.startItem(it, 100)

	h.step(Event{Kind: EvActivate})
	if it.State != queue.StateSkipped {
		t.Errorf("expected skip for invalid target name, got %v", it.State)
	}
}

func TestShouldStopRequeuesUnfinishedItem(t *testing.T) {
	h := newHarness(t)
	h.seedListing()
	it := queue.NewItem(queue.TypeCopyFile, "/local", "a.dat", "/pub", "a.dat", 100, false)
	h.startItem(it, 100)
	h.step(Event{Kind: EvActivate})

	out := h.m.Step(Event{Kind: EvShouldStop})
	if !out.Stop || !out.SendQuit {
		t.Errorf("expected quit-and-stop, got %+v", out)
	}
	if it.State != queue.StateWaiting {
		t.Errorf("unfinished item should return to the pool, got %v", it.State)
	}
}
