package worker

import (
	"context"
	"crypto/tls"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/ftpferry/ftpferry/internal/config"
	"github.com/ftpferry/ftpferry/internal/dataconn"
	"github.com/ftpferry/ftpferry/internal/diskio"
	"github.com/ftpferry/ftpferry/internal/events"
	"github.com/ftpferry/ftpferry/internal/ftp"
	"github.com/ftpferry/ftpferry/internal/listcache"
	"github.com/ftpferry/ftpferry/internal/openfiles"
	"github.com/ftpferry/ftpferry/internal/queue"
)

const transferBufferSize = 64 * 1024

// Worker runs one FTP session: it claims waiting items from the shared
// queue and drives each through the state machine, executing the side
// effects the machine asks for and feeding external events back in.
type Worker struct {
	id    int
	cfg   *config.Config
	op    *Operation
	q     *queue.Queue
	cache *listcache.Cache
	open  *openfiles.Registry
	disk  *diskio.Worker
	bus   *events.Bus
	log   zerolog.Logger

	tlsCfg *tls.Config

	conn        *ftp.ControlConn
	connEvents  <-chan ftp.Event
	dc          *dataconn.UploadConn
	lc          *dataconn.ListConn
	dataEvents  <-chan dataconn.Event
	diskResults chan diskio.Result
	curDiskJob  *diskio.Job
	buffer      []byte

	replyTimer  *time.Timer
	listenTimer *time.Timer
	retryTimer  *time.Timer

	listingCh <-chan events.Event

	m *Machine
}

// New creates a worker. All workers of one operation share op, q, cache,
// open and disk.
func New(id int, cfg *config.Config, op *Operation, q *queue.Queue, cache *listcache.Cache,
	open *openfiles.Registry, disk *diskio.Worker, bus *events.Bus, tlsCfg *tls.Config,
	log zerolog.Logger) *Worker {
	w := &Worker{
		id:          id,
		cfg:         cfg,
		op:          op,
		q:           q,
		cache:       cache,
		open:        open,
		disk:        disk,
		bus:         bus,
		tlsCfg:      tlsCfg,
		log:         log.With().Int("worker", id).Logger(),
		diskResults: make(chan diskio.Result, 1),
	}
	w.m = NewMachine(cfg, op, q, cache, open, id, w.log)
	return w
}

// Run claims and processes items until the queue settles or the context
// is canceled. A lost connection is re-dialed with exponential backoff.
func (w *Worker) Run(ctx context.Context) error {
	w.listingCh = w.bus.Subscribe(events.EventListingFinished)
	defer w.shutdown()

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		item := w.q.ClaimNextWaiting(w.id)
		if item == nil {
			if w.q.AllSettled() {
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
			continue
		}

		if err := w.ensureConn(ctx); err != nil {
			// Could not get a session at all; put the item back and
			// surface the error.
			w.q.UpdateItemState(item, queue.StateWaiting, queue.ProblemNone, nil, "", w.id)
			return err
		}

		stop := w.processItem(ctx, item)
		if stop {
			return ctx.Err()
		}
	}
}

func (w *Worker) ensureConn(ctx context.Context) error {
	if w.conn != nil {
		return nil
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 3 * time.Minute

	return backoff.Retry(func() error {
		conn, err := ftp.Dial(ctx, ftp.Options{
			Host:           w.cfg.Host,
			Port:           w.cfg.Port,
			User:           w.cfg.User,
			Password:       w.cfg.Password,
			EncryptControl: w.cfg.EncryptControl,
			EncryptData:    w.cfg.EncryptData,
			ProxyAddr:      w.cfg.ProxyAddr,
			ReplyTimeout:   w.cfg.ServerRepliesTimeout,
			TLSConfig:      w.tlsCfg,
			Log:            w.log,
		})
		if err != nil {
			w.log.Warn().Err(err).Msg("Connect failed, will retry")
			return err
		}
		conn.Start()
		w.conn = conn
		w.connEvents = conn.Events()
		w.m.ResetConnection()
		return nil
	}, backoff.WithContext(bo, ctx))
}

// processItem drives one claimed item to an end state. Returns true when
// the worker should stop.
func (w *Worker) processItem(ctx context.Context, item *queue.Item) bool {
	srcPath := filepath.Join(item.Path, item.Name)
	src, err := os.Open(srcPath)
	if err != nil {
		w.q.UpdateItemState(item, queue.StateFailed, queue.ProblemReadError, err, "", w.id)
		return false
	}
	srcSize := item.Size
	if fi, err := src.Stat(); err == nil {
		srcSize = fi.Size()
	}

	w.publishWorkerState("uploading " + item.Name)
	w.m.StartItem(item, src, srcSize)

	out := w.m.Step(Event{Kind: EvActivate})
	stop := false
	for {
		w.execute(&out)

		switch {
		case out.NextLoop:
			out = w.m.Step(Event{Kind: EvActivate})
			continue
		case out.Stop:
			stop = true
		case out.RetryItem:
			w.dropConn()
		case out.LookForNewWork:
		default:
			ev, ok := w.nextEvent(ctx)
			if !ok {
				continue
			}
			out = w.m.Step(ev)
			continue
		}
		break
	}

	w.cleanupItem(src)
	w.publishWorkerState("idle")
	return stop
}

// execute performs the side effects of one transition step.
func (w *Worker) execute(out *Outcome) {
	if out.CancelListenTimeout {
		stopTimer(&w.listenTimer)
	}
	if out.CancelDisk {
		w.cancelDisk()
	}

	terminal := out.LookForNewWork || out.RetryItem || out.Stop
	if out.CloseDataCon {
		w.closeDataCon(terminal)
	}

	if out.AllocDataCon {
		w.dc = dataconn.New(w.dataOpts())
		w.dataEvents = w.dc.Events()
		w.m.SetDataConn(w.dc)
	}
	if out.AllocListDataCon {
		w.lc = dataconn.NewList(w.dataOpts())
		w.dataEvents = w.lc.Events()
	}
	if out.ConnectPassive {
		if w.lc != nil {
			w.lc.Connect(out.PassiveIP, out.PassivePort)
		} else if w.dc != nil {
			w.dc.Connect(out.PassiveIP, out.PassivePort)
		}
	}
	if out.OpenListening {
		if w.lc != nil {
			w.lc.OpenForListening()
		} else if w.dc != nil {
			w.dc.OpenForListening()
		}
	}
	if out.ActivateDataCon && w.dc != nil {
		w.dc.ActivateConnection()
	}
	if out.FeedData != nil && w.dc != nil {
		w.dc.DataBufferPrepared(out.FeedData.buf, out.FeedData.n, out.FeedData.eof)
	}

	switch out.DiskJob {
	case diskJobRead, diskJobReadASCII:
		if w.buffer == nil {
			w.buffer = make([]byte, transferBufferSize)
		}
		typ := diskio.JobReadFile
		if out.DiskJob == diskJobReadASCII {
			typ = diskio.JobReadFileASCII
		}
		job := &diskio.Job{
			Type:    typ,
			File:    w.m.srcFile,
			Offset:  out.DiskOffset,
			Buffer:  w.buffer,
			Results: w.diskResults,
		}
		w.curDiskJob = job
		w.disk.Submit(job)
	case diskJobDeleteSource:
		job := &diskio.Job{
			Type:    diskio.JobDeleteFile,
			Path:    out.DiskPath,
			Results: w.diskResults,
		}
		w.curDiskJob = job
		w.disk.Submit(job)
	}

	if out.SendCmd != "" && w.conn != nil {
		if err := w.conn.SendCommand(out.SendCmd); err != nil {
			// The reader goroutine will notice and deliver the close.
			w.conn.Close()
		} else if !out.SuppressReplyTimer {
			resetTimer(&w.replyTimer, w.cfg.ServerRepliesTimeout)
		}
	}
	if out.ArmReplyTimer {
		resetTimer(&w.replyTimer, w.cfg.ServerRepliesTimeout)
	}
	if out.ArmListenTimeout {
		resetTimer(&w.listenTimer, w.cfg.ServerRepliesTimeout)
	}
	if out.ArmDelayedRetry {
		resetTimer(&w.retryTimer, w.cfg.DelayedRetryWait)
	}

	if out.SendQuit && w.conn != nil {
		w.conn.SendCommand(ftp.CmdQuit())
	}
}

func (w *Worker) dataOpts() dataconn.Options {
	return dataconn.Options{
		ProxyAddr:     w.cfg.ProxyAddr,
		TLSConfig:     w.conn.DataTLSConfig(),
		ListenIP:      w.conn.LocalIP(),
		NoDataTimeout: w.cfg.NoDataTimeout,
		Log:           w.log,
	}
}

// nextEvent blocks for the next external event. ok=false means "nothing
// delivered, ask again" (stale timers, foreign listing events).
func (w *Worker) nextEvent(ctx context.Context) (Event, bool) {
	for {
		select {
		case <-ctx.Done():
			return Event{Kind: EvShouldStop}, true

		case e, open := <-w.connEvents:
			if !open {
				w.connEvents = nil
				w.dropConn()
				return Event{Kind: EvConnClosed}, true
			}
			if e.Kind == ftp.EventClosed {
				w.connEvents = nil
				w.dropConn()
				return Event{Kind: EvConnClosed, Err: e.Err}, true
			}
			if e.Reply.IsPositivePreliminary() {
				return Event{Kind: EvInfoReceived, Reply: e.Reply}, true
			}
			stopTimer(&w.replyTimer)
			return Event{Kind: EvReplyReceived, Reply: e.Reply}, true

		case de, open := <-w.dataEvents:
			if !open {
				w.dataEvents = nil
				continue
			}
			switch de.Kind {
			case dataconn.EventListening:
				return Event{Kind: EvDataConListening, ListenIP: de.ListenIP, ListenPort: de.ListenPort}, true
			case dataconn.EventConnected:
				return Event{Kind: EvDataConConnected}, true
			case dataconn.EventPrepareData:
				return Event{Kind: EvDataConPrepareData}, true
			default: // EventClosed
				ev := Event{Kind: EvDataConClosed, Err: de.Err}
				if w.lc != nil {
					ev.ListData, ev.ListComplete = w.lc.Data()
				}
				return ev, true
			}

		case res := <-w.diskResults:
			w.curDiskJob = nil
			return Event{Kind: EvDiskWorkFinished, Disk: &res}, true

		case <-timerC(w.replyTimer):
			w.replyTimer = nil
			// No reply in time; kill the connection, the close event
			// carries the consequences into the machine.
			w.m.NoteReplyTimeout()
			if w.conn != nil {
				w.conn.Close()
			}
			continue

		case <-timerC(w.listenTimer):
			w.listenTimer = nil
			return Event{Kind: EvListenTimeout}, true

		case <-timerC(w.retryTimer):
			w.retryTimer = nil
			return Event{Kind: EvDelayedRetryFire}, true

		case be, open := <-w.listingCh:
			if !open {
				w.listingCh = nil
				continue
			}
			le, isListing := be.(*events.ListingEvent)
			if !isListing || w.m.Item() == nil {
				continue
			}
			if le.User == w.cfg.User && le.Host == w.cfg.Host &&
				le.Port == w.cfg.Port && le.Path == w.m.Item().TgtPath {
				return Event{Kind: EvListingFinished}, true
			}
			continue
		}
	}
}

// cleanupItem releases everything the finished item held.
func (w *Worker) cleanupItem(src *os.File) {
	w.cancelDisk()
	w.closeDataCon(true)
	stopTimer(&w.replyTimer)
	stopTimer(&w.listenTimer)
	stopTimer(&w.retryTimer)
	if uid := w.m.LockedFileUID(); uid != 0 {
		w.open.Close(uid)
	}
	if src != nil {
		src.Close()
	}
}

func (w *Worker) cancelDisk() {
	if w.curDiskJob == nil {
		return
	}
	if w.disk.Cancel(w.curDiskJob) {
		// The disk goroutine still owns the buffer; let it go and use a
		// fresh one next time.
		w.buffer = nil
	} else {
		select {
		case <-w.diskResults:
		default:
		}
	}
	w.curDiskJob = nil
}

// closeDataCon closes the data connection. discard drops the event stream
// too; a reconciling machine instead keeps it to observe the close event.
func (w *Worker) closeDataCon(discard bool) {
	if w.dc != nil {
		w.dc.Close()
		if discard {
			w.dc = nil
			w.dataEvents = nil
		}
	}
	if w.lc != nil {
		w.lc.Close()
		if discard {
			w.lc = nil
			w.dataEvents = nil
		}
	}
}

func (w *Worker) dropConn() {
	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
		w.connEvents = nil
	}
	stopTimer(&w.replyTimer)
}

func (w *Worker) shutdown() {
	w.cleanupItem(nil)
	if w.conn != nil {
		w.conn.SendCommand(ftp.CmdQuit())
		w.conn.Close()
		w.conn = nil
	}
	w.publishWorkerState("stopped")
}

func (w *Worker) publishWorkerState(state string) {
	w.bus.Publish(&events.WorkerEvent{
		BaseEvent: events.BaseEvent{EventType: events.EventWorkerChanged, Time: time.Now()},
		WorkerID:  w.id,
		State:     state,
	})
}

func resetTimer(t **time.Timer, d time.Duration) {
	stopTimer(t)
	*t = time.NewTimer(d)
}

func stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}
