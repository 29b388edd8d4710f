// Package diskio runs local file operations on a dedicated goroutine so an
// upload worker never blocks on disk while it is waiting for the network.
// A worker submits one job at a time (read the next data block, or delete
// a moved source file) and receives the result on its own channel.
package diskio

import (
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// JobType is the kind of disk work to perform.
type JobType int

const (
	// JobReadFile reads the next block of the source file as-is.
	JobReadFile JobType = iota
	// JobReadFileASCII reads the next block converting line ends to CRLF
	// and counting them; flags binary content found in the data.
	JobReadFileASCII
	// JobDeleteFile deletes the source file of a finished move.
	JobDeleteFile
)

// Job is one unit of disk work. The submitter owns Buffer until Submit;
// ownership passes back with the Result, except when Cancel reports the
// job was already running, in which case the disk goroutine discards it.
type Job struct {
	Type JobType

	// Read jobs.
	File   *os.File
	Offset int64
	Buffer []byte

	// Delete jobs.
	Path string

	// Results receives exactly one Result unless the job is canceled
	// first. Must have capacity for it; delivery never blocks the disk
	// goroutine for a well-behaved submitter.
	Results chan<- Result

	canceled bool
}

// Result reports a finished job.
type Result struct {
	Job *Job
	Err error

	// Read results.
	Buffer     []byte
	ValidBytes int
	EOF        bool
	NewOffset  int64 // source offset after this read
	EOLCount   int64 // CRLF line ends produced (ASCII reads only)

	// BinaryContent reports that an ASCII read hit data that is not
	// text. The block is still returned converted; the caller decides
	// whether to abort the transfer.
	BinaryContent bool
}

// Worker is the disk goroutine plus its job queue.
type Worker struct {
	mu      sync.Mutex
	queue   []*Job
	running *Job
	wake    chan struct{}
	stop    chan struct{}
	done    chan struct{}
	log     zerolog.Logger

	// lastByte tracking for ASCII conversion lives in the Job submitter;
	// each read job is self-contained given its offset.
}

// New starts the disk worker goroutine.
func New(log zerolog.Logger) *Worker {
	w := &Worker{
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
		log:  log,
	}
	go w.run()
	return w
}

// Submit queues a job.
func (w *Worker) Submit(job *Job) {
	w.mu.Lock()
	w.queue = append(w.queue, job)
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Cancel withdraws a job. It returns true when the job was already being
// executed; the job's buffer then belongs to the disk goroutine, which
// discards it together with the result. False means the job either never
// started (removed from the queue) or already delivered its result; the
// caller keeps the buffer and drains its result channel as usual.
func (w *Worker) Cancel(job *Job) (wasInProgress bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for i, q := range w.queue {
		if q == job {
			w.queue = append(w.queue[:i], w.queue[i+1:]...)
			return false
		}
	}
	if w.running == job {
		job.canceled = true
		return true
	}
	return false
}

// Close stops the goroutine after the current job, dropping queued jobs.
func (w *Worker) Close() {
	select {
	case <-w.stop:
	default:
		close(w.stop)
	}
	<-w.done
}

func (w *Worker) run() {
	defer close(w.done)
	for {
		w.mu.Lock()
		var job *Job
		if len(w.queue) > 0 {
			job = w.queue[0]
			w.queue = w.queue[1:]
			w.running = job
		}
		w.mu.Unlock()

		if job == nil {
			select {
			case <-w.wake:
				continue
			case <-w.stop:
				return
			}
		}

		res := w.execute(job)

		w.mu.Lock()
		w.running = nil
		canceled := job.canceled
		w.mu.Unlock()

		if canceled {
			continue // buffer and result belong to us now, drop both
		}
		job.Results <- res

		select {
		case <-w.stop:
			return
		default:
		}
	}
}

func (w *Worker) execute(job *Job) Result {
	switch job.Type {
	case JobDeleteFile:
		err := os.Remove(job.Path)
		if err != nil {
			w.log.Debug().Err(err).Str("path", job.Path).Msg("Source delete failed")
		}
		return Result{Job: job, Err: err}

	case JobReadFileASCII:
		return w.readASCII(job)

	default: // JobReadFile
		n, err := job.File.ReadAt(job.Buffer, job.Offset)
		eof := err == io.EOF
		if eof {
			err = nil
		}
		return Result{
			Job:        job,
			Err:        err,
			Buffer:     job.Buffer,
			ValidBytes: n,
			EOF:        eof,
			NewOffset:  job.Offset + int64(n),
		}
	}
}

// readASCII reads raw bytes and rewrites line ends to CRLF into the job
// buffer. Conversion can at most double the data, so only half the buffer
// is filled from disk.
func (w *Worker) readASCII(job *Job) Result {
	raw := make([]byte, len(job.Buffer)/2)
	n, err := job.File.ReadAt(raw, job.Offset)
	eof := err == io.EOF
	if eof {
		err = nil
	}
	if err != nil {
		return Result{Job: job, Err: err, Buffer: job.Buffer}
	}
	raw = raw[:n]

	// A CR as the last byte may be half of a CRLF pair; push it into the
	// next read so the pair is converted as one line end.
	if !eof && n > 1 && raw[n-1] == '\r' {
		n--
		raw = raw[:n]
	}

	binary := !IsTextData(raw)

	out := job.Buffer[:0]
	var eols int64
	for i := 0; i < len(raw); i++ {
		b := raw[i]
		switch b {
		case '\r':
			out = append(out, '\r', '\n')
			eols++
			if i+1 < len(raw) && raw[i+1] == '\n' {
				i++
			}
		case '\n':
			out = append(out, '\r', '\n')
			eols++
		default:
			out = append(out, b)
		}
	}

	return Result{
		Job:           job,
		Buffer:        job.Buffer,
		ValidBytes:    len(out),
		EOF:           eof,
		NewOffset:     job.Offset + int64(n),
		EOLCount:      eols,
		BinaryContent: binary,
	}
}

// IsTextData reports whether data looks like text. A NUL byte or a high
// share of control characters marks it binary, matching the heuristic
// used to warn before uploading a binary file in ASCII mode.
func IsTextData(data []byte) bool {
	if len(data) == 0 {
		return true
	}
	suspect := 0
	for _, b := range data {
		if b == 0 {
			return false
		}
		if b < 32 && b != '\t' && b != '\n' && b != '\r' && b != '\f' && b != 0x1b {
			suspect++
		}
	}
	return suspect*32 < len(data)
}
