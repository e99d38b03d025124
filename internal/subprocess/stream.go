//go:build linux

package subprocess

import (
	"bytes"

	"golang.org/x/sys/unix"

	"github.com/Paintersrp/subproc/internal/reactor"
)

// stream is the parent side of one child descriptor. Readable streams buffer
// everything the child wrote until the caller consumes it; writable streams
// queue outbound bytes until the descriptor accepts them.
type stream struct {
	name   string
	dir    Direction
	socket bool
	cfg    streamConfig

	fd      int
	watcher reactor.FDWatcher

	chunk []byte
	buf   bytes.Buffer
	eof   bool

	queue       []byte
	writeClosed bool
	writeDone   bool
}

func newStream(name string, dir Direction, fd int, socket bool, cfg streamConfig) *stream {
	s := &stream{name: name, dir: dir, socket: socket, cfg: cfg, fd: fd}
	if dir.readable() {
		s.chunk = make([]byte, cfg.bufSize)
	}
	return s
}

// interest is the readiness the stream currently waits for.
func (s *stream) interest() reactor.Events {
	if s.fd < 0 {
		return 0
	}
	var ev reactor.Events
	if s.dir.readable() && !s.eof {
		ev |= reactor.Readable
	}
	if s.dir.writable() && !s.writeDone && len(s.queue) > 0 {
		ev |= reactor.Writable
	}
	return ev
}

// terminal reports that neither side of the stream has work left.
func (s *stream) terminal() bool {
	return (!s.dir.readable() || s.eof) && (!s.dir.writable() || s.writeDone)
}

// fill performs one non-blocking read of at most one chunk.
func (s *stream) fill() (int, error) {
	n, err := unix.Read(s.fd, s.chunk)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.buf.Write(s.chunk[:n])
	}
	return n, nil
}

// flush performs one non-blocking write of the queued bytes.
func (s *stream) flush() (int, error) {
	n, err := unix.Write(s.fd, s.queue)
	if n > 0 {
		s.queue = s.queue[n:]
	}
	if len(s.queue) == 0 {
		s.queue = nil
	}
	if err != nil {
		return 0, err
	}
	return n, nil
}

// finishWrite ends the write side: pipes are closed, sockets are shut down
// and closed later once the read side also hits EOF.
func (s *stream) finishWrite() error {
	if s.writeDone {
		return nil
	}
	s.writeDone = true
	s.writeClosed = true
	s.queue = nil
	if s.fd < 0 {
		return nil
	}
	if !s.dir.readable() {
		return s.release()
	}
	if s.socket {
		if err := unix.Shutdown(s.fd, unix.SHUT_WR); err != nil && err != unix.ENOTCONN {
			return err
		}
	}
	return nil
}

// release unregisters the watcher and closes the descriptor. Safe to call
// repeatedly; the descriptor is closed once.
func (s *stream) release() error {
	if s.watcher != nil {
		s.watcher.Stop()
		s.watcher = nil
	}
	if s.fd < 0 {
		return nil
	}
	fd := s.fd
	s.fd = -1
	return unix.Close(fd)
}

func (s *stream) read(n int) []byte {
	avail := s.buf.Len()
	if n < 0 || n > avail {
		n = avail
	}
	out := make([]byte, n)
	copy(out, s.buf.Next(n))
	return out
}

// readLine returns the next complete line including its terminator. After
// EOF a trailing partial line is returned as well, newline-terminated when
// the stream's EOF_NEWLINE option is set. nil means no line is available.
func (s *stream) readLine() []byte {
	pending := s.buf.Bytes()
	if i := bytes.IndexByte(pending, '\n'); i >= 0 {
		return s.read(i + 1)
	}
	if !s.eof || len(pending) == 0 {
		return nil
	}
	line := s.read(-1)
	if s.cfg.eofNewline {
		line = append(line, '\n')
	}
	return line
}
