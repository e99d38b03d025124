//go:build linux

package subprocess

func (p *Subprocess) lookup(name string) (*stream, error) {
	s, ok := p.streams[name]
	if !ok {
		return nil, invalidf("no stream named %q", name)
	}
	return s, nil
}

func (p *Subprocess) readable(name string) (*stream, error) {
	s, err := p.lookup(name)
	if err != nil {
		return nil, err
	}
	if !s.dir.readable() {
		return nil, invalidf("stream %q is not readable", name)
	}
	return s, nil
}

// Read consumes up to n buffered bytes from stream, or everything buffered
// when n is negative. An empty result means no data is buffered.
func (p *Subprocess) Read(stream string, n int) ([]byte, error) {
	s, err := p.readable(stream)
	if err != nil {
		return nil, err
	}
	return s.read(n), nil
}

// ReadLine consumes the next complete line including its newline. Once the
// stream reached EOF a final unterminated line is returned too. An empty
// result means no line is available yet.
func (p *Subprocess) ReadLine(stream string) ([]byte, error) {
	s, err := p.readable(stream)
	if err != nil {
		return nil, err
	}
	return s.readLine(), nil
}

// ReadTrimmedLine is ReadLine with the line terminator removed. ok is false
// when no line was available.
func (p *Subprocess) ReadTrimmedLine(stream string) (line string, ok bool, err error) {
	raw, err := p.ReadLine(stream)
	if err != nil || raw == nil {
		return "", false, err
	}
	n := len(raw)
	if n > 0 && raw[n-1] == '\n' {
		n--
		if n > 0 && raw[n-1] == '\r' {
			n--
		}
	}
	return string(raw[:n]), true, nil
}

// Buffered returns the number of unread bytes buffered for stream.
func (p *Subprocess) Buffered(stream string) (int, error) {
	s, err := p.readable(stream)
	if err != nil {
		return 0, err
	}
	return s.buf.Len(), nil
}

// ReadClosed reports whether stream reached EOF.
func (p *Subprocess) ReadClosed(stream string) (bool, error) {
	s, err := p.readable(stream)
	if err != nil {
		return false, err
	}
	return s.eof, nil
}

// WriteClosed reports whether the write side of stream has been closed.
func (p *Subprocess) WriteClosed(stream string) (bool, error) {
	s, err := p.lookup(stream)
	if err != nil {
		return false, err
	}
	if !s.dir.writable() {
		return false, invalidf("stream %q is not writable", stream)
	}
	return s.writeClosed, nil
}

// Write queues data for delivery to stream. It never blocks; bytes are
// flushed as the descriptor becomes writable.
func (p *Subprocess) Write(stream string, data []byte) (int, error) {
	s, err := p.lookup(stream)
	if err != nil {
		return 0, err
	}
	if !s.dir.writable() {
		return 0, invalidf("stream %q is not writable", stream)
	}
	if s.writeClosed || s.writeDone || p.destroyed {
		return 0, invalidf("stream %q is closed for writing", stream)
	}
	if len(data) == 0 {
		return 0, nil
	}
	s.queue = append(s.queue, data...)
	p.update(s)
	return len(data), nil
}

// Close ends the write side of stream once queued data is flushed. The
// child then sees EOF on its end. Closing twice is a no-op.
func (p *Subprocess) Close(stream string) error {
	s, err := p.lookup(stream)
	if err != nil {
		return err
	}
	if !s.dir.writable() {
		return invalidf("stream %q is not writable", stream)
	}
	if s.writeClosed {
		return nil
	}
	s.writeClosed = true
	if len(s.queue) == 0 {
		if err := s.finishWrite(); err != nil {
			p.log.Debug().Err(err).Str("stream", stream).Msg("close stream")
		}
	}
	p.update(s)
	return nil
}

// StreamDirection returns the direction of stream as seen from the parent.
func (p *Subprocess) StreamDirection(stream string) (Direction, error) {
	s, err := p.lookup(stream)
	if err != nil {
		return 0, err
	}
	return s.dir, nil
}
