package transfer

import "io"

// Body starts the pump and returns the response body stream. Chunks arrive in
// engine order; a transfer error surfaces as the reader's terminal error.
// Closing the reader early makes the next write callback abort the transfer.
func (s *State) Body() io.ReadCloser {
	pr, pw := io.Pipe()
	started := false
	s.pumpOnce.Do(func() {
		started = true
		go s.pump(pw)
	})
	if !started {
		pw.CloseWithError(io.ErrClosedPipe)
	}
	return &bodyReader{PipeReader: pr, state: s}
}

// Discard drops the body: queued and future chunks are released and the
// transfer aborts on its next write.
func (s *State) Discard() {
	s.consumerClosed()
	s.pumpOnce.Do(func() {
		go s.pump(nil)
	})
}

func (s *State) consumerClosed() {
	s.consumerOnce.Do(func() {
		close(s.consumerGone)
	})
}

// pump drains the chunk queue into pw until the queue completes. A nil pw
// only recycles buffers.
func (s *State) pump(pw *io.PipeWriter) {
	broken := pw == nil
	write := func(c chunk) {
		if !broken {
			if _, err := pw.Write((*c.buf)[:c.n]); err != nil {
				broken = true
				s.consumerClosed()
			}
		}
		s.buffers.Put(c.buf)
	}

	for {
		select {
		case c := <-s.chunks:
			write(c)
		case <-s.done:
			for {
				select {
				case c := <-s.chunks:
					write(c)
				default:
					if pw != nil {
						pw.CloseWithError(s.doneErr)
					}
					return
				}
			}
		}
	}
}

type bodyReader struct {
	*io.PipeReader
	state *State
}

func (r *bodyReader) Close() error {
	r.state.consumerClosed()
	return r.PipeReader.Close()
}
