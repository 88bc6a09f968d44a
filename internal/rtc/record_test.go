package rtc

import (
	"errors"
	"io"
	"testing"

	"github.com/pion/rtp"

	"github.com/darkprince558/vcall/internal/logging"
)

type countingWriter struct {
	written int
	closed  int
	failAt  int
}

func (w *countingWriter) WriteRTP(*rtp.Packet) error {
	w.written++
	if w.failAt > 0 && w.written >= w.failAt {
		return errors.New("disk full")
	}
	return nil
}

func (w *countingWriter) Close() error {
	w.closed++
	return nil
}

func packets(n int) func() (*rtp.Packet, error) {
	return func() (*rtp.Packet, error) {
		if n == 0 {
			return nil, io.EOF
		}
		n--
		return &rtp.Packet{}, nil
	}
}

func TestDrainClosesWriterOnce(t *testing.T) {
	p := &Peer{log: logging.Discard()}

	w := &countingWriter{}
	p.drain(packets(5), w, "a.ivf")
	if w.written != 5 || w.closed != 1 {
		t.Errorf("written %d closed %d, want 5 and 1", w.written, w.closed)
	}

	w = &countingWriter{failAt: 2}
	p.drain(packets(5), w, "b.ivf")
	if w.written != 2 {
		t.Errorf("writes after a failure: %d", w.written)
	}
	if w.closed != 1 {
		t.Errorf("closed %d times, want 1", w.closed)
	}
}

func TestDrainWithoutRecorder(t *testing.T) {
	p := &Peer{log: logging.Discard()}
	p.drain(packets(3), nil, "")
}
