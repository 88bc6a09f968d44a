package rtc

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"

	"github.com/darkprince558/vcall/internal/logging"
)

type rtpWriter interface {
	WriteRTP(p *rtp.Packet) error
	Close() error
}

// consume reads a remote track until it ends, recording it when a record
// directory is configured and the codec has a container.
func (p *Peer) consume(track *webrtc.TrackRemote) {
	w, path, err := p.recorder(track)
	if err != nil {
		p.log.Warn("not recording track", p.log.Args("component", logging.Media, "error", err))
	}
	if w != nil {
		p.log.Info("recording remote track", p.log.Args("component", logging.Media, "path", path))
	}
	p.drain(func() (*rtp.Packet, error) {
		pkt, _, err := track.ReadRTP()
		return pkt, err
	}, w, path)
}

// drain reads packets until read fails, writing them to w while it accepts
// them. w is closed exactly once.
func (p *Peer) drain(read func() (*rtp.Packet, error), w rtpWriter, path string) {
	stop := func() {
		if w != nil {
			w.Close()
			w = nil
		}
	}
	defer stop()
	for {
		pkt, err := read()
		if err != nil {
			return
		}
		if w == nil {
			continue
		}
		if err := w.WriteRTP(pkt); err != nil {
			p.log.Warn("recording failed", p.log.Args("component", logging.Media, "path", path, "error", err))
			stop()
		}
	}
}

func (p *Peer) recorder(track *webrtc.TrackRemote) (rtpWriter, string, error) {
	if p.recordDir == "" {
		return nil, "", nil
	}
	if err := os.MkdirAll(p.recordDir, 0755); err != nil {
		return nil, "", err
	}
	mime := track.Codec().MimeType
	switch {
	case strings.EqualFold(mime, webrtc.MimeTypeVP8):
		path := recordPath(p.recordDir, track.Kind().String(), "ivf")
		w, err := ivfwriter.New(path)
		return w, path, err
	case strings.EqualFold(mime, webrtc.MimeTypeOpus):
		path := recordPath(p.recordDir, track.Kind().String(), "ogg")
		w, err := oggwriter.New(path, 48000, 2)
		return w, path, err
	}
	return nil, "", fmt.Errorf("no container for codec %s", mime)
}

func recordPath(dir, kind, ext string) string {
	return filepath.Join(dir, fmt.Sprintf("remote-%s-%s.%s", kind, time.Now().Format("20060102-150405.000"), ext))
}
