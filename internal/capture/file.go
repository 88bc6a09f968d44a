package capture

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
	"github.com/pterm/pterm"

	"github.com/darkprince558/vcall/internal/logging"
)

const (
	defaultFrameDuration = time.Second / 30
	opusClockRate        = 48000
)

// FileSource plays IVF video and Ogg/Opus audio files as if they were a
// camera and a microphone. Each file is locked while a stream uses it, so a
// second caller sees ErrDeviceBusy.
type FileSource struct {
	VideoPath string
	AudioPath string
	Logger    *pterm.Logger
}

var _ Source = (*FileSource)(nil)

// Acquire opens the requested devices. On any failure the devices opened so
// far are released.
func (s *FileSource) Acquire(ctx context.Context, c Constraints) (*Stream, error) {
	log := s.Logger
	if log == nil {
		log = logging.Discard()
	}
	if c.Video == nil && c.Audio == nil {
		return nil, &DeviceError{Err: ErrDeviceNotFound}
	}

	streamID := "vcall-" + uuid.NewString()[:8]
	var tracks []Track
	fail := func(err error) (*Stream, error) {
		for _, t := range tracks {
			t.Stop()
		}
		return nil, err
	}

	if c.Video != nil {
		t, err := openVideo(ctx, s.VideoPath, streamID, log)
		if err != nil {
			return fail(err)
		}
		if t.width < c.Video.Width || t.height < c.Video.Height {
			log.Debug("video below ideal resolution", log.Args(
				"component", logging.Media,
				"width", t.width, "height", t.height,
				"ideal_width", c.Video.Width, "ideal_height", c.Video.Height))
		}
		tracks = append(tracks, t)
	}
	if c.Audio != nil {
		t, err := openAudio(ctx, s.AudioPath, streamID, log)
		if err != nil {
			return fail(err)
		}
		log.Debug("audio processing requested", log.Args(
			"component", logging.Media,
			"echo_cancellation", c.Audio.EchoCancellation,
			"noise_suppression", c.Audio.NoiseSuppression))
		tracks = append(tracks, t)
	}

	log.Info("media acquired", log.Args("component", logging.Media, "stream", streamID, "tracks", len(tracks)))
	return NewStream(streamID, tracks...), nil
}

// device is an opened, locked media file.
type device struct {
	file *os.File
	lock *flock.Flock
}

func openDevice(kind Kind, path string) (*device, error) {
	if path == "" {
		return nil, &DeviceError{Kind: kind, Err: ErrDeviceNotFound}
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, classify(kind, path, err)
	}
	lock := flock.New(lockPath(path))
	ok, err := lock.TryLock()
	if err != nil {
		f.Close()
		return nil, &DeviceError{Kind: kind, Device: path, Err: err}
	}
	if !ok {
		f.Close()
		return nil, &DeviceError{Kind: kind, Device: path, Err: ErrDeviceBusy}
	}
	return &device{file: f, lock: lock}, nil
}

// lockPath keeps lock files out of the media directory, which may be read-only.
func lockPath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	sum := sha256.Sum256([]byte(abs))
	return filepath.Join(os.TempDir(), "vcall-"+hex.EncodeToString(sum[:8])+".lock")
}

func (d *device) close() {
	d.file.Close()
	d.lock.Unlock()
}

// sampleReader yields one media sample and how long it plays.
type sampleReader interface {
	next() ([]byte, time.Duration, error)
}

type ivfSamples struct {
	r   *ivfreader.IVFReader
	dur time.Duration
}

func (s *ivfSamples) next() ([]byte, time.Duration, error) {
	frame, _, err := s.r.ParseNextFrame()
	return frame, s.dur, err
}

func newIVFSamples(r io.Reader) (*ivfSamples, *ivfreader.IVFFileHeader, error) {
	reader, header, err := ivfreader.NewWith(r)
	if err != nil {
		return nil, nil, err
	}
	dur := defaultFrameDuration
	if header.TimebaseDenominator != 0 && header.TimebaseNumerator != 0 {
		dur = time.Duration(float64(time.Second) * float64(header.TimebaseNumerator) / float64(header.TimebaseDenominator))
	}
	return &ivfSamples{r: reader, dur: dur}, header, nil
}

type oggSamples struct {
	r       *oggreader.OggReader
	granule uint64
}

func (s *oggSamples) next() ([]byte, time.Duration, error) {
	page, header, err := s.r.ParseNextPage()
	if err != nil {
		return nil, 0, err
	}
	var dur time.Duration
	if header.GranulePosition > s.granule {
		dur = time.Duration(header.GranulePosition-s.granule) * time.Second / opusClockRate
	}
	s.granule = header.GranulePosition
	return page, dur, nil
}

func newOggSamples(r io.Reader) (*oggSamples, error) {
	reader, _, err := oggreader.NewWith(r)
	if err != nil {
		return nil, err
	}
	return &oggSamples{r: reader}, nil
}

func videoCodec(fourcc string) (string, error) {
	switch fourcc {
	case "VP80":
		return webrtc.MimeTypeVP8, nil
	case "VP90":
		return webrtc.MimeTypeVP9, nil
	case "AV01":
		return webrtc.MimeTypeAV1, nil
	}
	return "", fmt.Errorf("unsupported ivf codec %q", fourcc)
}

func openVideo(ctx context.Context, path, streamID string, log *pterm.Logger) (*sampleTrack, error) {
	dev, err := openDevice(KindVideo, path)
	if err != nil {
		return nil, err
	}
	_, header, err := newIVFSamples(dev.file)
	if err != nil {
		dev.close()
		return nil, &DeviceError{Kind: KindVideo, Device: path, Err: err}
	}
	mime, err := videoCodec(header.FourCC)
	if err != nil {
		dev.close()
		return nil, &DeviceError{Kind: KindVideo, Device: path, Err: err}
	}
	local, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, "video", streamID)
	if err != nil {
		dev.close()
		return nil, err
	}
	t := newSampleTrack(KindVideo, local, dev, log)
	t.width, t.height = int(header.Width), int(header.Height)
	t.start(ctx, func(r io.Reader) (sampleReader, error) {
		s, _, err := newIVFSamples(r)
		return s, err
	})
	return t, nil
}

func openAudio(ctx context.Context, path, streamID string, log *pterm.Logger) (*sampleTrack, error) {
	dev, err := openDevice(KindAudio, path)
	if err != nil {
		return nil, err
	}
	if _, err := newOggSamples(dev.file); err != nil {
		dev.close()
		return nil, &DeviceError{Kind: KindAudio, Device: path, Err: err}
	}
	local, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: opusClockRate,
		Channels:  2,
	}, "audio", streamID)
	if err != nil {
		dev.close()
		return nil, err
	}
	t := newSampleTrack(KindAudio, local, dev, log)
	t.start(ctx, func(r io.Reader) (sampleReader, error) {
		return newOggSamples(r)
	})
	return t, nil
}

// sampleTrack paces samples from a device into a pion track.
type sampleTrack struct {
	kind  Kind
	local *webrtc.TrackLocalStaticSample
	dev   *device
	log   *pterm.Logger

	width, height int

	enabled  atomic.Bool
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

func newSampleTrack(kind Kind, local *webrtc.TrackLocalStaticSample, dev *device, log *pterm.Logger) *sampleTrack {
	t := &sampleTrack{kind: kind, local: local, dev: dev, log: log, done: make(chan struct{})}
	t.enabled.Store(true)
	return t
}

func (t *sampleTrack) ID() string               { return t.local.ID() }
func (t *sampleTrack) Kind() Kind               { return t.kind }
func (t *sampleTrack) Enabled() bool            { return t.enabled.Load() }
func (t *sampleTrack) SetEnabled(on bool)       { t.enabled.Store(on) }
func (t *sampleTrack) Local() webrtc.TrackLocal { return t.local }

// Stop ends pacing and releases the device.
func (t *sampleTrack) Stop() {
	t.stopOnce.Do(func() {
		if t.cancel != nil {
			t.cancel()
			<-t.done
		}
		t.dev.close()
		t.log.Debug("track stopped", t.log.Args("component", logging.Media, "kind", t.kind))
	})
}

func (t *sampleTrack) start(ctx context.Context, open func(io.Reader) (sampleReader, error)) {
	// The stream outlives the call that acquired it only until Stop.
	ctx, t.cancel = context.WithCancel(context.WithoutCancel(ctx))
	go t.pump(ctx, open)
}

func (t *sampleTrack) pump(ctx context.Context, open func(io.Reader) (sampleReader, error)) {
	defer close(t.done)
	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	for {
		if _, err := t.dev.file.Seek(0, io.SeekStart); err != nil {
			t.log.Warn("rewind failed", t.log.Args("component", logging.Media, "error", err))
			return
		}
		r, err := open(t.dev.file)
		if err != nil {
			t.log.Warn("reopen failed", t.log.Args("component", logging.Media, "error", err))
			return
		}

		samples := 0
		for {
			data, dur, err := r.next()
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			if err != nil {
				t.log.Warn("read failed", t.log.Args("component", logging.Media, "kind", t.kind, "error", err))
				return
			}
			if dur <= 0 {
				continue
			}
			samples++
			timer.Reset(dur)
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			}
			if !t.Enabled() {
				continue
			}
			if err := t.local.WriteSample(media.Sample{Data: data, Duration: dur}); err != nil {
				t.log.Debug("write sample failed", t.log.Args("component", logging.Media, "error", err))
			}
		}
		if samples == 0 {
			t.log.Warn("media file has no playable samples", t.log.Args("component", logging.Media, "kind", t.kind))
			<-ctx.Done()
			return
		}
	}
}
