package media

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
)

// ErrUnavailable is returned when a capture input is missing or unreadable.
var ErrUnavailable = errors.New("media unavailable")

const (
	streamID         = "peerstream"
	oggPageDuration  = 20 * time.Millisecond
	opusSampleRate   = 48000
	defaultFrameRate = 30
)

// Source supplies the local tracks attached to every peer connection.
type Source interface {
	Tracks() []webrtc.TrackLocal
	Stop()
}

// HasAudio reports whether src carries at least one audio track.
func HasAudio(src Source) bool {
	if src == nil {
		return false
	}
	for _, t := range src.Tracks() {
		if t.Kind() == webrtc.RTPCodecTypeAudio {
			return true
		}
	}
	return false
}

// loop owns the goroutine that paces samples into a track.
type loop struct {
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func (l *loop) init() {
	l.stop = make(chan struct{})
	l.done = make(chan struct{})
}

func (l *loop) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
	<-l.done
}

// Screen loops a VP8 IVF recording as the screen capture.
type Screen struct {
	loop
	path  string
	track *webrtc.TrackLocalStaticSample
}

// OpenScreen starts streaming the IVF file at path.
func OpenScreen(path string) (*Screen, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	reader, header, err := ivfreader.NewWith(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, path, err)
	}

	mime := webrtc.MimeTypeVP8
	switch header.FourCC {
	case "VP80":
	case "VP90":
		mime = webrtc.MimeTypeVP9
	default:
		f.Close()
		return nil, fmt.Errorf("%w: %s: unsupported codec %q", ErrUnavailable, path, header.FourCC)
	}

	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, "screen", streamID)
	if err != nil {
		f.Close()
		return nil, err
	}

	s := &Screen{path: path, track: track}
	s.init()
	go s.run(f, reader, frameDuration(header.TimebaseNumerator, header.TimebaseDenominator))
	return s, nil
}

func frameDuration(num, den uint32) time.Duration {
	if num == 0 || den == 0 {
		return time.Second / defaultFrameRate
	}
	d := time.Duration(float64(num) / float64(den) * float64(time.Second))
	if d <= 0 {
		return time.Second / defaultFrameRate
	}
	return d
}

func (s *Screen) run(f *os.File, reader *ivfreader.IVFReader, frame time.Duration) {
	defer close(s.done)
	defer f.Close()

	ticker := time.NewTicker(frame)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}

		data, _, err := reader.ParseNextFrame()
		if errors.Is(err, io.EOF) {
			if reader, err = rewindIVF(f); err != nil {
				slog.Warn("screen rewind failed", "path", s.path, "err", err)
				return
			}
			continue
		}
		if err != nil {
			slog.Warn("screen read failed", "path", s.path, "err", err)
			return
		}

		if err := s.track.WriteSample(pionmedia.Sample{Data: data, Duration: frame}); err != nil {
			slog.Debug("screen sample dropped", "err", err)
		}
	}
}

func rewindIVF(f *os.File) (*ivfreader.IVFReader, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	reader, _, err := ivfreader.NewWith(f)
	return reader, err
}

func (s *Screen) Tracks() []webrtc.TrackLocal {
	return []webrtc.TrackLocal{s.track}
}

// Microphone loops an Opus Ogg recording as the microphone.
type Microphone struct {
	loop
	path  string
	track *webrtc.TrackLocalStaticSample
	muted atomic.Bool
}

// OpenMicrophone starts streaming the Ogg/Opus file at path.
func OpenMicrophone(path string) (*Microphone, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	reader, _, err := oggreader.NewWith(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, path, err)
	}

	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "microphone", streamID)
	if err != nil {
		f.Close()
		return nil, err
	}

	m := &Microphone{path: path, track: track}
	m.init()
	go m.run(f, reader)
	return m, nil
}

func (m *Microphone) run(f *os.File, reader *oggreader.OggReader) {
	defer close(m.done)
	defer f.Close()

	ticker := time.NewTicker(oggPageDuration)
	defer ticker.Stop()

	var lastGranule uint64
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
		}

		page, header, err := reader.ParseNextPage()
		if errors.Is(err, io.EOF) {
			if reader, err = rewindOgg(f); err != nil {
				slog.Warn("microphone rewind failed", "path", m.path, "err", err)
				return
			}
			lastGranule = 0
			continue
		}
		if err != nil {
			slog.Warn("microphone read failed", "path", m.path, "err", err)
			return
		}

		samples := header.GranulePosition - lastGranule
		lastGranule = header.GranulePosition
		if m.muted.Load() {
			continue
		}

		duration := time.Duration(float64(samples) / opusSampleRate * float64(time.Second))
		if err := m.track.WriteSample(pionmedia.Sample{Data: page, Duration: duration}); err != nil {
			slog.Debug("microphone sample dropped", "err", err)
		}
	}
}

func rewindOgg(f *os.File) (*oggreader.OggReader, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	reader, _, err := oggreader.NewWith(f)
	return reader, err
}

func (m *Microphone) Tracks() []webrtc.TrackLocal {
	return []webrtc.TrackLocal{m.track}
}

// ToggleMute flips whether samples are written and returns the new state.
func (m *Microphone) ToggleMute() bool {
	for {
		old := m.muted.Load()
		if m.muted.CompareAndSwap(old, !old) {
			return !old
		}
	}
}

func (m *Microphone) Muted() bool {
	return m.muted.Load()
}

// Group bundles several sources into one.
type Group []Source

func (g Group) Tracks() []webrtc.TrackLocal {
	var out []webrtc.TrackLocal
	for _, s := range g {
		if s != nil {
			out = append(out, s.Tracks()...)
		}
	}
	return out
}

func (g Group) Stop() {
	for _, s := range g {
		if s != nil {
			s.Stop()
		}
	}
}
