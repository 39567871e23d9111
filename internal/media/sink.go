package media

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
)

// Sink consumes the RTP packets of one inbound track.
type Sink interface {
	WriteRTP(pkt *rtp.Packet) error
	Close() error
}

// SinkFactory builds the playback sink for a remote peer's track.
type SinkFactory func(peerID string, kind webrtc.RTPCodecType, mimeType string) (Sink, error)

// Discard drains packets, counting them.
type Discard struct {
	packets atomic.Uint64
}

func (d *Discard) WriteRTP(*rtp.Packet) error {
	d.packets.Add(1)
	return nil
}

func (d *Discard) Close() error { return nil }

// Packets returns how many packets were drained.
func (d *Discard) Packets() uint64 { return d.packets.Load() }

// DiscardSinks is a SinkFactory that drops everything.
func DiscardSinks(string, webrtc.RTPCodecType, string) (Sink, error) {
	return &Discard{}, nil
}

// OggRecorder writes inbound Opus audio to an Ogg file.
type OggRecorder struct {
	*oggwriter.OggWriter
	Path string
}

// NewOggRecorder creates <dir>/<name>.ogg.
func NewOggRecorder(dir, name string) (*OggRecorder, error) {
	path := filepath.Join(dir, fileName(name)+".ogg")
	w, err := oggwriter.New(path, opusSampleRate, 2)
	if err != nil {
		return nil, fmt.Errorf("create recording %s: %w", path, err)
	}
	return &OggRecorder{OggWriter: w, Path: path}, nil
}

// IVFRecorder writes inbound VP8 video to an IVF file.
type IVFRecorder struct {
	*ivfwriter.IVFWriter
	Path string
}

// NewIVFRecorder creates <dir>/<name>.ivf.
func NewIVFRecorder(dir, name string) (*IVFRecorder, error) {
	path := filepath.Join(dir, fileName(name)+".ivf")
	w, err := ivfwriter.New(path)
	if err != nil {
		return nil, fmt.Errorf("create recording %s: %w", path, err)
	}
	return &IVFRecorder{IVFWriter: w, Path: path}, nil
}

// RecorderSinks records Opus audio to <dir>/<peer>.ogg and VP8 video to
// <dir>/<peer>-screen.ivf. Other codecs are discarded.
func RecorderSinks(dir string) (SinkFactory, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create record dir: %w", err)
	}

	return func(peerID string, kind webrtc.RTPCodecType, mimeType string) (Sink, error) {
		switch {
		case kind == webrtc.RTPCodecTypeAudio && strings.EqualFold(mimeType, webrtc.MimeTypeOpus):
			return NewOggRecorder(dir, peerID)
		case kind == webrtc.RTPCodecTypeVideo && strings.EqualFold(mimeType, webrtc.MimeTypeVP8):
			return NewIVFRecorder(dir, peerID+"-screen")
		default:
			return &Discard{}, nil
		}
	}, nil
}

// fileName keeps peer identifiers from escaping the record directory.
func fileName(name string) string {
	name = filepath.Base(filepath.Clean("/" + name))
	if name == "/" || name == "." || name == "" {
		return "peer"
	}
	return name
}
