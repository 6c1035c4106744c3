package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/pion/webrtc/v3/pkg/media/ivfreader"
	"github.com/pion/webrtc/v3/pkg/media/oggreader"
	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-mesh/internal/config"
	"github.com/isqad/livelook-mesh/internal/core"
)

const (
	oggPageDuration      = 20 * time.Millisecond
	opusSampleRate       = 48000
	defaultFrameInterval = 33 * time.Millisecond
)

var (
	ErrNoVideoFile       = errors.New("no video file configured")
	ErrUnsupportedFourCC = errors.New("unsupported IVF codec")
	ErrEmptyMediaFile    = errors.New("media file has no samples")
)

// FileAcquirer opens capture sources from IVF (VP8) and Ogg (Opus) files
// and plays them in a loop.
type FileAcquirer struct {
	files config.MediaConfig
}

func NewFileAcquirer(files config.MediaConfig) *FileAcquirer {
	return &FileAcquirer{files: files}
}

func (a *FileAcquirer) Acquire(ctx context.Context, kind core.SourceKind) (Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	files, ok := a.files.Files(kind)
	if !ok {
		return nil, fmt.Errorf("%w: %q", core.ErrUnknownSourceKind, string(kind))
	}
	if files.Video == "" {
		return nil, ErrNoVideoFile
	}

	streamID := fmt.Sprintf("livelook-%s-%s", kind, uuid.NewString())
	device := &fileDevice{kind: kind}

	video, err := openIVF(files.Video, streamID)
	if err != nil {
		return nil, err
	}
	device.video = video

	if files.Audio != "" {
		audio, err := openOgg(files.Audio, streamID)
		if err != nil {
			video.close()
			return nil, err
		}
		device.audio = audio
	}

	return device, nil
}

type fileDevice struct {
	kind  core.SourceKind
	video *ivfPlayer
	audio *oggPlayer

	lock    sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
}

func (d *fileDevice) Tracks() []webrtc.TrackLocal {
	tracks := []webrtc.TrackLocal{d.video.track}
	if d.audio != nil {
		tracks = append(tracks, d.audio.track)
	}

	return tracks
}

// Start plays the files until Stop. Each player closes its own file when it
// exits.
func (d *fileDevice) Start() {
	d.lock.Lock()
	defer d.lock.Unlock()

	if d.started || d.stopped {
		return
	}
	d.started = true

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel

	go func() {
		defer d.video.close()
		d.video.play(ctx)
	}()

	if d.audio != nil {
		go func() {
			defer d.audio.close()
			d.audio.play(ctx)
		}()
	}
}

// Stop does not wait for the players to exit.
func (d *fileDevice) Stop() {
	d.lock.Lock()
	defer d.lock.Unlock()

	if d.stopped {
		return
	}
	d.stopped = true

	if d.started {
		d.cancel()
		return
	}

	d.video.close()
	if d.audio != nil {
		d.audio.close()
	}
}

type ivfPlayer struct {
	file     *os.File
	reader   *ivfreader.IVFReader
	interval time.Duration
	track    *webrtc.TrackLocalStaticSample
}

func openIVF(path, streamID string) (*ivfPlayer, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open video %s: %w", path, err)
	}

	reader, header, err := ivfreader.NewWith(file)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("read video %s: %w", path, err)
	}
	if header.FourCC != "VP80" {
		file.Close()
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFourCC, header.FourCC)
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		"video-"+uuid.NewString(),
		streamID,
	)
	if err != nil {
		file.Close()
		return nil, err
	}

	return &ivfPlayer{
		file:     file,
		reader:   reader,
		interval: frameInterval(header),
		track:    track,
	}, nil
}

func frameInterval(header *ivfreader.IVFFileHeader) time.Duration {
	if header.TimebaseDenominator == 0 {
		return defaultFrameInterval
	}

	interval := time.Duration(float64(time.Second) * float64(header.TimebaseNumerator) / float64(header.TimebaseDenominator))
	if interval < time.Millisecond {
		return defaultFrameInterval
	}

	return interval
}

// play paces frames with a ticker so they leave at playback speed.
func (p *ivfPlayer) play(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	written := 0
	for {
		frame, _, err := p.reader.ParseNextFrame()
		if errors.Is(err, io.EOF) {
			if written == 0 {
				err = ErrEmptyMediaFile
			} else {
				written = 0
				err = p.rewind()
			}
			if err != nil {
				log.Error().Err(err).Str("service", "media").Msg("can't rewind video")
				return
			}
			continue
		}
		if err != nil {
			log.Error().Err(err).Str("service", "media").Msg("can't read video frame")
			return
		}

		if err := p.track.WriteSample(media.Sample{Data: frame, Duration: p.interval}); err != nil {
			log.Warn().Err(err).Str("service", "media").Msg("can't write video sample")
		}
		written++

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *ivfPlayer) rewind() error {
	if _, err := p.file.Seek(0, io.SeekStart); err != nil {
		return err
	}

	reader, _, err := ivfreader.NewWith(p.file)
	if err != nil {
		return err
	}
	p.reader = reader

	return nil
}

func (p *ivfPlayer) close() {
	_ = p.file.Close()
}

type oggPlayer struct {
	file   *os.File
	reader *oggreader.OggReader
	track  *webrtc.TrackLocalStaticSample

	lastGranule uint64
}

func openOgg(path, streamID string) (*oggPlayer, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open audio %s: %w", path, err)
	}

	reader, _, err := oggreader.NewWith(file)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("read audio %s: %w", path, err)
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio-"+uuid.NewString(),
		streamID,
	)
	if err != nil {
		file.Close()
		return nil, err
	}

	return &oggPlayer{file: file, reader: reader, track: track}, nil
}

func (p *oggPlayer) play(ctx context.Context) {
	ticker := time.NewTicker(oggPageDuration)
	defer ticker.Stop()

	written := 0
	for {
		page, header, err := p.reader.ParseNextPage()
		if errors.Is(err, io.EOF) {
			if written == 0 {
				err = ErrEmptyMediaFile
			} else {
				written = 0
				err = p.rewind()
			}
			if err != nil {
				log.Error().Err(err).Str("service", "media").Msg("can't rewind audio")
				return
			}
			continue
		}
		if err != nil {
			log.Error().Err(err).Str("service", "media").Msg("can't read audio page")
			return
		}

		samples := header.GranulePosition - p.lastGranule
		p.lastGranule = header.GranulePosition
		duration := time.Duration(float64(samples)/opusSampleRate*1000) * time.Millisecond

		if err := p.track.WriteSample(media.Sample{Data: page, Duration: duration}); err != nil {
			log.Warn().Err(err).Str("service", "media").Msg("can't write audio sample")
		}
		written++

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *oggPlayer) rewind() error {
	if _, err := p.file.Seek(0, io.SeekStart); err != nil {
		return err
	}

	reader, _, err := oggreader.NewWith(p.file)
	if err != nil {
		return err
	}
	p.reader = reader
	p.lastGranule = 0

	return nil
}

func (p *oggPlayer) close() {
	_ = p.file.Close()
}
