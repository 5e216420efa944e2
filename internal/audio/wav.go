package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"postmic/internal/domain"
	"postmic/internal/ports"
)

const (
	wavFormatPCM  = 1
	wavHeaderSize = 44
)

// WAVInfo describes a PCM WAV stream.
type WAVInfo struct {
	SampleRate    uint32
	Channels      uint16
	BitsPerSample uint16
	Samples       int
}

// WAVCapture replays a 16-bit mono WAV file as if it were a microphone.
type WAVCapture struct {
	path     string
	realtime bool
}

// NewWAVCapture reads frames from path. With realtime set, frames are
// delivered at the pace they would arrive from a live device.
func NewWAVCapture(path string, realtime bool) *WAVCapture {
	return &WAVCapture{path: path, realtime: realtime}
}

func (c *WAVCapture) Start(ctx context.Context, cfg ports.AudioConfig) (ports.FrameSource, error) {
	cfg = normalizeAudioConfig(cfg)

	data, err := os.ReadFile(c.path)
	if err != nil {
		switch {
		case errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("%w: %s", domain.ErrDeviceNotFound, c.path)
		case errors.Is(err, os.ErrPermission):
			return nil, fmt.Errorf("%w: %s", domain.ErrPermissionDenied, c.path)
		default:
			return nil, err
		}
	}

	info, samples, err := DecodeWAV(data)
	if err != nil {
		return nil, err
	}
	if info.Channels != 1 {
		return nil, fmt.Errorf("wav file %s has %d channels, want mono", c.path, info.Channels)
	}
	if int(info.SampleRate) != cfg.SampleRate {
		return nil, fmt.Errorf("wav file %s is %d Hz, want %d Hz", c.path, info.SampleRate, cfg.SampleRate)
	}

	frames := make([]float32, len(samples))
	for i, s := range samples {
		frames[i] = float32(s) / 32768
	}

	src := &wavSource{
		ctx:       ctx,
		samples:   frames,
		frameSize: cfg.FrameSize,
		stop:      make(chan struct{}),
	}
	if c.realtime {
		src.pace = time.Duration(cfg.FrameSize) * time.Second / time.Duration(cfg.SampleRate)
	}
	return src, nil
}

type wavSource struct {
	ctx       context.Context
	samples   []float32
	pos       int
	frameSize int
	pace      time.Duration

	stop     chan struct{}
	stopOnce sync.Once
}

func (s *wavSource) NextFrame() ([]float32, error) {
	select {
	case <-s.stop:
		return nil, io.EOF
	case <-s.ctx.Done():
		return nil, io.EOF
	default:
	}
	if s.pos >= len(s.samples) {
		return nil, io.EOF
	}

	if s.pace > 0 {
		timer := time.NewTimer(s.pace)
		select {
		case <-timer.C:
		case <-s.stop:
			timer.Stop()
			return nil, io.EOF
		case <-s.ctx.Done():
			timer.Stop()
			return nil, io.EOF
		}
	}

	end := min(s.pos+s.frameSize, len(s.samples))
	frame := s.samples[s.pos:end]
	s.pos = end
	return frame, nil
}

func (s *wavSource) Stop() error {
	s.stopOnce.Do(func() { close(s.stop) })
	return nil
}

// DecodeWAV parses a 16-bit PCM WAV file.
func DecodeWAV(data []byte) (WAVInfo, []int16, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return WAVInfo{}, nil, errors.New("not a valid WAV file")
	}

	var info WAVInfo
	var haveFormat bool
	offset := 12
	for offset+8 <= len(data) {
		id := string(data[offset : offset+4])
		size := int(binary.LittleEndian.Uint32(data[offset+4 : offset+8]))
		body := offset + 8
		if size < 0 || body+size > len(data) {
			size = len(data) - body
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return WAVInfo{}, nil, errors.New("wav fmt chunk is too short")
			}
			if format := binary.LittleEndian.Uint16(data[body : body+2]); format != wavFormatPCM {
				return WAVInfo{}, nil, fmt.Errorf("unsupported wav format %d, only PCM is supported", format)
			}
			info.Channels = binary.LittleEndian.Uint16(data[body+2 : body+4])
			info.SampleRate = binary.LittleEndian.Uint32(data[body+4 : body+8])
			info.BitsPerSample = binary.LittleEndian.Uint16(data[body+14 : body+16])
			if info.BitsPerSample != 16 {
				return WAVInfo{}, nil, fmt.Errorf("unsupported wav sample width %d bits", info.BitsPerSample)
			}
			haveFormat = true
		case "data":
			if !haveFormat {
				return WAVInfo{}, nil, errors.New("wav data chunk precedes fmt chunk")
			}
			samples := make([]int16, size/2)
			for i := range samples {
				samples[i] = int16(binary.LittleEndian.Uint16(data[body+i*2:]))
			}
			info.Samples = len(samples)
			return info, samples, nil
		}

		offset = body + size + size%2
	}
	return WAVInfo{}, nil, errors.New("wav file has no data chunk")
}

// EncodeWAV writes samples as a mono 16-bit PCM WAV file.
func EncodeWAV(samples []int16, sampleRate int) []byte {
	var buf bytes.Buffer
	buf.Grow(wavHeaderSize + len(samples)*2)

	dataSize := uint32(len(samples) * 2)
	buf.WriteString("RIFF")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(36)+dataSize)
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(wavFormatPCM))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(1))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(sampleRate*2))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(2))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(16))
	buf.WriteString("data")
	_ = binary.Write(&buf, binary.LittleEndian, dataSize)
	_ = binary.Write(&buf, binary.LittleEndian, samples)
	return buf.Bytes()
}
