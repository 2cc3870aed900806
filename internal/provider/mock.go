package provider

import (
	"bytes"
	"context"
	"encoding/binary"
	"time"

	"github.com/loqalabs/loqa-voice/internal/fingerprint"
)

const (
	mockSampleRate = 16000
	mockSamples    = 1600
)

// Mock returns a short silent WAV after a fixed delay.
type Mock struct {
	delay time.Duration
}

func NewMock(delay time.Duration) *Mock {
	return &Mock{delay: delay}
}

func (m *Mock) Synthesize(ctx context.Context, _ string, _ fingerprint.Params) ([]byte, error) {
	select {
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return nil, &Error{Kind: KindTimeout, Err: ctx.Err()}
		}
		return nil, ctx.Err()
	case <-time.After(m.delay):
	}
	return silentWAV(mockSampleRate, mockSamples), nil
}

// silentWAV renders a mono 16-bit PCM WAV of n zero samples.
func silentWAV(sampleRate, n int) []byte {
	dataLen := uint32(n * 2)
	var buf bytes.Buffer
	buf.WriteString("RIFF")
	_ = binary.Write(&buf, binary.LittleEndian, 36+dataLen)
	buf.WriteString("WAVEfmt ")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(1)) // PCM
	_ = binary.Write(&buf, binary.LittleEndian, uint16(1)) // mono
	_ = binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(sampleRate*2))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(2))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(16))
	buf.WriteString("data")
	_ = binary.Write(&buf, binary.LittleEndian, dataLen)
	buf.Write(make([]byte, dataLen))
	return buf.Bytes()
}
