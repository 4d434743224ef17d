package tools

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"sync"
)

// AudioBuffer holds the most recent capture of raw PCM bytes up to a fixed
// capacity. Writes past capacity evict the oldest bytes.
type AudioBuffer struct {
	mu     sync.Mutex
	buffer []byte
	cap    int
}

func NewAudioBuffer(fixedCap int) *AudioBuffer {
	return &AudioBuffer{
		buffer: make([]byte, 0, min(fixedCap, 64*1024)),
		cap:    fixedCap,
	}
}

func (ab *AudioBuffer) Write(data []byte) (dropped int) {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	if ab.cap <= 0 {
		return len(data)
	}
	if len(data) >= ab.cap {
		dropped = len(ab.buffer) + len(data) - ab.cap
		ab.buffer = append(ab.buffer[:0], data[len(data)-ab.cap:]...)
		return dropped
	}
	if over := len(ab.buffer) + len(data) - ab.cap; over > 0 {
		ab.buffer = append(ab.buffer[:0], ab.buffer[over:]...)
		dropped = over
	}
	ab.buffer = append(ab.buffer, data...)
	return dropped
}

func (ab *AudioBuffer) Len() int {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	return len(ab.buffer)
}

// Drain returns the buffered bytes and empties the buffer.
func (ab *AudioBuffer) Drain() []byte {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	if len(ab.buffer) == 0 {
		return nil
	}
	out := make([]byte, len(ab.buffer))
	copy(out, ab.buffer)
	ab.buffer = ab.buffer[:0]
	return out
}

// PCM16ToSamples decodes little-endian 16-bit PCM. A trailing odd byte is ignored.
func PCM16ToSamples(pcm []byte) []int16 {
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return samples
}

func SamplesToPCM16(samples []int16) []byte {
	pcm := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(s))
	}
	return pcm
}

func DecodeBase64PCM16(b64 string) ([]int16, error) {
	pcm, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("decoding base64 audio: %w", err)
	}
	return PCM16ToSamples(pcm), nil
}
