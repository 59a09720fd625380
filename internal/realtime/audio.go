package realtime

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// SampleRate is the PCM16 rate the realtime session is configured for.
const SampleRate = 24000

// DecodeWAV reads a 16-bit WAV stream and returns mono little-endian PCM16
// at SampleRate. Multi-channel input is averaged down and other rates are
// resampled by nearest neighbour.
func DecodeWAV(r io.ReadSeeker) ([]byte, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("not a valid wav file")
	}
	if dec.BitDepth != 16 {
		return nil, fmt.Errorf("unsupported wav bit depth %d", dec.BitDepth)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("read wav: %w", err)
	}
	return pcmFromBuffer(buf, SampleRate), nil
}

func pcmFromBuffer(buf *audio.IntBuffer, targetRate int) []byte {
	channels := 1
	rate := targetRate
	if buf.Format != nil {
		if buf.Format.NumChannels > 0 {
			channels = buf.Format.NumChannels
		}
		if buf.Format.SampleRate > 0 {
			rate = buf.Format.SampleRate
		}
	}

	frames := len(buf.Data) / channels
	mono := make([]int, frames)
	for i := 0; i < frames; i++ {
		sum := 0
		for ch := 0; ch < channels; ch++ {
			sum += buf.Data[i*channels+ch]
		}
		mono[i] = sum / channels
	}

	outFrames := frames
	if rate != targetRate {
		outFrames = int(int64(frames) * int64(targetRate) / int64(rate))
	}
	pcm := make([]byte, outFrames*2)
	for i := 0; i < outFrames; i++ {
		src := i
		if rate != targetRate {
			src = int(int64(i) * int64(rate) / int64(targetRate))
		}
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(clamp16(mono[src]))))
	}
	return pcm
}

func clamp16(v int) int {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return v
}

// EncodeWAV writes mono PCM16 at SampleRate as a WAV stream.
func EncodeWAV(w io.WriteSeeker, pcm []byte) error {
	if len(pcm)%2 != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}
	buffer := &audio.IntBuffer{Format: &audio.Format{NumChannels: 1, SampleRate: SampleRate}}
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer.Data = samples

	enc := wav.NewEncoder(w, SampleRate, 16, 1, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

// Chunks splits pcm into pieces of at most ms milliseconds.
func Chunks(pcm []byte, ms int) [][]byte {
	if ms <= 0 {
		ms = 100
	}
	size := SampleRate * 2 * ms / 1000
	var out [][]byte
	for len(pcm) > 0 {
		n := size
		if n > len(pcm) {
			n = len(pcm)
		}
		out = append(out, pcm[:n])
		pcm = pcm[n:]
	}
	return out
}
