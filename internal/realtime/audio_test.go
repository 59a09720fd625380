package realtime

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-audio/audio"
	"github.com/stretchr/testify/require"
)

func TestWAVRoundTrip(t *testing.T) {
	pcm := make([]byte, 480*2)
	for i := 0; i < 480; i++ {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(i*10-2000)))
	}
	path := filepath.Join(t.TempDir(), "clip.wav")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, EncodeWAV(f, pcm))
	require.NoError(t, f.Close())

	in, err := os.Open(path)
	require.NoError(t, err)
	defer in.Close()
	decoded, err := DecodeWAV(in)
	require.NoError(t, err)
	require.Equal(t, pcm, decoded)
}

func TestPCMFromBufferDownmixesAndResamples(t *testing.T) {
	buf := &audio.IntBuffer{
		Format: &audio.Format{NumChannels: 2, SampleRate: 48000},
		Data:   []int{100, 300, 100, 300, -50, -150, -50, -150},
	}
	pcm := pcmFromBuffer(buf, SampleRate)
	require.Len(t, pcm, 4)
	require.Equal(t, int16(200), int16(binary.LittleEndian.Uint16(pcm[0:])))
	require.Equal(t, int16(-100), int16(binary.LittleEndian.Uint16(pcm[2:])))
}

func TestChunks(t *testing.T) {
	pcm := make([]byte, 10000)
	chunks := Chunks(pcm, 100)
	require.Len(t, chunks, 3)
	require.Len(t, chunks[0], 4800)
	require.Len(t, chunks[2], 400)
}
