package chat

import (
	"os"
	"sync"

	"github.com/romatekai/romatek-voice/internal/realtime"
)

// AudioRecorder collects assistant audio so it can be saved as a WAV file.
type AudioRecorder struct {
	mu  sync.Mutex
	pcm []byte
}

// Write is suitable as a session audio sink.
func (r *AudioRecorder) Write(pcm []byte) {
	r.mu.Lock()
	r.pcm = append(r.pcm, pcm...)
	r.mu.Unlock()
}

func (r *AudioRecorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pcm)
}

// Save writes everything received so far to path.
func (r *AudioRecorder) Save(path string) error {
	r.mu.Lock()
	pcm := append([]byte(nil), r.pcm...)
	r.mu.Unlock()

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := realtime.EncodeWAV(f, pcm); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
