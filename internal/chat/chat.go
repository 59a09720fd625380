package chat

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/romatekai/romatek-voice/internal/input"
	"github.com/romatekai/romatek-voice/internal/realtime"
	"github.com/romatekai/romatek-voice/internal/render"
	"github.com/romatekai/romatek-voice/internal/session"
	"github.com/romatekai/romatek-voice/internal/transcript"
)

// Conn is the part of the session manager the chat loop drives.
type Conn interface {
	input.Session
	Connect(ctx context.Context) error
	Disconnect()
	SessionID() string
	Transcript() *transcript.Store
	ActivePersona() string
	Mute(muted bool)
	Muted() bool
	SendAudio(pcm []byte) error
}

// ChunkMS is the size of each input audio frame streamed by /audio.
const ChunkMS = 100

const help = `commands:
  <text>            send a typed message
  /ptt on|off       toggle push-to-talk
  /talk             start a push-to-talk turn
  /send             finish a push-to-talk turn
  /mute, /unmute    toggle assistant audio
  /interrupt        cancel the current response
  /audio <file.wav> stream a WAV file as input audio
  /transcript       print the full transcript
  /reconnect        drop and reopen the session
  /status           print connection status
  /quit             exit`

// Loop reads commands and prints transcript updates.
type Loop struct {
	conn     Conn
	input    *input.Controller
	renderer *render.Renderer
	log      *slog.Logger

	mu       sync.Mutex
	out      io.Writer
	printed  map[string]string
	attached *transcript.Store
}

func New(conn Conn, ctrl *input.Controller, renderer *render.Renderer, out io.Writer, log *slog.Logger) *Loop {
	return &Loop{
		conn:     conn,
		input:    ctrl,
		renderer: renderer,
		log:      log.With(slog.String("component", "chat")),
		out:      out,
		printed:  make(map[string]string),
	}
}

// Attach subscribes to the transcript of a session. Register it with
// session.Manager.OnTranscript so each new store is followed before the
// session starts producing items.
func (l *Loop) Attach(store *transcript.Store) {
	l.mu.Lock()
	if l.attached == store {
		l.mu.Unlock()
		return
	}
	l.attached = store
	l.mu.Unlock()
	store.OnChange(l.onChange)
}

func (l *Loop) onChange(it transcript.Item) {
	if it.Hidden {
		return
	}
	if it.Kind == transcript.KindMessage && it.Status != transcript.StatusDone {
		return
	}
	rendered := l.renderer.Item(it)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.printed[it.ID] == rendered {
		return
	}
	l.printed[it.ID] = rendered
	fmt.Fprintln(l.out, rendered)
}

func (l *Loop) println(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintln(l.out, s)
}

// Run reads lines from in until EOF, /quit or ctx ends.
func (l *Loop) Run(ctx context.Context, in io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		errc <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errc:
			return err
		case line := <-lines:
			quit, err := l.Exec(ctx, line)
			if err != nil {
				l.println("error: " + err.Error())
			}
			if quit {
				return nil
			}
		}
	}
}

// Exec runs one command line. It reports whether the loop should stop.
func (l *Loop) Exec(ctx context.Context, line string) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		return false, l.input.SendText(line)
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/quit", "/exit":
		return true, nil
	case "/help":
		l.println(help)
	case "/ptt":
		switch arg {
		case "on":
			l.input.SetPushToTalk(ctx, true)
		case "off":
			l.input.SetPushToTalk(ctx, false)
		default:
			return false, fmt.Errorf("usage: /ptt on|off")
		}
		l.printStatus()
	case "/talk":
		if !l.input.TalkButtonDown(ctx) {
			return false, fmt.Errorf("cannot start a turn: not connected or already talking")
		}
	case "/send":
		if !l.input.TalkButtonUp(ctx) {
			return false, fmt.Errorf("no push-to-talk turn in progress")
		}
	case "/mute":
		l.conn.Mute(true)
		l.printStatus()
	case "/unmute":
		l.conn.Mute(false)
		l.printStatus()
	case "/interrupt":
		l.conn.Interrupt()
	case "/audio":
		if arg == "" {
			return false, fmt.Errorf("usage: /audio <file.wav>")
		}
		return false, l.streamFile(ctx, arg)
	case "/transcript":
		l.println(l.renderer.Transcript(l.conn.Transcript().Items()))
	case "/reconnect":
		l.conn.Disconnect()
		if err := l.conn.Connect(ctx); err != nil {
			return false, err
		}
		l.printStatus()
	case "/status":
		l.printStatus()
	default:
		return false, fmt.Errorf("unknown command %s (try /help)", cmd)
	}
	return false, nil
}

func (l *Loop) printStatus() {
	l.println(l.renderer.Status(string(l.conn.Status()), l.conn.ActivePersona(), l.input.PushToTalk(), l.conn.Muted()))
}

func (l *Loop) streamFile(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	pcm, err := realtime.DecodeWAV(f)
	if err != nil {
		return err
	}
	return l.StreamAudio(ctx, pcm)
}

// StreamAudio sends pcm as one user turn. In push-to-talk mode the turn is
// opened and committed around the audio; otherwise server VAD decides.
func (l *Loop) StreamAudio(ctx context.Context, pcm []byte) error {
	if l.conn.Status() != session.StatusConnected {
		return fmt.Errorf("not connected")
	}
	ptt := l.input.PushToTalk()
	if ptt {
		l.input.TalkButtonDown(ctx)
	}
	for _, chunk := range realtime.Chunks(pcm, ChunkMS) {
		if err := l.conn.SendAudio(chunk); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	if ptt {
		l.input.TalkButtonUp(ctx)
	}
	l.log.Debug("audio streamed", slog.Int("bytes", len(pcm)), slog.Duration("duration", pcmDuration(len(pcm))))
	return nil
}

func pcmDuration(n int) time.Duration {
	return time.Duration(n/2) * time.Second / time.Duration(realtime.SampleRate)
}
