package contact

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/romatekai/romatek-voice/internal/config"
	"github.com/stretchr/testify/require"
)

type recordingMailer struct {
	sent []Message
	err  error
}

func (m *recordingMailer) Send(_ context.Context, msg Message) error {
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, msg)
	return nil
}

func newService(m Mailer) *Service {
	cfg := config.ContactConfig{OwnerEmail: "owner@example.com", FromEmail: "noreply@example.com"}
	return NewService(cfg, m, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func validSubmission() Submission {
	return Submission{
		FirstName: "Ada",
		LastName:  "Lovelace",
		Email:     "ada@example.com",
		Message:   "Line one\n<b>Line two</b>",
	}
}

func TestSubmitSendsOwnerAndReply(t *testing.T) {
	m := &recordingMailer{}
	require.NoError(t, newService(m).Submit(context.Background(), validSubmission()))
	require.Len(t, m.sent, 2)

	owner := m.sent[0]
	require.Equal(t, "owner@example.com", owner.To)
	require.Equal(t, "noreply@example.com", owner.From)
	require.Equal(t, "New Contact Form Submission from Ada Lovelace", owner.Subject)
	require.Contains(t, owner.HTML, "Not provided")
	require.Contains(t, owner.HTML, "Not specified")
	require.Contains(t, owner.HTML, "Line one<br>&lt;b&gt;Line two&lt;/b&gt;")

	reply := m.sent[1]
	require.Equal(t, "ada@example.com", reply.To)
	require.Contains(t, reply.HTML, "Dear Ada,")
}

func TestSubmitRequiresFields(t *testing.T) {
	m := &recordingMailer{}
	sub := validSubmission()
	sub.Email = ""
	require.ErrorIs(t, newService(m).Submit(context.Background(), sub), ErrMissingFields)
	require.Empty(t, m.sent)
}

func TestSubmitHoneypotSendsNothing(t *testing.T) {
	m := &recordingMailer{}
	sub := validSubmission()
	sub.Website = "http://spam.example"
	require.NoError(t, newService(m).Submit(context.Background(), sub))
	require.Empty(t, m.sent)
}

func TestSubmitSurfacesMailerFailure(t *testing.T) {
	m := &recordingMailer{err: errors.New("smtp down")}
	require.ErrorContains(t, newService(m).Submit(context.Background(), validSubmission()), "smtp down")
}

func TestNewMailerModes(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m, err := NewMailer(config.ContactConfig{Mode: "log"}, logger)
	require.NoError(t, err)
	require.IsType(t, &LogMailer{}, m)

	m, err = NewMailer(config.ContactConfig{Mode: "exec", Command: `sendmail-json --profile "dry run"`}, logger)
	require.NoError(t, err)
	require.Equal(t, []string{"sendmail-json", "--profile", "dry run"}, m.(*ExecMailer).cmd)

	_, err = NewMailer(config.ContactConfig{Mode: "exec"}, logger)
	require.Error(t, err)
	_, err = NewMailer(config.ContactConfig{Mode: "smtp"}, logger)
	require.Error(t, err)
}
