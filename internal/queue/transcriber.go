package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"teleclaude/internal/config"
	"teleclaude/internal/domain"
)

// voicePlaceholder is delivered in place of a transcript when no transcriber
// is configured or the transcriber produced nothing.
const voicePlaceholder = "[voice message]"

// Transcriber resolves a voice row's payload into deliverable text.
type Transcriber interface {
	Transcribe(ctx context.Context, msg *domain.InboundMessage) (string, error)
}

// voicePayload is the slice of an inbound payload the transcriber reads.
type voicePayload struct {
	SourceURL string `json:"source_url"`
}

// CommandTranscriber downloads a voice payload into its session's sink dir
// and runs the configured transcription command over it. The command gets
// the audio path appended as its final argument and prints the transcript
// to stdout.
type CommandTranscriber struct {
	cfg    config.Config
	client *http.Client
}

// NewCommandTranscriber builds a transcriber from transcriber.command in the
// config. Callers should pass a nil Transcriber to the queue instead when no
// command is configured.
func NewCommandTranscriber(cfg config.Config) *CommandTranscriber {
	return &CommandTranscriber{
		cfg:    cfg,
		client: &http.Client{Timeout: 2 * time.Minute},
	}
}

// Transcribe fetches the audio behind payload.source_url and runs the
// command. A payload without a usable URL can never resolve and fails
// permanently; download and command failures are transient.
func (t *CommandTranscriber) Transcribe(ctx context.Context, msg *domain.InboundMessage) (string, error) {
	var p voicePayload
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return "", domain.Permanent("transcribe", "malformed voice payload")
		}
	}
	if p.SourceURL == "" {
		return "", domain.Permanent("transcribe", "voice payload has no source_url")
	}

	command := strings.Fields(t.cfg.Transcriber.Command)
	if len(command) == 0 {
		return "", domain.Permanent("transcribe", "no transcriber command configured")
	}

	audioPath, err := t.download(ctx, msg, p.SourceURL)
	if err != nil {
		return "", domain.Transient("transcribe", err)
	}

	cctx := ctx
	if t.cfg.Transcriber.Timeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, t.cfg.Transcriber.Timeout)
		defer cancel()
	}

	//nolint:gosec // G204: the command comes from the operator's config file
	cmd := exec.CommandContext(cctx, command[0], append(command[1:], audioPath)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", domain.Transient("transcribe",
			fmt.Errorf("%s: %w: %s", command[0], err, strings.TrimSpace(stderr.String())))
	}
	return strings.TrimSpace(stdout.String()), nil
}

// download fetches the platform audio next to the session's output sink.
// The destination is keyed on the row id, so a retry overwrites the same
// file instead of accumulating copies.
func (t *CommandTranscriber) download(ctx context.Context, msg *domain.InboundMessage, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("voice download returned %s", resp.Status)
	}

	dir := t.cfg.SessionSinkDir(msg.SessionID)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", err
	}

	name := fmt.Sprintf("voice-%d", msg.ID)
	if u, err := url.Parse(rawURL); err == nil {
		name += filepath.Ext(u.Path)
	}
	dst := filepath.Join(dir, name)

	f, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		_ = f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return dst, nil
}

// resolveVoice turns an empty-content voice row into text. Without a
// transcriber the user still gets a marker that audio arrived.
func (w *worker) resolveVoice(ctx context.Context, row *domain.InboundMessage) (string, error) {
	if w.svc.transcriber == nil {
		return voicePlaceholder, nil
	}
	text, err := w.svc.transcriber.Transcribe(ctx, row)
	if err != nil {
		return "", err
	}
	if text == "" {
		return voicePlaceholder, nil
	}
	return text, nil
}
