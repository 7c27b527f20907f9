// Package ingest turns Telegram media attachments (voice notes, documents,
// photos) into message fragments for the conversation.
package ingest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"unicode/utf8"

	tg "github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/ogfirstofhisname/openai-telegram-chatbot/internal/chat"
	"github.com/ogfirstofhisname/openai-telegram-chatbot/internal/logging"
)

const (
	// maxAudioBytes is the transcription API's payload ceiling.
	maxAudioBytes = 25 * 1024 * 1024

	// OversizeNotice replaces the transcript when the converted audio file
	// meets or exceeds maxAudioBytes.
	OversizeNotice = "DID NOT TRANSCRIBE. FILE IS TOO BIG"

	// DecodeErrorPlaceholder stands in for attachment content that could not
	// be decoded as text. The conversation continues with it as user content.
	DecodeErrorPlaceholder = "A file was attached to this message but there was an error reading it, this is the error message."
)

// TelegramFiles is the subset of the Telegram client used to resolve and
// fetch attachments.
type TelegramFiles interface {
	GetFile(ctx context.Context, params *tg.GetFileParams) (*models.File, error)
	FileDownloadLink(file *models.File) string
}

// Transcriber converts an audio payload into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio io.Reader) (string, error)
}

// Test seams, swapped out in unit tests.
var (
	httpGetFn = http.Get
	statFn    = os.Stat
	convertFn = func(ctx context.Context, src, dst string) error {
		cmd := exec.CommandContext(ctx, "ffmpeg", "-y", "-i", src, "-ac", "2", "-b:a", "192k", dst)
		out, err := cmd.CombinedOutput()
		if err != nil {
			return fmt.Errorf("ffmpeg: %w: %s", err, logging.Snippet(string(out), 200))
		}
		return nil
	}
)

// Voice downloads a voice note, converts it to mp3 via ffmpeg and
// transcribes it. The returned bool is false when the converted file hits
// the transcription size ceiling; the text is then OversizeNotice. Temp
// files are scoped by user id so concurrent requests from different users
// cannot collide, and are removed on every exit path.
func Voice(ctx context.Context, b TelegramFiles, tr Transcriber, userID int64, fileID string) (string, bool, error) {
	srcPath := filepath.Join(os.TempDir(), fmt.Sprintf("%d_chatbot_voice.oga", userID))
	dstPath := filepath.Join(os.TempDir(), fmt.Sprintf("%d_chatbot_voice.mp3", userID))
	defer os.Remove(srcPath)
	defer os.Remove(dstPath)

	data, err := fetch(ctx, b, fileID)
	if err != nil {
		return "", false, fmt.Errorf("download voice: %w", err)
	}
	if err := os.WriteFile(srcPath, data, 0600); err != nil {
		return "", false, fmt.Errorf("write voice file: %w", err)
	}
	if err := convertFn(ctx, srcPath, dstPath); err != nil {
		return "", false, fmt.Errorf("convert voice: %w", err)
	}

	info, err := statFn(dstPath)
	if err != nil {
		return "", false, fmt.Errorf("stat converted voice: %w", err)
	}
	if info.Size() >= maxAudioBytes {
		logging.Ctx(ctx).Warn().Int64("size", info.Size()).Msg("converted voice file exceeds transcription limit")
		return OversizeNotice, false, nil
	}

	f, err := os.Open(dstPath)
	if err != nil {
		return "", false, fmt.Errorf("open converted voice: %w", err)
	}
	defer f.Close()
	text, err := tr.Transcribe(ctx, f)
	if err != nil {
		return "", false, fmt.Errorf("transcribe voice: %w", err)
	}
	return text, true, nil
}

// File downloads an attachment and decodes it as UTF-8 text. Content that is
// not valid text is replaced with DecodeErrorPlaceholder rather than failing
// the turn. A caption, when present, is prepended with a line break.
func File(ctx context.Context, b TelegramFiles, fileID, caption string) (string, error) {
	data, err := fetch(ctx, b, fileID)
	if err != nil {
		return "", fmt.Errorf("download file: %w", err)
	}
	text := string(data)
	if !utf8.ValidString(text) {
		logging.Ctx(ctx).Warn().Msg("attachment is not valid UTF-8 text")
		text = DecodeErrorPlaceholder
	}
	if caption != "" {
		text = caption + "\n" + text
	}
	return text, nil
}

// Image resolves a fetchable URL for the largest photo size and builds a
// multi-part user message with the caption (empty string if absent). The
// image is never downloaded locally.
func Image(ctx context.Context, b TelegramFiles, fileID, caption string) (chat.Message, error) {
	file, err := b.GetFile(ctx, &tg.GetFileParams{FileID: fileID})
	if err != nil {
		return chat.Message{}, fmt.Errorf("resolve image: %w", err)
	}
	return chat.Message{
		Role:     chat.RoleUser,
		Text:     caption,
		ImageURL: b.FileDownloadLink(file),
	}, nil
}

func fetch(ctx context.Context, b TelegramFiles, fileID string) ([]byte, error) {
	file, err := b.GetFile(ctx, &tg.GetFileParams{FileID: fileID})
	if err != nil {
		return nil, err
	}
	resp, err := httpGetFn(b.FileDownloadLink(file))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
