package telegram

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode/utf8"

	tu "github.com/mymmrac/telego/telegoutil"
)

const maxMessageLen = 4096

// SendError classifies a failed delivery for the outbox retry loop.
type SendError struct {
	ChatID    string
	Err       error
	retryable bool
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send to %s: %v", e.ChatID, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

func (e *SendError) Retryable() bool { return e.retryable }

// permanent markers in Telegram API error descriptions. Anything else
// (rate limits, network loss, server errors) is worth retrying.
var permanentMarkers = []string{
	"chat not found",
	"bot was blocked",
	"user is deactivated",
	"bot was kicked",
	"not enough rights",
}

func classify(chatID string, err error) *SendError {
	msg := strings.ToLower(err.Error())
	for _, marker := range permanentMarkers {
		if strings.Contains(msg, marker) {
			return &SendError{ChatID: chatID, Err: err, retryable: false}
		}
	}
	return &SendError{ChatID: chatID, Err: err, retryable: true}
}

// Deliver sends text to a chat, chunked to the message size limit.
func (b *Bot) Deliver(ctx context.Context, chatID, text string) error {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return &SendError{ChatID: chatID, Err: fmt.Errorf("invalid chat id: %w", err), retryable: false}
	}

	for _, chunk := range chunkMessage(text, maxMessageLen) {
		if _, err := b.bot.SendMessage(ctx, tu.Message(tu.ID(id), chunk)); err != nil {
			return classify(chatID, err)
		}
	}
	return nil
}

// DeliverFile sends a local file as a document with an optional
// caption.
func (b *Bot) DeliverFile(ctx context.Context, chatID, filePath, caption string) error {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return &SendError{ChatID: chatID, Err: fmt.Errorf("invalid chat id: %w", err), retryable: false}
	}

	f, err := os.Open(filePath)
	if err != nil {
		// A missing file cannot appear on retry.
		return &SendError{ChatID: chatID, Err: fmt.Errorf("open file: %w", err), retryable: false}
	}
	defer f.Close()

	doc := tu.Document(tu.ID(id), tu.File(tu.NameReader(f, filepath.Base(filePath))))
	if caption != "" {
		doc = doc.WithCaption(caption)
	}
	if _, err := b.bot.SendDocument(ctx, doc); err != nil {
		return classify(chatID, err)
	}
	return nil
}

// chunkMessage splits text to fit the transport's message size limit,
// preferring newline boundaries.
func chunkMessage(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}

	var chunks []string
	for len(text) > 0 {
		if len(text) <= maxLen {
			chunks = append(chunks, text)
			break
		}

		cutAt := maxLen
		for cutAt > 0 && !utf8.RuneStart(text[cutAt]) {
			cutAt--
		}
		if idx := strings.LastIndex(text[:cutAt], "\n"); idx > maxLen/2 {
			cutAt = idx + 1
		}

		chunks = append(chunks, text[:cutAt])
		text = text[cutAt:]
	}

	return chunks
}
