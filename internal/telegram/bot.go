package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/mkosti/angelia/internal/commands"
	"github.com/mkosti/angelia/internal/config"
	"github.com/mkosti/angelia/internal/dispatch"
	"github.com/mkosti/angelia/internal/media"
	"github.com/mkosti/angelia/internal/store"
	"github.com/mymmrac/telego"
	th "github.com/mymmrac/telego/telegohandler"
	tu "github.com/mymmrac/telego/telegoutil"
)

// Bot is the chat transport: it receives messages into the dispatcher
// and implements the Deliver primitives the dispatcher and outbox send
// through.
type Bot struct {
	bot        *telego.Bot
	handler    *th.BotHandler
	dispatcher *dispatch.Dispatcher
	media      *media.Store
	store      *store.Store
	cfg        config.TelegramConfig
	cancel     context.CancelFunc
}

func NewBot(cfg config.TelegramConfig, d *dispatch.Dispatcher, m *media.Store, s *store.Store) (*Bot, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	return &Bot{
		bot:        bot,
		dispatcher: d,
		media:      m,
		store:      s,
		cfg:        cfg,
	}, nil
}

func (b *Bot) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	updates, err := b.bot.UpdatesViaLongPolling(ctx, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	handler, err := th.NewBotHandler(b.bot, updates)
	if err != nil {
		cancel()
		return fmt.Errorf("create handler: %w", err)
	}
	b.handler = handler

	handler.HandleMessage(func(hctx *th.Context, message telego.Message) error {
		b.handleMessage(ctx, message)
		return nil
	})

	go handler.Start()

	<-ctx.Done()
	_ = handler.Stop()
	return nil
}

func (b *Bot) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	if b.handler != nil {
		_ = b.handler.Stop()
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg telego.Message) {
	chatID := msg.Chat.ID
	if msg.From == nil {
		return
	}
	userID := msg.From.ID

	if len(b.cfg.AllowFrom) > 0 {
		allowed := false
		for _, id := range b.cfg.AllowFrom {
			if id == userID {
				allowed = true
				break
			}
		}
		if !allowed {
			slog.Warn("unauthorized telegram user", "user_id", userID, "chat_id", chatID)
			return
		}
	}

	text := msg.Text
	if text == "" {
		text = msg.Caption
	}

	chat := strconv.FormatInt(chatID, 10)
	b.registerChat(chat, msg.Chat.Title)

	// Control commands bypass the queue and answer immediately.
	if cmd, ok := commands.Parse(text); ok {
		reply := b.dispatcher.HandleCommand(chat, cmd)
		if err := b.Deliver(ctx, chat, reply); err != nil {
			slog.Error("send command reply failed", "chat", chat, "error", err)
		}
		return
	}

	attachments := b.collectAttachments(ctx, chat, msg)
	if text == "" && len(attachments) == 0 {
		return
	}
	if text == "" {
		text = "(file attached)"
	}

	_ = b.bot.SendChatAction(ctx, tu.ChatAction(tu.ID(chatID), "typing"))

	b.dispatcher.Enqueue(ctx, chat, text, attachments)
}

func (b *Bot) registerChat(chat, title string) {
	existing, err := b.store.GetChat(chat)
	if err != nil || existing != nil {
		return
	}
	if title == "" {
		title = "chat-" + chat
	}
	if err := b.store.SaveChat(&store.Chat{ID: chat, Name: title}); err != nil {
		slog.Error("register chat failed", "chat", chat, "error", err)
	}
}

// collectAttachments downloads any photo or document in the message
// into the chat's media dir and returns local paths for the session.
func (b *Bot) collectAttachments(ctx context.Context, chat string, msg telego.Message) []string {
	var refs []mediaRef
	if len(msg.Photo) > 0 {
		// Photo sizes are ordered small to large; take the largest.
		best := msg.Photo[len(msg.Photo)-1]
		refs = append(refs, mediaRef{fileID: best.FileID, name: "photo.jpg"})
	}
	if msg.Document != nil {
		name := msg.Document.FileName
		if name == "" {
			name = "document"
		}
		refs = append(refs, mediaRef{fileID: msg.Document.FileID, name: name})
	}

	var paths []string
	for _, ref := range refs {
		data, err := b.fetchFile(ctx, ref.fileID)
		if err != nil {
			slog.Error("fetch attachment failed", "chat", chat, "error", err)
			continue
		}
		path, mime, err := b.media.Save(chat, ref.name, data)
		if err != nil {
			slog.Error("save attachment failed", "chat", chat, "error", err)
			continue
		}
		if err := b.store.AppendFile(chat, "(attachment: "+ref.name+")", store.DirectionIncoming, path); err != nil {
			slog.Error("log attachment failed", "chat", chat, "error", err)
		}
		slog.Info("attachment saved", "chat", chat, "path", path, "mime", mime)
		paths = append(paths, path)
	}
	return paths
}

type mediaRef struct {
	fileID string
	name   string
}

func (b *Bot) fetchFile(ctx context.Context, fileID string) ([]byte, error) {
	file, err := b.bot.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
	if err != nil {
		return nil, fmt.Errorf("get file: %w", err)
	}
	data, err := tu.DownloadFile(b.bot.FileDownloadURL(file.FilePath))
	if err != nil {
		return nil, fmt.Errorf("download file: %w", err)
	}
	return data, nil
}
