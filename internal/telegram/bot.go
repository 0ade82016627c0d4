package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/mtzanidakis/nergal/internal/agents"
	"github.com/mtzanidakis/nergal/internal/config"
	"github.com/mtzanidakis/nergal/internal/conversation"
	"github.com/mtzanidakis/nergal/internal/store"
	"github.com/mymmrac/telego"
	th "github.com/mymmrac/telego/telegohandler"
	tu "github.com/mymmrac/telego/telegoutil"
)

const typingInterval = 4 * time.Second

// api is the part of the Telegram Bot API the bot calls.
type api interface {
	SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error)
	SendChatAction(ctx context.Context, params *telego.SendChatActionParams) error
	DeleteMessage(ctx context.Context, params *telego.DeleteMessageParams) error
}

// Conversations receives user turns and hands back replies.
type Conversations interface {
	Submit(ctx context.Context, msg conversation.Incoming)
	Reset(userID int64) error
	OnReply(listener conversation.ReplyListener)
}

// SecretStore keeps per-user integration tokens.
type SecretStore interface {
	Set(userID int64, name, value string) error
	Delete(userID int64, name string) error
}

// Deps are the collaborators of the bot. Secrets and Status may be nil.
type Deps struct {
	Conversations Conversations
	Store         *store.Store
	Secrets       SecretStore
	Status        func() string
}

type Bot struct {
	bot     *telego.Bot
	api     api
	handler *th.BotHandler
	deps    Deps
	cfg     config.TelegramConfig
	cancel  context.CancelFunc

	typingMu sync.Mutex
	typing   map[int64]context.CancelFunc
}

func NewBot(cfg config.TelegramConfig, deps Deps) (*Bot, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	b := newBot(bot, cfg, deps)
	b.bot = bot
	return b, nil
}

func newBot(a api, cfg config.TelegramConfig, deps Deps) *Bot {
	if cfg.GroupTrigger == "" {
		cfg.GroupTrigger = "mention"
	}
	b := &Bot{
		api:    a,
		deps:   deps,
		cfg:    cfg,
		typing: make(map[int64]context.CancelFunc),
	}

	// Deliver answered turns back to their chat
	deps.Conversations.OnReply(func(r conversation.Reply) {
		b.stopTyping(r.ChatID)
		if err := b.SendMessage(context.Background(), r.ChatID, r.Text); err != nil {
			slog.Error("failed to send telegram message", "chat", r.ChatID, "error", err)
		}
	})
	return b
}

func (b *Bot) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	if b.cfg.BotUsername == "" {
		me, err := b.bot.GetMe(ctx)
		if err != nil {
			cancel()
			return fmt.Errorf("get bot identity: %w", err)
		}
		b.cfg.BotUsername = me.Username
	}

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

	go func() { _ = handler.Start() }()
	slog.Info("telegram bot started", "username", b.cfg.BotUsername)

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

func (b *Bot) allowed(userID int64) bool {
	return len(b.cfg.AllowFrom) == 0 || slices.Contains(b.cfg.AllowFrom, userID)
}

func (b *Bot) handleMessage(ctx context.Context, msg telego.Message) {
	if msg.From == nil || msg.From.IsBot {
		return
	}
	chatID := msg.Chat.ID
	userID := msg.From.ID

	if !b.allowed(userID) {
		slog.Warn("unauthorized telegram user", "user_id", userID, "chat_id", chatID)
		return
	}

	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	if text == "" {
		return
	}

	user := store.User{
		ID:           userID,
		Username:     msg.From.Username,
		FirstName:    msg.From.FirstName,
		LastName:     msg.From.LastName,
		LanguageCode: msg.From.LanguageCode,
		IsActive:     true,
	}

	if cmd, args, ok := parseCommand(text, b.cfg.BotUsername); ok {
		b.handleCommand(ctx, msg, user, cmd, args)
		return
	}

	if msg.Chat.Type != telego.ChatTypePrivate && b.cfg.GroupTrigger != "all" {
		stripped, triggered := b.groupTrigger(msg, text)
		if !triggered {
			return
		}
		text = stripped
	}
	if strings.TrimSpace(text) == "" {
		return
	}

	b.startTyping(ctx, chatID)
	b.deps.Conversations.Submit(ctx, conversation.Incoming{
		User:   user,
		ChatID: chatID,
		Text:   text,
		Meta: map[string]string{
			"chat_type":  msg.Chat.Type,
			"message_id": fmt.Sprint(msg.MessageID),
		},
	})
}

// groupTrigger reports whether a group message addresses the bot, either
// by mention or by replying to it, and returns the text without the
// mention.
func (b *Bot) groupTrigger(msg telego.Message, text string) (string, bool) {
	name := strings.TrimPrefix(b.cfg.BotUsername, "@")
	if name == "" {
		return text, false
	}
	mention := "@" + name
	if idx := strings.Index(strings.ToLower(text), strings.ToLower(mention)); idx >= 0 {
		stripped := text[:idx] + text[idx+len(mention):]
		return strings.Join(strings.Fields(stripped), " "), true
	}
	if r := msg.ReplyToMessage; r != nil && r.From != nil && strings.EqualFold(r.From.Username, name) {
		return text, true
	}
	return text, false
}

// parseCommand splits "/cmd@bot args". Commands addressed to another bot
// are ignored.
func parseCommand(text, botUsername string) (string, string, bool) {
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}
	head, args, _ := strings.Cut(text, " ")
	cmd := strings.TrimPrefix(head, "/")
	if name, target, ok := strings.Cut(cmd, "@"); ok {
		if botUsername != "" && !strings.EqualFold(target, strings.TrimPrefix(botUsername, "@")) {
			return "", "", false
		}
		cmd = name
	}
	if cmd == "" {
		return "", "", false
	}
	return strings.ToLower(cmd), strings.TrimSpace(args), true
}

const helpText = `I answer questions by combining specialised agents: web search, fact checking, summaries, comparisons, analysis and more.

Commands:
/help - this message
/status - agents and service health
/reset - start a new conversation session
/todoist <api token> - connect your Todoist account
/todoist_off - disconnect Todoist

Start a message with @agent to ask one agent directly, for example "@search latest Go release".`

func (b *Bot) handleCommand(ctx context.Context, msg telego.Message, user store.User, cmd, args string) {
	chatID := msg.Chat.ID
	var reply string

	switch cmd {
	case "start":
		reply = fmt.Sprintf("Hi %s! Ask me anything.\n\n%s", user.DisplayName(), helpText)
	case "help":
		reply = helpText
	case "status":
		reply = "Status is not available."
		if b.deps.Status != nil {
			reply = b.deps.Status()
		}
	case "reset":
		if err := b.deps.Conversations.Reset(user.ID); err != nil {
			slog.Error("reset session failed", "user", user.ID, "error", err)
			reply = "Sorry, I could not reset the conversation."
		} else {
			reply = "Conversation reset. Let's start fresh."
		}
	case "todoist":
		reply = b.connectTodoist(ctx, msg, user, args)
	case "todoist_off":
		reply = b.disconnectTodoist(user.ID)
	default:
		reply = "Unknown command. Send /help for the list of commands."
	}

	if err := b.SendMessage(ctx, chatID, reply); err != nil {
		slog.Error("failed to send command reply", "chat", chatID, "command", cmd, "error", err)
	}
}

func (b *Bot) connectTodoist(ctx context.Context, msg telego.Message, user store.User, token string) string {
	if b.deps.Secrets == nil {
		return "Integrations are disabled because no vault passphrase is configured."
	}
	if token == "" {
		return "Usage: /todoist <api token>. Find the token in Todoist under Settings, Integrations, Developer."
	}
	if b.deps.Store != nil {
		if err := b.deps.Store.UpsertUser(&user); err != nil {
			slog.Error("upsert user failed", "user", user.ID, "error", err)
			return "Sorry, I could not save the token."
		}
	}
	if err := b.deps.Secrets.Set(user.ID, agents.TodoistSecret, token); err != nil {
		slog.Error("save todoist token failed", "user", user.ID, "error", err)
		return "Sorry, I could not save the token."
	}

	// The token should not linger in the chat history
	if err := b.api.DeleteMessage(ctx, &telego.DeleteMessageParams{
		ChatID:    tu.ID(msg.Chat.ID),
		MessageID: msg.MessageID,
	}); err != nil {
		slog.Debug("delete token message failed", "chat", msg.Chat.ID, "error", err)
	}
	slog.Info("todoist connected", "user", user.ID)
	return "Todoist connected. Ask me about your tasks."
}

func (b *Bot) disconnectTodoist(userID int64) string {
	if b.deps.Secrets == nil {
		return "Integrations are disabled because no vault passphrase is configured."
	}
	if err := b.deps.Secrets.Delete(userID, agents.TodoistSecret); err != nil {
		slog.Error("delete todoist token failed", "user", userID, "error", err)
		return "Sorry, I could not remove the token."
	}
	return "Todoist disconnected."
}

// startTyping keeps the typing indicator alive until the reply is sent.
func (b *Bot) startTyping(ctx context.Context, chatID int64) {
	b.typingMu.Lock()
	if _, ok := b.typing[chatID]; ok {
		b.typingMu.Unlock()
		return
	}
	tctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	b.typing[chatID] = cancel
	b.typingMu.Unlock()

	go func() {
		ticker := time.NewTicker(typingInterval)
		defer ticker.Stop()
		for {
			_ = b.sendChatAction(tctx, chatID, telego.ChatActionTyping)
			select {
			case <-tctx.Done():
				if tctx.Err() == context.DeadlineExceeded {
					b.stopTyping(chatID)
				}
				return
			case <-ticker.C:
			}
		}
	}()
}

func (b *Bot) stopTyping(chatID int64) {
	b.typingMu.Lock()
	defer b.typingMu.Unlock()
	if cancel, ok := b.typing[chatID]; ok {
		cancel()
		delete(b.typing, chatID)
	}
}

// SendMessage sends text in 4096 byte chunks. Each chunk is tried as
// Markdown first and resent as plain text when Telegram rejects it.
func (b *Bot) SendMessage(ctx context.Context, chatID int64, text string) error {
	chunks := chunkMessage(text, maxMessageLen)
	for _, chunk := range chunks {
		msg := tu.Message(tu.ID(chatID), toTelegramMarkdown(chunk)).WithParseMode(telego.ModeMarkdown)
		_, err := b.api.SendMessage(ctx, msg)
		if err == nil {
			continue
		}
		slog.Debug("markdown send failed, retrying as plain text", "chat", chatID, "error", err)
		if _, err := b.api.SendMessage(ctx, tu.Message(tu.ID(chatID), chunk)); err != nil {
			return fmt.Errorf("send message: %w", err)
		}
	}
	return nil
}

// Notify implements the scheduler notifier.
func (b *Bot) Notify(ctx context.Context, chatID int64, text string) error {
	return b.SendMessage(ctx, chatID, text)
}

func (b *Bot) sendChatAction(ctx context.Context, chatID int64, action string) error {
	return b.api.SendChatAction(ctx, tu.ChatAction(tu.ID(chatID), action))
}
