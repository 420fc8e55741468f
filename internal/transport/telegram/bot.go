// Package telegram connects busping to an operator chat: it delivers WARN+
// log lines and answers /status.
package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	logx "busping/pkg/logx"

	tele "gopkg.in/telebot.v4"
)

type Config struct {
	Token string
	// APIURL overrides the Bot API endpoint.
	APIURL      string
	PollTimeout time.Duration
	// AdminChatID is the only chat whose commands are answered.
	AdminChatID int64
}

type Bot struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot

	mu     sync.Mutex
	status func() string
}

// New builds a bot without contacting Telegram; polling starts in Run.
func New(cfg Config, log logx.Logger) (*Bot, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.APIURL,
		Poller:  &tele.LongPoller{Timeout: timeout},
		Offline: true,
		// Errors are not logged through logx: an alert about a failed alert would loop.
		OnError: func(error, tele.Context) {},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	tb := &Bot{cfg: cfg, log: log.With(logx.String("comp", "telegram")), bot: b}
	b.Handle("/status", tb.handleStatus)
	return tb, nil
}

// OnStatus sets the /status reply builder.
func (b *Bot) OnStatus(fn func() string) {
	b.mu.Lock()
	b.status = fn
	b.mu.Unlock()
}

func (b *Bot) handleStatus(c tele.Context) error {
	chat := c.Chat()
	if chat == nil || b.cfg.AdminChatID == 0 || chat.ID != b.cfg.AdminChatID {
		return nil
	}
	b.mu.Lock()
	fn := b.status
	b.mu.Unlock()
	text := "no status available"
	if fn != nil {
		text = fn()
	}
	return c.Send(text, &tele.SendOptions{ThreadID: c.Message().ThreadID, DisableWebPagePreview: true})
}

// Run polls for commands until ctx is done.
func (b *Bot) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		b.bot.Stop()
	}()
	b.log.Info("polling started")
	b.bot.Start()
	b.log.Info("polling stopped")
	return nil
}

// SendText sends text to chatID, split into Telegram-sized chunks.
func (b *Bot) SendText(ctx context.Context, chatID int64, threadID int, text string) error {
	chat := &tele.Chat{ID: chatID}
	for _, chunk := range splitText(text, textLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := b.bot.Send(chat, chunk, &tele.SendOptions{
			ThreadID:              threadID,
			DisableWebPagePreview: true,
		}); err != nil {
			return err
		}
	}
	return nil
}

const textLimit = 4000

// splitText cuts s into chunks of at most limit runes, preferring newlines.
func splitText(s string, limit int) []string {
	if limit <= 0 {
		limit = textLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				// Avoid tiny chunks.
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
