package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/expirybot/internal/control"
)

const (
	// pollTimeout is the long-poll wait passed to getUpdates.
	pollTimeout = 25 * time.Second
	// pollRetry is the pause after a failed poll.
	pollRetry = 5 * time.Second
)

type tgUpdate struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		Text string `json:"text"`
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
	} `json:"message"`
}

type tgUpdatesResponse struct {
	OK          bool       `json:"ok"`
	Result      []tgUpdate `json:"result"`
	Description string     `json:"description"`
}

// CommandLoop long-polls the bot for chat commands and runs them through
// control.Dispatch. Messages from chats outside the whitelist are ignored.
type CommandLoop struct {
	bot     *TelegramSender
	ctrl    control.Controller
	allowed map[string]bool
	client  *http.Client
	logger  *slog.Logger
	offset  int64
}

// NewCommandLoop creates a loop answering on bot's token. allowed lists
// chat ids; the sender's own chat is always allowed.
func NewCommandLoop(bot *TelegramSender, ctrl control.Controller, allowed []string, logger *slog.Logger) *CommandLoop {
	set := map[string]bool{}
	if bot.chatID != "" {
		set[bot.chatID] = true
	}
	for _, id := range allowed {
		if id = strings.TrimSpace(id); id != "" {
			set[id] = true
		}
	}
	return &CommandLoop{
		bot:     bot,
		ctrl:    ctrl,
		allowed: set,
		client:  &http.Client{Timeout: pollTimeout + 10*time.Second},
		logger:  logger.With(slog.String("component", "telegram_commands")),
	}
}

// Run polls until ctx is cancelled.
func (l *CommandLoop) Run(ctx context.Context) error {
	l.logger.Info("telegram command loop started", slog.Int("allowed_chats", len(l.allowed)))
	for {
		if err := l.PollOnce(ctx, pollTimeout); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.logger.Warn("telegram poll failed", slog.String("error", err.Error()))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(pollRetry):
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// PollOnce fetches one batch of updates and answers every command in it.
func (l *CommandLoop) PollOnce(ctx context.Context, wait time.Duration) error {
	updates, err := l.getUpdates(ctx, wait)
	if err != nil {
		return err
	}
	for _, u := range updates {
		if u.UpdateID >= l.offset {
			l.offset = u.UpdateID + 1
		}
		if u.Message == nil || !strings.HasPrefix(u.Message.Text, "/") {
			continue
		}
		chat := strconv.FormatInt(u.Message.Chat.ID, 10)
		if !l.allowed[chat] {
			l.logger.Warn("command from unauthorized chat", slog.String("chat", chat))
			continue
		}
		reply := l.Handle(ctx, u.Message.Text)
		if err := l.bot.SendTo(ctx, chat, escapeHTML(reply)); err != nil {
			l.logger.Error("telegram reply failed", slog.String("chat", chat), slog.String("error", err.Error()))
		}
	}
	return nil
}

// Handle runs one command text and returns the reply.
func (l *CommandLoop) Handle(ctx context.Context, text string) string {
	cmd, err := control.ParseCommand(text)
	if err != nil {
		var usage *control.UsageError
		switch {
		case errors.Is(err, control.ErrHelp):
			return control.HelpText
		case errors.As(err, &usage):
			return "Usage: " + usage.Usage
		default:
			return "Unknown command. Send /help for the list."
		}
	}
	l.logger.Info("chat command", slog.String("command", cmd.Name()))
	res, err := control.Dispatch(ctx, l.ctrl, cmd)
	if err != nil {
		return "Error: " + err.Error()
	}
	return FormatResult(res)
}

func (l *CommandLoop) getUpdates(ctx context.Context, wait time.Duration) ([]tgUpdate, error) {
	q := url.Values{}
	q.Set("offset", strconv.FormatInt(l.offset, 10))
	q.Set("timeout", strconv.Itoa(int(wait.Seconds())))
	q.Set("allowed_updates", `["message"]`)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.bot.methodURL("getUpdates")+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("telegram: create request: %w", err)
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telegram: get updates: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("telegram: read updates: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("telegram: unexpected status %d: %s", resp.StatusCode, truncate(string(body), 256))
	}
	var out tgUpdatesResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("telegram: decode updates: %w", err)
	}
	if !out.OK {
		return nil, fmt.Errorf("telegram: get updates: %s", out.Description)
	}
	return out.Result, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
