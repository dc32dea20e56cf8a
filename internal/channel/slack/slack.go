package slack

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MEKXH/picard/internal/bus"
	"github.com/MEKXH/picard/internal/channel"
	"github.com/MEKXH/picard/internal/config"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
)

const (
	sourceName     = "slack"
	publishTimeout = 2 * time.Second
)

// Channel is the Slack side of the bot: it delivers direct messages and turns
// Slack events, from the webhook gateway or Socket Mode, into bus events.
type Channel struct {
	cfg   config.SlackConfig
	api   *slack.Client
	bus   *bus.MessageBus
	allow channel.AllowList

	mu           sync.RWMutex
	botUserID    string
	socketClient *socketmode.Client
	cancel       context.CancelFunc
}

// New creates a Slack channel. opts are passed to the Slack client.
func New(cfg config.SlackConfig, msgBus *bus.MessageBus, opts ...slack.Option) *Channel {
	if strings.TrimSpace(cfg.AppToken) != "" {
		opts = append(opts, slack.OptionAppLevelToken(cfg.AppToken))
	}
	return &Channel{
		cfg:   cfg,
		api:   slack.New(cfg.BotToken, opts...),
		bus:   msgBus,
		allow: channel.NewAllowList(cfg.AllowFrom),
	}
}

func (c *Channel) Name() string { return sourceName }

// SocketMode reports whether an app-level token is configured.
func (c *Channel) SocketMode() bool {
	return strings.TrimSpace(c.cfg.AppToken) != ""
}

// Connect verifies the bot token and learns the bot's own user id.
func (c *Channel) Connect(ctx context.Context) error {
	if strings.TrimSpace(c.cfg.BotToken) == "" {
		return fmt.Errorf("slack bot_token is required")
	}
	authResp, err := c.api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth failed: %w", err)
	}
	c.mu.Lock()
	c.botUserID = authResp.UserID
	c.mu.Unlock()
	slog.Info("slack channel connected", "team", authResp.Team, "bot_user_id", authResp.UserID)
	return nil
}

// Deliver posts text to the user's direct message conversation.
func (c *Channel) Deliver(ctx context.Context, userID, text string) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("invalid slack user id: %q", userID)
	}
	_, _, err := c.api.PostMessageContext(ctx, userID, slack.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("send slack message: %w", err)
	}
	return nil
}

// Start runs Socket Mode until ctx is cancelled or Stop is called.
func (c *Channel) Start(ctx context.Context) error {
	if !c.SocketMode() {
		return fmt.Errorf("slack app_token is required for socket mode")
	}

	runCtx, cancel := context.WithCancel(ctx)
	socketClient := socketmode.New(c.api)

	c.mu.Lock()
	c.socketClient = socketClient
	c.cancel = cancel
	c.mu.Unlock()

	go c.eventLoop(runCtx, socketClient)
	go func() {
		if err := socketClient.RunContext(runCtx); err != nil && runCtx.Err() == nil {
			slog.Error("slack socket mode exited", "error", err)
		}
	}()
	slog.Info("slack socket mode started")
	return nil
}

func (c *Channel) Stop(context.Context) error {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.socketClient = nil
	c.mu.Unlock()
	return nil
}

func (c *Channel) eventLoop(ctx context.Context, socketClient *socketmode.Client) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-socketClient.Events:
			if !ok {
				return
			}
			switch evt.Type {
			case socketmode.EventTypeEventsAPI:
				if evt.Request != nil {
					socketClient.Ack(*evt.Request)
				}
				if data, ok := evt.Data.(slackevents.EventsAPIEvent); ok {
					c.HandleEventsAPI(ctx, data)
				}
			case socketmode.EventTypeInteractive:
				if evt.Request != nil {
					socketClient.Ack(*evt.Request)
				}
				if cb, ok := evt.Data.(slack.InteractionCallback); ok {
					c.HandleInteraction(ctx, cb)
				}
			case socketmode.EventTypeSlashCommand:
				if evt.Request != nil {
					socketClient.Ack(*evt.Request)
				}
				if cmd, ok := evt.Data.(slack.SlashCommand); ok {
					c.HandleSlashCommand(ctx, cmd)
				}
			}
		}
	}
}

// HandleEventsAPI publishes user messages carried by an Events API callback.
func (c *Channel) HandleEventsAPI(ctx context.Context, evt slackevents.EventsAPIEvent) {
	switch inner := evt.InnerEvent.Data.(type) {
	case *slackevents.MessageEvent:
		c.handleMessageEvent(ctx, inner)
	case *slackevents.AppMentionEvent:
		c.handleMentionEvent(ctx, inner)
	}
}

func (c *Channel) handleMessageEvent(ctx context.Context, ev *slackevents.MessageEvent) {
	if ev == nil {
		return
	}
	// Edits, joins and bot echoes all carry a subtype.
	if ev.User == "" || ev.BotID != "" || ev.SubType != "" {
		return
	}
	if !c.allow.IsAllowed(ev.User) {
		return
	}
	content := c.stripMention(ev.Text)
	if content == "" {
		return
	}
	c.publish(ctx, bus.NewMessage(sourceName, ev.User, ev.Channel, content))
}

func (c *Channel) handleMentionEvent(ctx context.Context, ev *slackevents.AppMentionEvent) {
	if ev == nil || ev.User == "" {
		return
	}
	if !c.allow.IsAllowed(ev.User) {
		return
	}
	content := c.stripMention(ev.Text)
	if content == "" {
		return
	}
	c.publish(ctx, bus.NewMessage(sourceName, ev.User, ev.Channel, content))
}

// HandleInteraction publishes the first button press of a block_actions payload.
func (c *Channel) HandleInteraction(ctx context.Context, cb slack.InteractionCallback) {
	if cb.User.ID == "" || !c.allow.IsAllowed(cb.User.ID) {
		return
	}

	var actionID, value string
	switch cb.Type {
	case slack.InteractionTypeBlockActions:
		if len(cb.ActionCallback.BlockActions) == 0 || cb.ActionCallback.BlockActions[0] == nil {
			return
		}
		action := cb.ActionCallback.BlockActions[0]
		actionID, value = action.ActionID, action.Value
	case slack.InteractionTypeInteractionMessage:
		if len(cb.ActionCallback.AttachmentActions) == 0 || cb.ActionCallback.AttachmentActions[0] == nil {
			return
		}
		action := cb.ActionCallback.AttachmentActions[0]
		actionID, value = action.Name, action.Value
	default:
		return
	}
	c.publish(ctx, bus.NewInteraction(sourceName, cb.User.ID, cb.Channel.ID, actionID, value))
}

// HandleSlashCommand publishes a slash command's text; a bare command means help.
func (c *Channel) HandleSlashCommand(ctx context.Context, cmd slack.SlashCommand) {
	if cmd.UserID == "" || !c.allow.IsAllowed(cmd.UserID) {
		return
	}
	content := strings.TrimSpace(cmd.Text)
	if content == "" {
		content = "help"
	}
	c.publish(ctx, bus.NewMessage(sourceName, cmd.UserID, cmd.ChannelID, content))
}

func (c *Channel) publish(ctx context.Context, ev *bus.Event) {
	if c.bus == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := c.bus.Publish(ctx, ev); err != nil {
		slog.Warn("dropping inbound slack event", "request_id", ev.RequestID, "user", ev.UserID, "error", err)
	}
}

func (c *Channel) stripMention(text string) string {
	c.mu.RLock()
	botUserID := c.botUserID
	c.mu.RUnlock()
	if botUserID == "" {
		return strings.TrimSpace(text)
	}
	mention := fmt.Sprintf("<@%s>", botUserID)
	text = strings.ReplaceAll(text, mention, "")
	return strings.TrimSpace(text)
}
