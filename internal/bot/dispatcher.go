// Package bot routes inbound chat messages to session control, the
// conversation path or commands.
package bot

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"strings"

	"github.com/charmbracelet/log"

	"btbot/internal/clock"
	"btbot/internal/memory"
	"btbot/internal/models"
	"btbot/internal/ratelimit"
	"btbot/internal/service/ai"
	"btbot/internal/session"
)

// Action reports which branch handled a message.
type Action int

const (
	ActionIgnored Action = iota
	ActionDropped
	ActionJoin
	ActionLeave
	ActionConversation
	ActionCommand
	ActionCooldown
)

func (a Action) String() string {
	switch a {
	case ActionDropped:
		return "dropped"
	case ActionJoin:
		return "join"
	case ActionLeave:
		return "leave"
	case ActionConversation:
		return "conversation"
	case ActionCommand:
		return "command"
	case ActionCooldown:
		return "cooldown"
	default:
		return "ignored"
	}
}

const (
	storageApology    = "Sorry, I can't reach my memory right now. Please try again in a moment."
	generationApology = "Sorry, my thoughts got scrambled. Please try that again."
	defaultOrigin     = "I am BT-7274, a Vanguard-class Titan from Titanfall 2. I'm back to assist and have some fun with you!"
)

type Config struct {
	BotUserID      string
	BotName        string
	Persona        string
	Origin         string
	Phrases        Phrases
	CommandPrefix  string
	ContextTurns   int
	DefaultTimeout int
	MaxTimeout     int
}

type Deps struct {
	Registry  *session.Registry
	Mirror    session.Mirror
	Store     memory.Store
	Generator ai.Generator
	Limiter   ratelimit.Limiter
	Sender    Sender
	Clock     clock.Clock
	// Pick returns a random index in [0, n). Defaults to math/rand/v2.
	Pick func(n int) int
}

type Dispatcher struct {
	cfg       Config
	registry  *session.Registry
	mirror    session.Mirror
	store     memory.Store
	generator ai.Generator
	limiter   ratelimit.Limiter
	sender    Sender
	clock     clock.Clock
	pick      func(n int) int
	commands  map[string]command
	logger    *log.Logger
}

func NewDispatcher(cfg Config, deps Deps) *Dispatcher {
	if cfg.BotName == "" {
		cfg.BotName = "BT"
	}
	if cfg.Origin == "" {
		cfg.Origin = defaultOrigin
	}
	if cfg.Phrases == (Phrases{}) {
		cfg.Phrases = DefaultPhrases()
	}
	if cfg.CommandPrefix == "" {
		cfg.CommandPrefix = "!"
	}
	if cfg.ContextTurns <= 0 {
		cfg.ContextTurns = 5
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = memory.DefaultTimeoutMinutes
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Pick == nil {
		deps.Pick = rand.IntN
	}
	if deps.Sender == nil {
		deps.Sender = NewLogSender()
	}
	d := &Dispatcher{
		cfg:       cfg,
		registry:  deps.Registry,
		mirror:    deps.Mirror,
		store:     deps.Store,
		generator: deps.Generator,
		limiter:   deps.Limiter,
		sender:    deps.Sender,
		clock:     deps.Clock,
		pick:      deps.Pick,
		logger:    log.Default().With("component", "dispatcher"),
	}
	d.commands = d.buildCommands()
	return d
}

// Handle processes one inbound message. Messages of one channel must be
// handled sequentially; Ingress guarantees that.
func (d *Dispatcher) Handle(ctx context.Context, msg models.InboundMessage) Action {
	if msg.IsBot || (d.cfg.BotUserID != "" && msg.AuthorID == d.cfg.BotUserID) {
		return ActionDropped
	}

	trigger, rest := d.cfg.Phrases.Classify(msg.Text)
	switch trigger {
	case TriggerStart, TriggerJoin:
		// a member addressing the bot is conversing, not joining; the
		// cooldown must run before anything refreshes the session
		if trigger == TriggerStart && rest != "" && d.registry.IsMember(msg.ChannelID, msg.AuthorID) {
			if d.coolingDown(ctx, msg) {
				return ActionCooldown
			}
			d.converse(ctx, msg, rest)
			return ActionConversation
		}
		d.handleJoin(ctx, msg, trigger, rest)
		if trigger == TriggerStart && rest != "" && d.registry.IsMember(msg.ChannelID, msg.AuthorID) {
			if d.coolingDown(ctx, msg) {
				return ActionCooldown
			}
			d.converse(ctx, msg, rest)
		}
		return ActionJoin
	case TriggerLeave:
		d.handleLeave(ctx, msg)
		return ActionLeave
	}

	if d.registry.IsMember(msg.ChannelID, msg.AuthorID) {
		if d.coolingDown(ctx, msg) {
			return ActionCooldown
		}
		d.converse(ctx, msg, strings.TrimSpace(msg.Text))
		return ActionConversation
	}

	if name, args, ok := d.parseCommand(msg.Text); ok {
		if d.coolingDown(ctx, msg) {
			return ActionCooldown
		}
		d.reply(ctx, msg.ChannelID, d.runCommand(ctx, msg, name, args))
		return ActionCommand
	}
	return ActionIgnored
}

func (d *Dispatcher) handleJoin(ctx context.Context, msg models.InboundMessage, trigger Trigger, rest string) {
	added, err := d.registry.Join(msg.ChannelID, msg.AuthorID)
	switch {
	case err == nil && added:
		d.reply(ctx, msg.ChannelID, fmt.Sprintf("%s joined the conversation. Say `%s` when you're done.",
			msg.DisplayName(), d.cfg.Phrases.Leave))
		return
	case err == nil:
		if trigger == TriggerJoin || rest == "" {
			d.reply(ctx, msg.ChannelID, fmt.Sprintf("You're already in the conversation, %s.", msg.DisplayName()))
		}
		return
	case !errors.Is(err, session.ErrNoActiveSession):
		d.logger.Error("join session", "channel", msg.ChannelID, "user", msg.AuthorID, "err", err)
		return
	}

	if trigger == TriggerJoin {
		d.reply(ctx, msg.ChannelID, fmt.Sprintf("There's no conversation here yet. Say `%s` to begin.", d.cfg.Phrases.Start))
		return
	}

	timeout := d.timeoutFor(ctx, msg.AuthorID)
	if _, err := d.registry.Start(msg.ChannelID, msg.AuthorID, timeout); err != nil {
		if errors.Is(err, session.ErrAlreadyActive) {
			// another start won the race; treat this one as a join
			_, _ = d.registry.Join(msg.ChannelID, msg.AuthorID)
			return
		}
		d.logger.Error("start session", "channel", msg.ChannelID, "err", err)
		return
	}
	if d.mirror != nil {
		if err := d.mirror.MarkActive(ctx, msg.ChannelID); err != nil {
			d.logger.Warn("mark session active", "channel", msg.ChannelID, "err", err)
		}
	}
	d.logger.Info("session started", "channel", msg.ChannelID, "user", msg.AuthorID, "timeout_minutes", timeout)
	d.reply(ctx, msg.ChannelID, fmt.Sprintf(
		"Hey %s, I'm listening! Others can say `%s` to jump in and `%s` to leave. I'll stop after %d minutes of silence.",
		msg.DisplayName(), d.cfg.Phrases.Join, d.cfg.Phrases.Leave, timeout))
}

func (d *Dispatcher) handleLeave(ctx context.Context, msg models.InboundMessage) {
	outcome := d.registry.Leave(msg.ChannelID, msg.AuthorID)
	switch outcome {
	case session.NotMember:
		d.reply(ctx, msg.ChannelID, fmt.Sprintf("You're not in a conversation with me, %s.", msg.DisplayName()))
	case session.LeftSessionContinues:
		d.reply(ctx, msg.ChannelID, fmt.Sprintf("Bye %s! The others can keep chatting.", msg.DisplayName()))
	case session.LeftSessionEnded:
		if d.mirror != nil {
			if err := d.mirror.ClearActive(ctx, msg.ChannelID); err != nil {
				d.logger.Warn("clear session marker", "channel", msg.ChannelID, "err", err)
			}
		}
		d.logger.Info("session ended", "channel", msg.ChannelID, "user", msg.AuthorID)
		d.reply(ctx, msg.ChannelID, fmt.Sprintf("Bye %s! Conversation ended.", msg.DisplayName()))
	}
}

// converse runs the conversation path for a session member.
func (d *Dispatcher) converse(ctx context.Context, msg models.InboundMessage, text string) {
	d.registry.Touch(msg.ChannelID, msg.AuthorID)

	history, err := d.store.GetHistory(ctx, msg.AuthorID)
	if err != nil {
		d.logger.Error("load history", "user", msg.AuthorID, "err", err)
		d.reply(ctx, msg.ChannelID, storageApology)
		return
	}

	prompt := BuildPrompt(d.cfg.Persona, d.cfg.BotName, memory.Recent(history, d.cfg.ContextTurns), text)
	response, err := d.generator.Generate(ctx, prompt)
	if err != nil {
		d.logger.Error("generate reply", "channel", msg.ChannelID, "user", msg.AuthorID, "err", err)
		d.reply(ctx, msg.ChannelID, generationApology)
		return
	}

	if err := d.store.AppendTurn(ctx, msg.AuthorID, text, response); err != nil {
		d.logger.Error("record turn", "user", msg.AuthorID, "err", err)
	}
	d.reply(ctx, msg.ChannelID, response)
}

// coolingDown reports whether the author is still in cooldown and sends the
// notice if so. Limiter failures let the message through.
func (d *Dispatcher) coolingDown(ctx context.Context, msg models.InboundMessage) bool {
	if d.limiter == nil {
		return false
	}
	allowed, wait, err := d.limiter.Allow(ctx, ratelimit.Key(msg.ChannelID, msg.AuthorID))
	if err != nil {
		d.logger.Warn("cooldown check failed", "channel", msg.ChannelID, "user", msg.AuthorID, "err", err)
		return false
	}
	if allowed {
		return false
	}
	seconds := int(math.Ceil(wait.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	d.reply(ctx, msg.ChannelID, fmt.Sprintf("Easy there, %s. Please wait %d seconds before your next message.",
		msg.DisplayName(), seconds))
	return true
}

func (d *Dispatcher) timeoutFor(ctx context.Context, userID string) int {
	if d.store == nil {
		return d.cfg.DefaultTimeout
	}
	minutes, err := d.store.GetTimeout(ctx, userID)
	if err != nil || minutes <= 0 {
		if err != nil {
			d.logger.Warn("load timeout preference, using default", "user", userID, "err", err)
		}
		return d.cfg.DefaultTimeout
	}
	return minutes
}

func (d *Dispatcher) reply(ctx context.Context, channelID, text string) {
	if text == "" {
		return
	}
	if err := d.sender.Send(ctx, channelID, text); err != nil {
		d.logger.Warn("send reply", "channel", channelID, "err", err)
	}
}

// BuildPrompt composes the persona preamble, the recent turns oldest first
// and the new message into one prompt.
func BuildPrompt(persona, botName string, history []models.Turn, message string) string {
	var b strings.Builder
	if persona = strings.TrimSpace(persona); persona != "" {
		b.WriteString(persona)
		b.WriteString("\n\n")
	}
	for _, turn := range history {
		fmt.Fprintf(&b, "User: %s\n%s: %s\n", turn.Prompt, botName, turn.Response)
	}
	fmt.Fprintf(&b, "User: %s\n%s:", message, botName)
	return b.String()
}
