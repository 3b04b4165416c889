package bot

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"btbot/internal/memory"
	"btbot/internal/models"
)

const jokePrompt = "Tell me a creative and funny joke."

type command struct {
	usage string
	help  string
	run   func(ctx context.Context, msg models.InboundMessage, args string) string
}

func (d *Dispatcher) buildCommands() map[string]command {
	help := command{help: "Show this list.", run: d.cmdHelp}
	return map[string]command{
		"commands": help,
		"help":     help,
		"origin":   {help: "Learn about my origin.", run: d.cmdOrigin},
		"joke":     {help: "Hear an AI-generated joke.", run: d.cmdJoke},
		"roulette": {usage: "a, b, c", help: "Pick one of the comma-separated choices.", run: d.cmdRoulette},
		"timeout":  {usage: "[minutes]", help: "Show or set how long your conversations wait before ending.", run: d.cmdTimeout},
		"session":  {help: "Show who is in this channel's conversation.", run: d.cmdSession},
	}
}

// parseCommand splits "!name args" into its parts.
func (d *Dispatcher) parseCommand(text string) (name, args string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, d.cfg.CommandPrefix) {
		return "", "", false
	}
	body := strings.TrimSpace(strings.TrimPrefix(text, d.cfg.CommandPrefix))
	if body == "" {
		return "", "", false
	}
	name, args, _ = strings.Cut(body, " ")
	return strings.ToLower(name), strings.TrimSpace(args), true
}

func (d *Dispatcher) runCommand(ctx context.Context, msg models.InboundMessage, name, args string) string {
	cmd, ok := d.commands[name]
	if !ok {
		return fmt.Sprintf("I don't know `%s%s`. Try `%scommands`.", d.cfg.CommandPrefix, name, d.cfg.CommandPrefix)
	}
	return cmd.run(ctx, msg, args)
}

func (d *Dispatcher) cmdHelp(context.Context, models.InboundMessage, string) string {
	names := make([]string, 0, len(d.commands))
	for name := range d.commands {
		if name == "help" {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("**Available commands**\n")
	for _, name := range names {
		cmd := d.commands[name]
		usage := d.cfg.CommandPrefix + name
		if cmd.usage != "" {
			usage += " " + cmd.usage
		}
		fmt.Fprintf(&b, "- `%s`: %s\n", usage, cmd.help)
	}
	fmt.Fprintf(&b, "- `%s [message]`: Start a conversation with me.\n", d.cfg.Phrases.Start)
	fmt.Fprintf(&b, "- `%s`: Join the conversation in this channel.\n", d.cfg.Phrases.Join)
	fmt.Fprintf(&b, "- `%s`: Leave the conversation.", d.cfg.Phrases.Leave)
	return b.String()
}

func (d *Dispatcher) cmdOrigin(context.Context, models.InboundMessage, string) string {
	return d.cfg.Origin
}

func (d *Dispatcher) cmdJoke(ctx context.Context, msg models.InboundMessage, _ string) string {
	joke, err := d.generator.Generate(ctx, jokePrompt)
	if err != nil {
		d.logger.Error("generate joke", "channel", msg.ChannelID, "err", err)
		return generationApology
	}
	return joke
}

func (d *Dispatcher) cmdRoulette(_ context.Context, _ models.InboundMessage, args string) string {
	var choices []string
	for _, choice := range strings.Split(args, ",") {
		if choice = strings.TrimSpace(choice); choice != "" {
			choices = append(choices, choice)
		}
	}
	if len(choices) == 0 {
		return fmt.Sprintf("Please provide choices separated by commas, e.g. `%sroulette soccer, chess, video games`.",
			d.cfg.CommandPrefix)
	}
	return fmt.Sprintf("The roulette chose: %s!", choices[d.pick(len(choices))])
}

func (d *Dispatcher) cmdTimeout(ctx context.Context, msg models.InboundMessage, args string) string {
	if args == "" {
		minutes := d.timeoutFor(ctx, msg.AuthorID)
		return fmt.Sprintf("Conversations you start end after %d minutes of silence.", minutes)
	}
	minutes, err := strconv.Atoi(args)
	if err != nil {
		return fmt.Sprintf("Usage: `%stimeout [minutes]`", d.cfg.CommandPrefix)
	}
	if err := d.store.SetTimeout(ctx, msg.AuthorID, minutes); err != nil {
		if errors.Is(err, memory.ErrInvalidTimeout) {
			if d.cfg.MaxTimeout > 0 {
				return fmt.Sprintf("The timeout must be between 1 and %d minutes.", d.cfg.MaxTimeout)
			}
			return "The timeout must be at least 1 minute."
		}
		d.logger.Error("save timeout", "user", msg.AuthorID, "err", err)
		return storageApology
	}
	return fmt.Sprintf("Done. Conversations you start will end after %d minutes of silence.", minutes)
}

func (d *Dispatcher) cmdSession(_ context.Context, msg models.InboundMessage, _ string) string {
	s, ok := d.registry.Get(msg.ChannelID)
	if !ok {
		return fmt.Sprintf("No conversation is active here. Say `%s` to begin.", d.cfg.Phrases.Start)
	}
	left := s.ExpiresAt().Sub(d.clock.Now()).Round(time.Second)
	if left < 0 {
		left = 0
	}
	return fmt.Sprintf("In the conversation: %s. It ends after %d minutes of silence (%s left).",
		strings.Join(s.Members, ", "), s.TimeoutMinutes, left)
}
