package bot

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouletteCommand(t *testing.T) {
	h := newHarness(t)
	h.pick = 1

	assert.Equal(t, ActionCommand, h.say("C", "U", "!roulette soccer, chess , video games"))
	assert.Equal(t, "The roulette chose: chess!", h.sender.last())

	h.say("C", "U", "!roulette  , ")
	assert.Contains(t, h.sender.last(), "separated by commas")
}

func TestJokeCommand(t *testing.T) {
	h := newHarness(t)
	h.reply = "why did the titan cross the road"

	assert.Equal(t, ActionCommand, h.say("C", "U", "!JOKE"))
	assert.Equal(t, jokePrompt, h.lastPrompt())
	assert.Equal(t, "why did the titan cross the road", h.sender.last())

	h.genErr = assert.AnError
	h.say("C", "U", "!joke")
	assert.Equal(t, generationApology, h.sender.last())
}

func TestTimeoutCommand(t *testing.T) {
	h := newHarness(t)

	h.say("C", "U", "!timeout")
	assert.Contains(t, h.sender.last(), "5 minutes")

	h.say("C", "U", "!timeout 15")
	assert.Contains(t, h.sender.last(), "15 minutes")
	minutes, err := h.store.GetTimeout(context.Background(), "U")
	require.NoError(t, err)
	assert.Equal(t, 15, minutes)

	h.say("C", "U", "!timeout")
	assert.Contains(t, h.sender.last(), "15 minutes")

	h.say("C", "U", "!timeout 0")
	assert.Contains(t, h.sender.last(), "between 1 and 60")

	h.say("C", "U", "!timeout soon")
	assert.Contains(t, h.sender.last(), "Usage")
}

func TestSessionCommand(t *testing.T) {
	h := newHarness(t)

	h.say("C", "U1", "!session")
	assert.Contains(t, h.sender.last(), "No conversation")

	_, err := h.reg.Start("C", "U2", 5)
	require.NoError(t, err)
	h.clk.Advance(2 * time.Minute)
	h.say("C", "U1", "!session")
	assert.Contains(t, h.sender.last(), "U2")
	assert.Contains(t, h.sender.last(), "3m0s left")
}

func TestHelpAndUnknownCommands(t *testing.T) {
	h := newHarness(t)

	h.say("C", "U", "!commands")
	help := h.sender.last()
	for _, want := range []string{"!origin", "!joke", "!roulette a, b, c", "!timeout [minutes]", "!session", "hey bt", "join bt", "bye bt"} {
		assert.Contains(t, help, want)
	}

	h.say("C", "U", "!help")
	assert.Equal(t, help, h.sender.last())

	h.say("C", "U", "!origin")
	assert.Contains(t, h.sender.last(), "BT-7274")

	assert.Equal(t, ActionCommand, h.say("C", "U", "!manga naruto"))
	assert.Contains(t, h.sender.last(), "!commands")
}

func TestMembersTalkInsteadOfRunningCommands(t *testing.T) {
	h := newHarness(t)
	_, err := h.reg.Start("C", "U", 5)
	require.NoError(t, err)

	assert.Equal(t, ActionConversation, h.say("C", "U", "!joke"))
	assert.Contains(t, h.lastPrompt(), "User: !joke\nBT:")
}

func TestCommandsRespectCooldown(t *testing.T) {
	h := newHarness(t, withCooldown(10*time.Second))

	assert.Equal(t, ActionCommand, h.say("C", "U", "!origin"))
	assert.Equal(t, ActionCooldown, h.say("C", "U", "!origin"))
	assert.Contains(t, h.sender.last(), "wait 10 seconds")
}
