package bot

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Trigger is the control phrase a message starts with, if any.
type Trigger int

const (
	TriggerNone Trigger = iota
	TriggerStart
	TriggerJoin
	TriggerLeave
)

func (t Trigger) String() string {
	switch t {
	case TriggerStart:
		return "start"
	case TriggerJoin:
		return "join"
	case TriggerLeave:
		return "leave"
	default:
		return "none"
	}
}

// Phrases are the control phrases users type to manage a channel session.
type Phrases struct {
	Start string
	Join  string
	Leave string
}

func DefaultPhrases() Phrases {
	return Phrases{Start: "hey bt", Join: "join bt", Leave: "bye bt"}
}

// Classify matches the leading words of text against the phrases, ignoring
// case. The phrase must end at a word boundary, so "hey btw" is not a start.
// rest is whatever follows the phrase, trimmed.
func (p Phrases) Classify(text string) (trigger Trigger, rest string) {
	text = strings.TrimSpace(text)
	for _, candidate := range []struct {
		phrase  string
		trigger Trigger
	}{
		{p.Start, TriggerStart},
		{p.Join, TriggerJoin},
		{p.Leave, TriggerLeave},
	} {
		if rest, ok := matchPhrase(text, candidate.phrase); ok {
			return candidate.trigger, rest
		}
	}
	return TriggerNone, ""
}

func matchPhrase(text, phrase string) (string, bool) {
	phrase = strings.TrimSpace(phrase)
	if phrase == "" || len(text) < len(phrase) {
		return "", false
	}
	if !strings.EqualFold(text[:len(phrase)], phrase) {
		return "", false
	}
	tail := text[len(phrase):]
	if r, _ := utf8.DecodeRuneInString(tail); tail != "" && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
		return "", false
	}
	return strings.TrimSpace(strings.TrimLeft(tail, " \t,.!?:;")), true
}
