package gateway

import (
	"encoding/json"
	"fmt"
)

const (
	OpIdentify = "identify"
	OpReady    = "ready"
	OpPing     = "ping"
	OpPong     = "pong"
	OpMessage  = "message"
	OpSend     = "send"
	OpError    = "error"
)

// Frame is the envelope of every websocket message: {"op": "...", "d": ...}.
type Frame struct {
	Op string          `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
}

type IdentifyPayload struct {
	Token string `json:"token"`
}

type SendPayload struct {
	ChannelID string `json:"channel_id"`
	Text      string `json:"text"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

func EncodeFrame(op string, payload any) ([]byte, error) {
	frame := Frame{Op: op}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", op, err)
		}
		frame.D = raw
	}
	return json.Marshal(frame)
}

func DecodeFrame(raw []byte) (Frame, error) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if frame.Op == "" {
		return Frame{}, fmt.Errorf("decode frame: missing op")
	}
	return frame, nil
}
