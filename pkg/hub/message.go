// Package hub fans JSON state updates out to websocket clients.
package hub

import "encoding/json"

// Message is one pre-encoded JSON text frame.
type Message []byte

// Encode marshals v into a Message.
func Encode(v any) (Message, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return Message(data), nil
}
