package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"
)

const (
	SubprotocolJSON = "deltadocs.json"
	SubprotocolCBOR = "deltadocs.cbor"
)

// mDNS service under which servers announce themselves.
const (
	ServiceType   = "_deltadocs._tcp"
	ServiceDomain = "local."
)

// Codec frames envelopes for one websocket connection. Only the envelope is
// re-encoded: Delta bytes pass through untouched, so JSON and CBOR peers can
// share a room.
type Codec interface {
	Subprotocol() string
	// MessageType is the websocket frame type the codec writes.
	MessageType() int
	Marshal(m *Message) ([]byte, error)
	Unmarshal(data []byte, m *Message) error
}

type JSONCodec struct{}

func (JSONCodec) Subprotocol() string { return SubprotocolJSON }
func (JSONCodec) MessageType() int    { return websocket.TextMessage }

func (JSONCodec) Marshal(m *Message) ([]byte, error) {
	return json.Marshal(m)
}

func (JSONCodec) Unmarshal(data []byte, m *Message) error {
	if err := json.Unmarshal(data, m); err != nil {
		return fmt.Errorf("decode json message: %w", err)
	}
	return nil
}

type CBORCodec struct{}

func (CBORCodec) Subprotocol() string { return SubprotocolCBOR }
func (CBORCodec) MessageType() int    { return websocket.BinaryMessage }

func (CBORCodec) Marshal(m *Message) ([]byte, error) {
	return cbor.Marshal(m)
}

func (CBORCodec) Unmarshal(data []byte, m *Message) error {
	if err := cbor.Unmarshal(data, m); err != nil {
		return fmt.Errorf("decode cbor message: %w", err)
	}
	return nil
}

// Subprotocols lists what a server accepts, in preference order.
func Subprotocols() []string {
	return []string{SubprotocolJSON, SubprotocolCBOR}
}

// ForSubprotocol picks the codec negotiated during the websocket upgrade.
// Anything unknown, including no subprotocol, gets JSON.
func ForSubprotocol(name string) Codec {
	if name == SubprotocolCBOR {
		return CBORCodec{}
	}
	return JSONCodec{}
}
