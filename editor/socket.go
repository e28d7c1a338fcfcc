package editor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/xxuejie/go-delta-docs/errs"
	"github.com/xxuejie/go-delta-docs/protocol"
)

const socketWriteTimeout = 10 * time.Second

var (
	ErrDisconnected = errors.New("not connected")
	errMalformed    = errors.New("malformed message")
)

// socket is one websocket to the server. Writes may come from any
// goroutine, reads only from the editor's receive loop.
type socket struct {
	ws    *websocket.Conn
	codec protocol.Codec
	wmux  sync.Mutex
}

func dialSocket(ctx context.Context, url string, subprotocol string) (*socket, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		Subprotocols:     []string{subprotocol},
	}
	ws, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil && resp.StatusCode >= http.StatusBadRequest {
			return nil, fmt.Errorf("%w: websocket handshake: status=%d", errs.FromStatus(resp.StatusCode), resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: dial: %v", errs.ErrTransientIO, err)
	}
	return &socket{ws: ws, codec: protocol.ForSubprotocol(ws.Subprotocol())}, nil
}

func (s *socket) send(m protocol.Message) error {
	data, err := s.codec.Marshal(&m)
	if err != nil {
		return err
	}
	s.wmux.Lock()
	defer s.wmux.Unlock()
	s.ws.SetWriteDeadline(time.Now().Add(socketWriteTimeout))
	if err := s.ws.WriteMessage(s.codec.MessageType(), data); err != nil {
		return fmt.Errorf("%w: send %s: %v", errs.ErrTransientIO, m.Event, err)
	}
	return nil
}

func (s *socket) read() (protocol.Message, error) {
	var m protocol.Message
	_, data, err := s.ws.ReadMessage()
	if err != nil {
		return m, err
	}
	if err := s.codec.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("%w: %v", errMalformed, err)
	}
	return m, nil
}

func (s *socket) close() {
	s.wmux.Lock()
	s.ws.SetWriteDeadline(time.Now().Add(time.Second))
	s.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.wmux.Unlock()
	s.ws.Close()
}
