// Package ws provides a mq.Transport adapter over a real WebSocket
// connection, using nhooyr.io/websocket. It is the concrete transport a
// production client passes as mq.ClientConfig.Dial; tests use an in-memory
// fake instead (see the root package's fake_transport_test.go).
package ws

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"

	"nhooyr.io/websocket"

	"github.com/corvidae/wsmqtt"
)

// Dial returns an mq.Dialer that opens a WebSocket connection per attempt,
// negotiating the subprotocol the connection state machine requests
// ("mqttv3.1" for MQTT 3.1, "mqtt" for 3.1.1) and translating WebSocket
// read-loop errors/closes into the mq.TransportEvents callbacks.
//
// tlsConfig is used for wss:// URIs; it may be nil to accept the default
// net/http transport TLS behavior.
func Dial(tlsConfig *tls.Config) mq.Dialer {
	httpClient := &http.Client{}
	if tlsConfig != nil {
		httpClient.Transport = &http.Transport{TLSClientConfig: tlsConfig}
	}

	return func(ctx context.Context, uri, subprotocol string, events mq.TransportEvents) (mq.Transport, error) {
		conn, _, err := websocket.Dial(ctx, uri, &websocket.DialOptions{
			Subprotocols: []string{subprotocol},
			HTTPClient:   httpClient,
		})
		if err != nil {
			return nil, fmt.Errorf("ws: dial %s: %w", uri, err)
		}
		conn.SetReadLimit(-1)

		t := &transport{conn: conn}
		go t.readLoop(events)
		if events.OnOpen != nil {
			events.OnOpen()
		}
		return t, nil
	}
}

type transport struct {
	conn *websocket.Conn
}

func (t *transport) Send(data []byte) error {
	return t.conn.Write(context.Background(), websocket.MessageBinary, data)
}

func (t *transport) Close(code int, reason string) error {
	return t.conn.Close(websocket.StatusCode(code), reason)
}

// readLoop pumps inbound WebSocket frames into events.OnMessage until the
// connection closes or errors, then fires exactly one of OnError/OnClose.
func (t *transport) readLoop(events mq.TransportEvents) {
	ctx := context.Background()
	for {
		msgType, data, err := t.conn.Read(ctx)
		if err != nil {
			closeStatus := websocket.CloseStatus(err)
			if closeStatus != -1 {
				if events.OnClose != nil {
					events.OnClose()
				}
				return
			}
			if events.OnError != nil {
				events.OnError(err)
			}
			return
		}
		if msgType != websocket.MessageBinary {
			continue
		}
		if events.OnMessage != nil {
			events.OnMessage(data)
		}
	}
}
