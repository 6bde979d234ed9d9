// Package mq provides an MQTT 3.1 (MQIsdp) and 3.1.1 (MQTT) client engine
// over a WebSocket-style transport, built around a single actor goroutine
// per Client that owns all connection, session and dispatch state.
//
// # Features
//
//   - MQTT 3.1 and 3.1.1 wire protocol, with automatic 3.1.1 -> 3.1
//     version fallback on connect failure
//   - QoS 0, 1 and 2 publish and receive state machines
//   - Multi-host failover and exponential-backoff reconnection, with
//     Outbox replay of in-flight publishes (and of QoS 0 messages buffered
//     while disconnected) on reconnect
//   - Pluggable PersistenceAdapter (in-memory, file-based, or
//     go.etcd.io/bbolt) so QoS >= 1 state survives a process restart
//   - Pluggable Transport/Dialer, with a nhooyr.io/websocket-backed
//     implementation in transport/ws
//
// # Quick start
//
//	client, err := mq.NewClient("wss://broker.example.com/mqtt", mq.ClientConfig{
//	    ClientID: "my-client",
//	    Dial:     ws.Dial(nil),
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	opts := mq.DefaultConnectOptions()
//	opts.URIs = []string{"wss://broker.example.com/mqtt"}
//	if err := client.Connect(opts).Wait(context.Background()); err != nil {
//	    log.Fatal(err)
//	}
//
//	client.SetOnMessageArrived(func(msg mq.Message) {
//	    fmt.Printf("%s: %s\n", msg.Topic, msg.Payload)
//	})
//	client.Subscribe([]string{"sensors/+/temperature"}, []mq.QoS{mq.AtLeastOnce})
//
//	token := client.Publish("sensors/kitchen/temperature", []byte("22.5"), mq.AtLeastOnce, false)
//	if err := token.Wait(context.Background()); err != nil {
//	    log.Printf("publish failed: %v", err)
//	}
//
// # Connection options
//
// ConnectOptions configures one connect attempt: credentials, Last Will,
// keep-alive interval, clean-session flag, the candidate URI list (or a
// Hosts x Ports x Path combination), and whether to reconnect automatically
// after the session is lost. See DefaultConnectOptions for the defaults.
//
// # Quality of service
//
//   - QoS 0 (mq.AtMostOnce): fire and forget, optionally buffered while
//     disconnected (see Client.DisconnectedPublishing)
//   - QoS 1 (mq.AtLeastOnce): acknowledged delivery via PUBACK, retried
//     from the Outbox across reconnects
//   - QoS 2 (mq.ExactlyOnce): assured delivery via the PUBREC/PUBREL/
//     PUBCOMP handshake, deduplicated on both sides across reconnects
//
// # Wildcard subscriptions
//
// Subscribe filters support the standard MQTT wildcards: '+' matches a
// single topic level, '#' matches all remaining levels and must be last.
//
// # Errors
//
// Operations fail with an *MqttError carrying a stable ErrorCode
// (ConnectTimeout, PingTimeout, InvalidArgument, and so on). Inspect it
// with errors.As, or match a code with errors.Is against an *MqttError
// carrying that code, e.g. errors.Is(err, &mq.MqttError{Code: mq.PingTimeout}).
package mq
