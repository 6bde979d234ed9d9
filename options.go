package mq

import (
	"fmt"
	"strings"
	"time"

	"github.com/corvidae/wsmqtt/internal/wire"
)

// clientOptions is the small subset of limits topic/payload validation
// needs. It exists separately from ClientConfig/ConnectOptions so
// validatePublishTopic/validateSubscribeTopic/validatePayload (topic.go)
// stay agnostic of whether the caller is mid-construction, mid-connect, or
// just validating before queuing an operation.
type clientOptions struct {
	MaxTopicLength int
	MaxPayloadSize int
}

// WillMessage is the Last Will and Testament the server publishes on the
// client's behalf if the connection is lost without a graceful DISCONNECT.
type WillMessage struct {
	Topic    string
	Payload  []byte
	QoS      QoS
	Retained bool
}

// ConnectOptions configures one connect attempt (spec.md section 3:
// "ConnectOptions (per connect attempt)").
type ConnectOptions struct {
	// Timeout bounds how long a single host/version attempt may take
	// before it is abandoned in favor of the next one. Default 30s.
	Timeout time.Duration

	Username    string
	HasUsername bool
	Password    string
	HasPassword bool

	Will *WillMessage

	// KeepAlive is the interval at which PINGREQ is sent when the
	// connection is otherwise idle. Default 60s; 0 disables pinging.
	KeepAlive time.Duration

	// CleanSession requests the server discard any prior session state
	// for this ClientID. Default true.
	CleanSession bool

	UseSSL bool

	// MQTTVersion is 3 (MQIsdp/3.1) or 4 (MQTT/3.1.1). Default 4.
	MQTTVersion uint8
	// mqttVersionSet records whether the caller explicitly chose
	// MQTTVersion, so version-fallback (spec.md section 4.6) knows
	// whether it's allowed to downgrade to 3 on its own.
	mqttVersionSet bool

	// URIs, if non-empty, is used as-is for multi-host failover.
	// Otherwise the URI list is built from Hosts x Ports x Path.
	URIs  []string
	Hosts []string
	Ports []int
	Path  string

	// Reconnect enables automatic reconnection with exponential backoff
	// after a previously established session is lost.
	Reconnect bool

	OnSuccess func()
	OnFailure func(err error)

	// InvocationContext is opaque caller state stored with the options.
	// The client does not read it, and OnSuccess/OnFailure do not receive
	// it.
	InvocationContext any
}

// DefaultConnectOptions returns a ConnectOptions populated with the spec's
// default values (spec.md section 3), ready to be overridden field by
// field. MQTTVersion is deliberately left unset (0): validateConnectOptions
// fills it in with wire.Version311 without marking it as caller-chosen, so
// the default path still allows automatic v4->v3 fallback (spec.md section
// 4.6). Callers that need to pin a version set MQTTVersion explicitly.
func DefaultConnectOptions() ConnectOptions {
	return ConnectOptions{
		Timeout:      30 * time.Second,
		KeepAlive:    60 * time.Second,
		CleanSession: true,
	}
}

// validateConnectOptions rejects malformed options before any state
// change, per spec.md section 4.6 ("Validate options (reject unknown
// keys, type-check, validate host/port pairing or URI list, range-check
// QoS and mqttVersion)") and section 7 (argument validation layer).
func validateConnectOptions(o *ConnectOptions) error {
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.KeepAlive < 0 {
		return newError(InvalidArgument, "KeepAlive must be >= 0")
	}
	if o.MQTTVersion == 0 {
		o.MQTTVersion = wire.Version311
	} else {
		o.mqttVersionSet = true
	}
	if o.MQTTVersion != wire.Version31 && o.MQTTVersion != wire.Version311 {
		return newError(InvalidArgument, "MQTTVersion must be 3 or 4, got %d", o.MQTTVersion)
	}
	if o.HasPassword && !o.HasUsername {
		return newError(InvalidArgument, "Password requires Username")
	}
	if o.Will != nil && o.Will.QoS > 2 {
		return newError(InvalidArgument, "Will QoS %d out of range", o.Will.QoS)
	}

	if len(o.URIs) == 0 {
		if len(o.Hosts) == 0 {
			return newError(InvalidArgument, "either URIs or Hosts must be set")
		}
		if len(o.Ports) != 0 && len(o.Ports) != len(o.Hosts) {
			return newError(InvalidArgument, "Ports must be empty or match Hosts in length")
		}
	}
	return nil
}

// buildURIList constructs the ordered list of candidate WebSocket URIs
// (spec.md section 4.6): either the explicit URIs, or one URI per host,
// pairing Hosts[i] with Ports[i] (80 or 443 when Ports is empty) and
// appending Path, bracketing IPv6 hosts and selecting ws:// or wss:// per
// UseSSL.
func buildURIList(o ConnectOptions) []string {
	if len(o.URIs) > 0 {
		return append([]string(nil), o.URIs...)
	}

	scheme := "ws"
	if o.UseSSL {
		scheme = "wss"
	}
	path := o.Path
	if path != "" && path[0] != '/' {
		path = "/" + path
	}

	ports := o.Ports
	defaultPort := 80
	if o.UseSSL {
		defaultPort = 443
	}

	uris := make([]string, 0, len(o.Hosts))
	for i, host := range o.Hosts {
		h := host
		if strings.Contains(h, ":") && !strings.HasPrefix(h, "[") {
			h = "[" + h + "]"
		}
		port := defaultPort
		if i < len(ports) {
			port = ports[i]
		}
		uris = append(uris, fmt.Sprintf("%s://%s:%d%s", scheme, h, port, path))
	}
	return uris
}
