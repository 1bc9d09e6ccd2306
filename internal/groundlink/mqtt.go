// Package groundlink bridges telemetry to an MQTT broker for bench and
// integration rigs: every downlinked frame is published per-type, and
// commands published by ground tooling are queued for the command router.
//
// The bridge is optional and configuration-gated; flight builds run without
// a broker and lose nothing.
package groundlink

import (
	"fmt"
	"net/url"
	"strings"
	"sync"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/uorocketry/phoenix/internal/canbus"
)

// Config selects and locates the broker.
type Config struct {
	Enable      bool   `yaml:"enable"`
	BrokerURL   string `yaml:"broker_url"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// Bridge owns the MQTT client. Publishing is fire-and-forget at QoS 0; a
// slow broker must never stall the telemetry task.
type Bridge struct {
	client paho.Client
	prefix string

	mu      sync.Mutex
	pending []canbus.Command
}

// clientOptionsFromURL accepts mqtt://host:port/prefix and friends; an
// empty scheme means tcp.
func clientOptionsFromURL(serverURL string) (*paho.ClientOptions, string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, "", err
	}
	var server string
	if u.Scheme == "" || u.Scheme == "mqtt" {
		server = "tcp"
	} else {
		server = u.Scheme
	}
	server += "://" + u.Host

	topicPrefix := strings.TrimPrefix(u.Path, "/")

	opts := paho.NewClientOptions()
	opts.AddBroker(server)
	opts.SetAutoReconnect(true)
	return opts, topicPrefix, nil
}

func New(cfg Config, board canbus.BoardID) (*Bridge, error) {
	opts, urlPrefix, err := clientOptionsFromURL(cfg.BrokerURL)
	if err != nil {
		return nil, fmt.Errorf("groundlink: broker url %q: %w", cfg.BrokerURL, err)
	}
	prefix := cfg.TopicPrefix
	if prefix == "" {
		prefix = urlPrefix
	}
	if prefix == "" {
		prefix = "phoenix"
	}
	opts.SetClientID(fmt.Sprintf("phoenix-board-%d", board))

	b := &Bridge{prefix: prefix}
	b.client = paho.NewClient(opts)
	return b, nil
}

// Connect dials the broker and subscribes to the command topic. The command
// payload is [opcode][arg hi][arg lo].
func (b *Bridge) Connect() error {
	if token := b.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("groundlink: connect: %w", token.Error())
	}
	topic := b.prefix + "/cmd"
	token := b.client.Subscribe(topic, 0, func(_ paho.Client, m paho.Message) {
		p := m.Payload()
		if len(p) != 3 {
			return
		}
		cmd := canbus.Command{Opcode: p[0], Arg: uint16(p[1])<<8 | uint16(p[2])}
		b.mu.Lock()
		b.pending = append(b.pending, cmd)
		b.mu.Unlock()
	})
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("groundlink: subscribe %s: %w", topic, token.Error())
	}
	return nil
}

// Send publishes one frame to <prefix>/<board>/<type>. Implements the
// telemetry downlink interface.
func (b *Bridge) Send(f canbus.Frame) error {
	_, mt, board := canbus.DecodeID(f.ID)
	topic := fmt.Sprintf("%s/%d/%s", b.prefix, board, mt)
	b.client.Publish(topic, 0, false, f.Data)
	return nil
}

// PendingCommands drains commands received from the broker since the last
// call. Safe to call from the executor goroutine while the paho handler
// appends.
func (b *Bridge) PendingCommands() []canbus.Command {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.pending
	b.pending = nil
	return out
}

// Close disconnects from the broker.
func (b *Bridge) Close() {
	b.client.Disconnect(250)
}
