// Package mqttfeed subscribes to the greenhouse sensor topics on an MQTT v5
// broker and hands every message to the ingestion service.
package mqttfeed

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/eclipse/paho.golang/paho"
	"github.com/rs/zerolog"

	"horse.fit/greenhouse/internal/ingest"
	"horse.fit/greenhouse/internal/reading"
)

const (
	DefaultKeepAlive      = 30
	DefaultReconnectDelay = 5 * time.Second

	readingTopic = "reading"
)

var ErrUnsupportedTopic = errors.New("unsupported topic")

type Ingester interface {
	Ingest(ctx context.Context, raw reading.Raw, source string) (ingest.Result, error)
}

type Options struct {
	BrokerURL      string
	TopicPrefix    string
	ClientID       string
	Username       string
	Password       string
	KeepAlive      uint16
	ReconnectDelay time.Duration
}

type Feed struct {
	ingester Ingester
	logger   zerolog.Logger
	opts     Options
	network  string
	address  string
}

func New(ingester Ingester, logger zerolog.Logger, opts Options) (*Feed, error) {
	if ingester == nil {
		return nil, fmt.Errorf("ingester is required")
	}
	opts.TopicPrefix = strings.Trim(strings.TrimSpace(opts.TopicPrefix), "/")
	if opts.TopicPrefix == "" {
		return nil, fmt.Errorf("topic prefix is required")
	}
	if strings.TrimSpace(opts.ClientID) == "" {
		opts.ClientID = "greenhouse-ingest"
	}
	if opts.KeepAlive == 0 {
		opts.KeepAlive = DefaultKeepAlive
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}

	network, address, err := parseBrokerURL(opts.BrokerURL)
	if err != nil {
		return nil, err
	}

	return &Feed{
		ingester: ingester,
		logger:   logger.With().Str("component", "mqtt_feed").Str("broker", address).Logger(),
		opts:     opts,
		network:  network,
		address:  address,
	}, nil
}

// Filter is the subscription filter, one level below the prefix.
func (f *Feed) Filter() string {
	return f.opts.TopicPrefix + "/+"
}

// Run keeps a session open until ctx is cancelled, reconnecting after
// connection loss.
func (f *Feed) Run(ctx context.Context) error {
	for {
		err := f.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		f.logger.Warn().Err(err).Dur("retry_in", f.opts.ReconnectDelay).Msg("mqtt session ended")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(f.opts.ReconnectDelay):
		}
	}
}

func (f *Feed) session(ctx context.Context) error {
	var d net.Dialer
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, err := d.DialContext(dialCtx, f.network, f.address)
	cancel()
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}

	lost := make(chan error, 2)
	client := paho.NewClient(paho.ClientConfig{
		ClientID: f.opts.ClientID,
		Conn:     conn,
		OnClientError: func(err error) {
			select {
			case lost <- err:
			default:
			}
		},
		OnServerDisconnect: func(d *paho.Disconnect) {
			select {
			case lost <- fmt.Errorf("server disconnect: reason %d", d.ReasonCode):
			default:
			}
		},
	})
	client.AddOnPublishReceived(func(pr paho.PublishReceived) (bool, error) {
		if err := f.HandleMessage(ctx, pr.Packet.Topic, pr.Packet.Payload); err != nil {
			f.logger.Warn().Err(err).Str("topic", pr.Packet.Topic).Msg("mqtt message dropped")
		}
		return true, nil
	})

	connect := &paho.Connect{
		ClientID:   f.opts.ClientID,
		KeepAlive:  f.opts.KeepAlive,
		CleanStart: true,
	}
	if f.opts.Username != "" {
		connect.Username = f.opts.Username
		connect.UsernameFlag = true
	}
	if f.opts.Password != "" {
		connect.Password = []byte(f.opts.Password)
		connect.PasswordFlag = true
	}

	connack, err := client.Connect(ctx, connect)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("connect: %w", err)
	}
	if connack.ReasonCode != 0 {
		_ = conn.Close()
		return fmt.Errorf("connect refused: reason %d", connack.ReasonCode)
	}

	if _, err := client.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: f.Filter(), QoS: 1}},
	}); err != nil {
		_ = client.Disconnect(&paho.Disconnect{ReasonCode: 0})
		return fmt.Errorf("subscribe %s: %w", f.Filter(), err)
	}
	f.logger.Info().Str("filter", f.Filter()).Msg("mqtt feed subscribed")

	select {
	case <-ctx.Done():
		_ = client.Disconnect(&paho.Disconnect{ReasonCode: 0})
		return ctx.Err()
	case err := <-lost:
		_ = conn.Close()
		return err
	}
}

// HandleMessage decodes one broker message and ingests it. Per-sensor
// topics carry a bare value; the reading topic carries a JSON payload.
func (f *Feed) HandleMessage(ctx context.Context, topic string, payload []byte) error {
	sensor, ok := strings.CutPrefix(topic, f.opts.TopicPrefix+"/")
	if !ok || sensor == "" || strings.Contains(sensor, "/") {
		return fmt.Errorf("%w: %s", ErrUnsupportedTopic, topic)
	}

	var raw reading.Raw
	if sensor == readingTopic {
		decoded, err := reading.DecodeRaw(payload)
		if err != nil {
			return err
		}
		raw = decoded
	} else if err := raw.Fields.SetText(sensor, string(payload)); err != nil {
		if errors.Is(err, reading.ErrUnknownField) {
			return fmt.Errorf("%w: %s", ErrUnsupportedTopic, topic)
		}
		return err
	}

	res, err := f.ingester.Ingest(ctx, raw, reading.SourceMQTT)
	if err != nil {
		return err
	}
	f.logger.Debug().
		Str("topic", topic).
		Str("action", string(res.Action)).
		Int64("reading_id", res.Reading.ID).
		Msg("mqtt reading ingested")
	return nil
}

func parseBrokerURL(raw string) (string, string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", "", fmt.Errorf("broker url is required")
	}
	if !strings.Contains(raw, "://") {
		raw = "tcp://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("parse broker url: %w", err)
	}
	switch u.Scheme {
	case "tcp", "mqtt":
	default:
		return "", "", fmt.Errorf("unsupported broker scheme %q", u.Scheme)
	}
	host := u.Host
	if u.Port() == "" {
		host = net.JoinHostPort(u.Hostname(), "1883")
	}
	return "tcp", host, nil
}
