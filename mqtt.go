package main

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type MQTTConfig struct {
	Broker   string // e.g. tcp://localhost:1883
	Topic    string
	ClientID string
	Log      *Logger
}

// StatePublisher mirrors every changed DisplayState to an MQTT topic as a
// retained JSON message, so signage clients that connect late get the
// current screen immediately.
type StatePublisher struct {
	cfg     MQTTConfig
	client  mqtt.Client
	display *Display
	metrics *Metrics
}

func NewStatePublisher(cfg MQTTConfig, d *Display, m *Metrics) *StatePublisher {
	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf("statsticker-%d", time.Now().Unix())
	}
	return &StatePublisher{cfg: cfg, display: d, metrics: m}
}

func (p *StatePublisher) Connect() error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(p.cfg.Broker)
	opts.SetClientID(p.cfg.ClientID)

	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectTimeout(10 * time.Second)

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(1 * time.Minute)

	opts.SetOnConnectHandler(func(mqtt.Client) {
		p.cfg.Log.Infof("connected to %s, publishing to %s", p.cfg.Broker, p.cfg.Topic)
		// Re-assert the retained state after (re)connect.
		go p.publish(p.display.Snapshot())
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		p.cfg.Log.Warnf("connection lost: %v (will reconnect)", err)
	})

	p.client = mqtt.NewClient(opts)
	token := p.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("connect to %s: %w", p.cfg.Broker, token.Error())
	}
	return nil
}

// Run publishes the current state and then each change until ctx is done.
func (p *StatePublisher) Run(ctx context.Context) {
	updates, cancel := p.display.Subscribe()
	defer cancel()
	defer p.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case st := <-updates:
			p.publish(st)
		}
	}
}

func (p *StatePublisher) publish(st DisplayState) {
	if p.client == nil || !p.client.IsConnected() {
		p.metrics.MQTTPublished(false)
		p.cfg.Log.Debugf("not connected, skipping state seq=%d", st.Seq)
		return
	}
	b, err := jsonAPI.Marshal(st)
	if err != nil {
		p.metrics.MQTTPublished(false)
		p.cfg.Log.Errorf("encode state: %v", err)
		return
	}
	token := p.client.Publish(p.cfg.Topic, 1, true, b)
	if !token.WaitTimeout(5*time.Second) || token.Error() != nil {
		p.metrics.MQTTPublished(false)
		p.cfg.Log.Warnf("publish seq=%d failed: %v", st.Seq, token.Error())
		return
	}
	p.metrics.MQTTPublished(true)
}

func (p *StatePublisher) Stop() {
	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(250)
	}
}
