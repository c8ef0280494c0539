package sighting

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"beaconkit/internal/beacon"
	"beaconkit/internal/config"
)

// wirePayload is the JSON document published by scanners on
// beacons/<scanner>/sightings.
type wirePayload struct {
	ID1           string `json:"id1"`
	ID2           uint16 `json:"id2"`
	ID3           uint16 `json:"id3"`
	RSSI          int    `json:"rssi"`
	MeasuredPower int    `json:"measured_power"`
	Timestamp     string `json:"timestamp"`
}

// MQTTSource subscribes to a broker topic and delivers each published
// sighting to the handler.
type MQTTSource struct {
	broker   string
	topic    string
	clientID string
	logger   Logger

	client mqtt.Client

	mu      sync.Mutex
	wg      sync.WaitGroup
	stopped bool
}

var _ Source = (*MQTTSource)(nil)

// NewMQTTSource builds a source from the sighting configuration.
func NewMQTTSource(cfg *config.SightingConfig, logger Logger) *MQTTSource {
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("beaconkit-%d", time.Now().UnixNano())
	}
	return &MQTTSource{
		broker:   cfg.Broker,
		topic:    cfg.Topic,
		clientID: clientID,
		logger:   logger,
	}
}

// Start connects to the broker and subscribes. Malformed payloads are
// logged and dropped; they never reach the handler.
func (s *MQTTSource) Start(handler Handler) error {
	opts := mqtt.NewClientOptions().AddBroker(s.broker).SetClientID(s.clientID)
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetOrderMatters(false)

	s.client = mqtt.NewClient(opts)
	if token := s.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("connecting to MQTT broker %s: %w", s.broker, token.Error())
	}

	callback := func(_ mqtt.Client, msg mqtt.Message) {
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			return
		}
		s.wg.Add(1)
		s.mu.Unlock()
		defer s.wg.Done()

		b, err := decodeSighting(msg.Payload())
		if err != nil {
			s.logger.Error("dropping malformed sighting", "topic", msg.Topic(), "error", err)
			return
		}
		s.logger.Debug("sighting received", "topic", msg.Topic(), "pid", b.PID(), "rssi", b.RSSI)
		handler(b)
	}

	if token := s.client.Subscribe(s.topic, 0, callback); token.Wait() && token.Error() != nil {
		s.client.Disconnect(250)
		return fmt.Errorf("subscribing to topic %s: %w", s.topic, token.Error())
	}

	s.logger.Info("sighting source started", "broker", s.broker, "topic", s.topic)
	return nil
}

// Stop unsubscribes, waits for in-flight handler calls, and disconnects.
func (s *MQTTSource) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	if s.client != nil {
		if token := s.client.Unsubscribe(s.topic); token.Wait() && token.Error() != nil {
			s.logger.Error("failed to unsubscribe", "topic", s.topic, "error", token.Error())
		}
	}
	s.wg.Wait()
	if s.client != nil {
		s.client.Disconnect(250)
	}
}

func decodeSighting(payload []byte) (beacon.Beacon, error) {
	var doc wirePayload
	if err := json.Unmarshal(payload, &doc); err != nil {
		return beacon.Beacon{}, fmt.Errorf("decoding sighting payload: %w", err)
	}

	b, err := beacon.New(doc.ID1, doc.ID2, doc.ID3)
	if err != nil {
		return beacon.Beacon{}, fmt.Errorf("invalid beacon identity: %w", err)
	}
	b.RSSI = doc.RSSI
	b.MeasuredPower = doc.MeasuredPower

	if doc.Timestamp != "" {
		ts, err := time.Parse(time.RFC3339Nano, doc.Timestamp)
		if err != nil {
			return beacon.Beacon{}, fmt.Errorf("invalid sighting timestamp: %w", err)
		}
		b.SeenAt = ts
	} else {
		b.SeenAt = time.Now()
	}
	return b, nil
}
