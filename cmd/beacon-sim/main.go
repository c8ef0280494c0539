package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type sightingPayload struct {
	ID1           string `json:"id1"`
	ID2           uint16 `json:"id2"`
	ID3           uint16 `json:"id3"`
	RSSI          int    `json:"rssi"`
	MeasuredPower int    `json:"measured_power"`
	Timestamp     string `json:"timestamp"`
}

func main() {
	brokerAddr := flag.String("broker", "tcp://localhost:1883", "MQTT broker address, e.g. tcp://localhost:1883")
	scannerID := flag.String("scanner-id", "sim-scanner-1", "Scanner identifier used in the topic")
	id1 := flag.String("id1", "7367672374000000ffff0000ffff0003", "Beacon proximity UUID (32 hex chars)")
	id2 := flag.Uint("id2", 48869, "Beacon major value")
	id3 := flag.Uint("id3", 21321, "Beacon minor value")
	interval := flag.Duration("interval", 2*time.Second, "Interval between published sightings")
	baseRSSI := flag.Int("base-rssi", -60, "Baseline RSSI value to simulate")
	rssiJitter := flag.Int("rssi-jitter", 6, "Maximum random jitter applied to RSSI readings")
	measuredPower := flag.Int("measured-power", -59, "Calibrated power at one meter")

	flag.Parse()

	clientID := fmt.Sprintf("%s-simulator-%d", *scannerID, time.Now().UnixNano())
	opts := mqtt.NewClientOptions().AddBroker(*brokerAddr).SetClientID(clientID)
	opts = opts.SetOrderMatters(false)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		log.Fatalf("failed to connect to broker: %v", token.Error())
	}
	log.Printf("connected to MQTT broker %s as %s", *brokerAddr, clientID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	publish := func() {
		payload := sightingPayload{
			ID1:           *id1,
			ID2:           uint16(*id2),
			ID3:           uint16(*id3),
			RSSI:          randomRSSI(*baseRSSI, *rssiJitter),
			MeasuredPower: *measuredPower,
			Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
		}

		data, err := json.Marshal(payload)
		if err != nil {
			log.Printf("failed to encode payload: %v", err)
			return
		}

		topic := fmt.Sprintf("beacons/%s/sightings", *scannerID)
		token := client.Publish(topic, 0, false, data)
		token.Wait()
		if err := token.Error(); err != nil {
			log.Printf("publish error: %v", err)
			return
		}
		log.Printf("published %s rssi=%d", topic, payload.RSSI)
	}

	publish()

	for {
		select {
		case <-ctx.Done():
			log.Print("received shutdown signal, disconnecting")
			client.Disconnect(250)
			return
		case <-ticker.C:
			publish()
		}
	}
}

func randomRSSI(base, jitter int) int {
	if jitter <= 0 {
		return base
	}
	delta := rand.Intn(jitter*2+1) - jitter
	return base + delta
}
