// Command devicesim publishes synthetic pet telemetry over MQTT or Kafka.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"vitalpaw/internal/config"
	"vitalpaw/internal/kafka"
	"vitalpaw/internal/logger"
	"vitalpaw/internal/models"
)

var movements = []string{"resting", "walking", "running", "sleeping"}

type publisher interface {
	publish(ctx context.Context, readings []models.BiometricReading) error
	close()
}

type mqttPublisher struct {
	client paho.Client
	topic  string
	qos    byte
}

func newMQTTPublisher(cfg config.MQTTConfig) (*mqttPublisher, error) {
	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID("vitalpaw-devicesim-" + uuid.NewString()).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetAutoReconnect(true)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := paho.NewClient(opts)
	tok := client.Connect()
	if !tok.WaitTimeout(cfg.ConnectTimeout) {
		return nil, fmt.Errorf("connect to %s timed out", cfg.Broker)
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", cfg.Broker, err)
	}

	// pet/biometric/+ -> pet/biometric/<petId>
	topic := strings.TrimSuffix(cfg.Topic, "+")
	return &mqttPublisher{client: client, topic: topic, qos: byte(cfg.QoS)}, nil
}

func (p *mqttPublisher) publish(_ context.Context, readings []models.BiometricReading) error {
	for _, r := range readings {
		payload, err := r.Encode()
		if err != nil {
			return err
		}
		tok := p.client.Publish(p.topic+r.PetID, p.qos, false, payload)
		if !tok.WaitTimeout(5 * time.Second) {
			return fmt.Errorf("publish %s timed out", r.PetID)
		}
		if err := tok.Error(); err != nil {
			return err
		}
	}
	return nil
}

func (p *mqttPublisher) close() { p.client.Disconnect(250) }

type kafkaPublisher struct {
	producer *kafka.Producer
}

func (p *kafkaPublisher) publish(ctx context.Context, readings []models.BiometricReading) error {
	return p.producer.PublishBatch(ctx, readings)
}

func (p *kafkaPublisher) close() { p.producer.Close() }

// simulate draws a reading; abnormal readings leave the default bounds.
func simulate(rng *rand.Rand, petID string, abnormalRate float64) models.BiometricReading {
	r := models.BiometricReading{
		PetID:       petID,
		HeartRate:   float64(70 + rng.Intn(40)),
		Temperature: 37.5 + rng.Float64()*1.5,
		Movement:    movements[rng.Intn(len(movements))],
	}
	if rng.Float64() < abnormalRate {
		if rng.Intn(2) == 0 {
			r.HeartRate = float64(130 + rng.Intn(50))
		} else {
			r.Temperature = 39.8 + rng.Float64()
		}
	}
	r.Temperature = float64(int(r.Temperature*10)) / 10
	return r
}

func main() {
	var (
		transport = flag.String("transport", config.SourceMQTT, "mqtt or kafka")
		pets      = flag.String("pets", "rex,bella,max", "comma separated pet ids")
		interval  = flag.Duration("interval", time.Second, "time between rounds")
		rounds    = flag.Int("rounds", 0, "rounds to publish, 0 runs until interrupted")
		abnormal  = flag.Float64("abnormal", 0.1, "share of abnormal readings")
	)
	flag.Parse()

	cfg, err := config.Load(os.Getenv("VITALPAW_CONFIG"))
	if err != nil {
		logger.Init("info")
		logger.Logger.Fatal().Err(err).Msg("invalid configuration")
	}
	logger.Init(cfg.LogLevel)
	log := logger.WithComponent("devicesim")

	var pub publisher
	switch *transport {
	case config.SourceMQTT:
		pub, err = newMQTTPublisher(cfg.MQTT)
	case config.SourceKafka:
		var producer *kafka.Producer
		producer, err = kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.Producer)
		pub = &kafkaPublisher{producer: producer}
	default:
		err = fmt.Errorf("unknown transport %q", *transport)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create publisher")
	}
	defer pub.close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ids := strings.Split(*pets, ",")
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	for round := 1; *rounds == 0 || round <= *rounds; round++ {
		readings := make([]models.BiometricReading, 0, len(ids))
		for _, id := range ids {
			readings = append(readings, simulate(rng, strings.TrimSpace(id), *abnormal))
		}

		if err := pub.publish(ctx, readings); err != nil {
			log.Error().Err(err).Int("round", round).Msg("publish failed")
		} else {
			log.Debug().Int("round", round).Int("readings", len(readings)).Msg("published")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
