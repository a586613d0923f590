package bus

import (
	"testing"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"

	"github.com/anirbansen/tradepulse/internal/config"
)

func TestSignalSubjectsIncludesFallback(t *testing.T) {
	cfg := config.BusConfig{
		SignalTopic:         "trading-signals-v2",
		SignalTopicFallback: "strategy-signals",
	}
	assert.Equal(t, []string{"trading-signals-v2", "strategy-signals"}, signalSubjects(cfg))
}

func TestSignalSubjectsSkipsEmptyAndDuplicateFallback(t *testing.T) {
	cfg := config.BusConfig{SignalTopic: "trading-signals-v2"}
	assert.Equal(t, []string{"trading-signals-v2"}, signalSubjects(cfg))

	cfg.SignalTopicFallback = "trading-signals-v2"
	assert.Equal(t, []string{"trading-signals-v2"}, signalSubjects(cfg))
}

func TestSignalConsumerConfig(t *testing.T) {
	cfg := config.BusConfig{
		SignalTopic:         "trading-signals-v2",
		SignalTopicFallback: "strategy-signals",
		DurableName:         "tradepulse-engine",
	}
	cc := signalConsumerConfig(cfg)

	assert.Equal(t, "tradepulse-engine", cc.Durable)
	assert.Equal(t, jetstream.AckExplicitPolicy, cc.AckPolicy)
	assert.Equal(t, signalAckWait, cc.AckWait)
	assert.Equal(t, maxDeliver, cc.MaxDeliver)
	assert.Len(t, cc.FilterSubjects, 2)
}
