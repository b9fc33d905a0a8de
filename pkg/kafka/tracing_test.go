package kafka

import (
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
)

func TestKafkaHeaderCarrier(t *testing.T) {
	headers := []kafka.Header{{Key: "existing", Value: []byte("v1")}}
	carrier := NewKafkaHeaderCarrier(&headers)

	assert.Equal(t, "v1", carrier.Get("existing"))
	assert.Equal(t, "", carrier.Get("missing"))

	carrier.Set("traceparent", "00-abc-def-01")
	carrier.Set("existing", "v2")

	assert.Equal(t, "v2", carrier.Get("existing"))
	assert.Equal(t, "00-abc-def-01", carrier.Get("traceparent"))
	assert.ElementsMatch(t, []string{"existing", "traceparent"}, carrier.Keys())
	assert.Len(t, headers, 2)
}
