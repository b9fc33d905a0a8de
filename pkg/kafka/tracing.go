package kafka

import (
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/propagation"
)

// KafkaHeaderCarrier adapts kafka message headers to an OpenTelemetry
// TextMapCarrier so trace context travels with published events.
type KafkaHeaderCarrier struct {
	headers *[]kafka.Header
}

var _ propagation.TextMapCarrier = (*KafkaHeaderCarrier)(nil)

// NewKafkaHeaderCarrier wraps the given header slice.
func NewKafkaHeaderCarrier(headers *[]kafka.Header) *KafkaHeaderCarrier {
	return &KafkaHeaderCarrier{headers: headers}
}

// Get returns the value of the first header named key.
func (c *KafkaHeaderCarrier) Get(key string) string {
	for _, h := range *c.headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

// Set replaces the header named key, or appends it.
func (c *KafkaHeaderCarrier) Set(key, value string) {
	for i, h := range *c.headers {
		if h.Key == key {
			(*c.headers)[i].Value = []byte(value)
			return
		}
	}
	*c.headers = append(*c.headers, kafka.Header{Key: key, Value: []byte(value)})
}

// Keys lists all header names.
func (c *KafkaHeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(*c.headers))
	for _, h := range *c.headers {
		keys = append(keys, h.Key)
	}
	return keys
}
