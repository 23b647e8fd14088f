package redpanda

import (
	"github.com/twmb/franz-go/pkg/kgo"
)

// HeaderCarrier adapts record headers to the OpenTelemetry propagation carrier
type HeaderCarrier struct {
	record *kgo.Record
}

// NewHeaderCarrier wraps record
func NewHeaderCarrier(record *kgo.Record) HeaderCarrier {
	return HeaderCarrier{record: record}
}

// Get returns the first header value for key
func (c HeaderCarrier) Get(key string) string {
	for _, h := range c.record.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

// Set replaces any header named key
func (c HeaderCarrier) Set(key, value string) {
	for i, h := range c.record.Headers {
		if h.Key == key {
			c.record.Headers[i].Value = []byte(value)
			return
		}
	}
	c.record.Headers = append(c.record.Headers, kgo.RecordHeader{Key: key, Value: []byte(value)})
}

// Keys lists the header names
func (c HeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(c.record.Headers))
	for _, h := range c.record.Headers {
		keys = append(keys, h.Key)
	}
	return keys
}
