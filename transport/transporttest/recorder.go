// Package transporttest provides an in-memory Publisher for tests.
package transporttest

import (
	"encoding/json"
	"sync"
)

// Message is one recorded publish.
type Message struct {
	Topic   string
	Payload []byte
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	return json.Unmarshal(m.Payload, v)
}

// Recorder records every Publish call. Set Err to make publishes fail.
type Recorder struct {
	mu   sync.Mutex
	msgs []Message
	err  error
}

// Publish records the message, or returns the configured error.
func (r *Recorder) Publish(topic string, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.msgs = append(r.msgs, Message{Topic: topic, Payload: append([]byte(nil), payload...)})
	return nil
}

// SetErr makes subsequent publishes fail with err. nil restores success.
func (r *Recorder) SetErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

// Messages returns a copy of all recorded messages.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.msgs...)
}

// On returns the messages published to topic.
func (r *Recorder) On(topic string) []Message {
	var out []Message
	for _, m := range r.Messages() {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

// Reset discards recorded messages.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = nil
}
