// Package transfer derives transfer identity from MQTT message addressing.
//
// Devices talk to the gateway over topics of the form
// "{namespace}/{device}/{channel}". A transfer is identified by the pair
// (device, transfer name); the name is chosen by the device and is only
// unique while the transfer is in flight.
package transfer

import (
	"errors"
	"fmt"
	"strings"
)

// DefaultNamespace is the topic namespace used by the camera firmware.
const DefaultNamespace = "ESP32CAM"

var (
	ErrTopicSegments  = errors.New("topic must have exactly three segments")
	ErrEmptyDevice    = errors.New("topic has an empty device segment")
	ErrUnknownChannel = errors.New("unknown channel")
)

// DeviceID is the hardware address of a physical unit (MAC without colons).
type DeviceID string

// Channel is the last topic segment.
type Channel string

const (
	ChannelData   Channel = "data"
	ChannelStatus Channel = "status"
	ChannelCmd    Channel = "cmd"
	ChannelAck    Channel = "ack"
)

// Valid reports whether c is one of the known channels.
func (c Channel) Valid() bool {
	switch c {
	case ChannelData, ChannelStatus, ChannelCmd, ChannelAck:
		return true
	default:
		return false
	}
}

// Topic is a parsed three-segment message address.
type Topic struct {
	Namespace string
	Device    DeviceID
	Channel   Channel
}

// String returns the wire form of the topic.
func (t Topic) String() string {
	return t.Namespace + "/" + string(t.Device) + "/" + string(t.Channel)
}

// ParseTopic parses "{namespace}/{device}/{channel}".
func ParseTopic(s string) (Topic, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 {
		return Topic{}, fmt.Errorf("%w: %q", ErrTopicSegments, s)
	}
	if parts[1] == "" {
		return Topic{}, fmt.Errorf("%w: %q", ErrEmptyDevice, s)
	}
	ch := Channel(parts[2])
	if !ch.Valid() {
		return Topic{}, fmt.Errorf("%w: %q", ErrUnknownChannel, parts[2])
	}
	return Topic{Namespace: parts[0], Device: DeviceID(parts[1]), Channel: ch}, nil
}

// TopicFor builds the topic string for a device channel.
func TopicFor(namespace string, device DeviceID, ch Channel) string {
	return Topic{Namespace: namespace, Device: device, Channel: ch}.String()
}

// Pattern returns the single-level wildcard subscription for a channel
// across all devices in the namespace.
func Pattern(namespace string, ch Channel) string {
	return namespace + "/+/" + string(ch)
}

// Key identifies one in-flight transfer.
type Key struct {
	Device DeviceID
	Name   string
}

func (k Key) String() string {
	return string(k.Device) + "/" + k.Name
}

// KeyFor derives the transfer key for a named transfer received on topic.
func KeyFor(topic Topic, name string) Key {
	return Key{Device: topic.Device, Name: name}
}
