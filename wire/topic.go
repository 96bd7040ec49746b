package wire

import (
	"errors"
	"fmt"
	"strings"
)

// topicPrefix is the only externally valid topic scheme.
const topicPrefix = "room:"

// ErrInvalidTopic is returned for any string not of the form
// room:<platform>/<room-id>.
var ErrInvalidTopic = errors.New("wire: invalid topic")

// RoomKey is a parsed topic: one room on one platform. Platform is normalized
// to lower case; the room id is case-sensitive.
type RoomKey struct {
	Platform string
	Room     string
}

// ParseTopic parses and validates a topic string.
func ParseTopic(s string) (RoomKey, error) {
	rest, ok := strings.CutPrefix(s, topicPrefix)
	if !ok {
		return RoomKey{}, fmt.Errorf("%w: %q", ErrInvalidTopic, s)
	}
	platform, room, ok := strings.Cut(rest, "/")
	if !ok || platform == "" || room == "" {
		return RoomKey{}, fmt.Errorf("%w: %q", ErrInvalidTopic, s)
	}
	return RoomKey{Platform: strings.ToLower(platform), Room: room}, nil
}

// String renders the canonical topic form.
func (k RoomKey) String() string {
	return topicPrefix + k.Platform + "/" + k.Room
}

// Topic is a convenience for building the canonical topic string.
func Topic(platform, room string) string {
	return RoomKey{Platform: strings.ToLower(platform), Room: room}.String()
}
