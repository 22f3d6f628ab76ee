package mqttclient

import "strings"

// Topic channel suffixes. Device topics follow the grammar
// <namespace>/<deviceSerial>/<capability>/<control|data>.
const (
	ChannelControl = "control"
	ChannelData    = "data"
)

// DefaultNamespace is the topic namespace used by the current device fleet
const DefaultNamespace = "ekco/v1"

// Topic builds a concrete device topic from its parts
func Topic(namespace, serial, capability, channel string) string {
	return namespace + "/" + serial + "/" + capability + "/" + channel
}

// ControlTopic builds the control-channel topic for a device capability
func ControlTopic(namespace, serial, capability string) string {
	return Topic(namespace, serial, capability, ChannelControl)
}

// DataTopic builds the data-channel topic for a device capability
func DataTopic(namespace, serial, capability string) string {
	return Topic(namespace, serial, capability, ChannelData)
}

// WildcardTopic builds a single-level wildcard filter matching the given
// capability/channel pair for every device in the namespace.
func WildcardTopic(namespace, capability, channel string) string {
	return Topic(namespace, "+", capability, channel)
}

// DeviceFromTopic extracts the device serial from a concrete topic, given the
// namespace it was published under. Returns "" when the topic does not belong
// to the namespace or has no serial segment.
func DeviceFromTopic(namespace, topic string) string {
	rest, ok := strings.CutPrefix(topic, namespace+"/")
	if !ok {
		return ""
	}
	serial, _, ok := strings.Cut(rest, "/")
	if !ok {
		return ""
	}
	return serial
}

// MatchTopic reports whether a concrete topic matches an MQTT topic filter.
// Supports the "+" single-level and "#" multi-level wildcards.
func MatchTopic(filter, topic string) bool {
	filterParts := strings.Split(filter, "/")
	topicParts := strings.Split(topic, "/")

	for i, part := range filterParts {
		if part == "#" {
			return true
		}
		if i >= len(topicParts) {
			return false
		}
		if part != "+" && part != topicParts[i] {
			return false
		}
	}
	return len(filterParts) == len(topicParts)
}
