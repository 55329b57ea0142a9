package mqtt

import (
	"net/url"
	"strings"
)

// DefaultTopicPrefix is used when Topics.Prefix is empty.
const DefaultTopicPrefix = "robotlink"

// groupEscaper keeps group names to a single topic level. Robot identifiers
// are client-supplied and may contain MQTT separators or wildcards.
var groupEscaper = strings.NewReplacer(
	"%", "%25",
	"/", "%2F",
	"+", "%2B",
	"#", "%23",
)

// Topics builds RobotLink topic names under a configurable prefix.
//
//	t := mqtt.Topics{Prefix: "robotlink"}
//	t.Group("frontend_updates") // robotlink/group/frontend_updates
//	t.AllGroups()               // robotlink/group/+
type Topics struct {
	Prefix string
}

func (t Topics) prefix() string {
	if t.Prefix == "" {
		return DefaultTopicPrefix
	}
	return strings.TrimSuffix(t.Prefix, "/")
}

// Group returns the topic carrying messages for a pub/sub group.
func (t Topics) Group(name string) string {
	return t.prefix() + "/group/" + groupEscaper.Replace(name)
}

// AllGroups returns the wildcard matching every group topic.
func (t Topics) AllGroups() string {
	return t.prefix() + "/group/+"
}

// GroupFromTopic extracts the group name from a topic produced by Group.
// ok is false for topics outside the group namespace.
func (t Topics) GroupFromTopic(topic string) (name string, ok bool) {
	base := t.prefix() + "/group/"
	if !strings.HasPrefix(topic, base) {
		return "", false
	}
	escaped := strings.TrimPrefix(topic, base)
	if escaped == "" || strings.Contains(escaped, "/") {
		return "", false
	}
	name, err := url.PathUnescape(escaped)
	if err != nil {
		return "", false
	}
	return name, true
}

// SystemStatus returns the retained topic carrying this instance's
// online/offline status and its Last Will.
func (t Topics) SystemStatus() string {
	return t.prefix() + "/system/status"
}
