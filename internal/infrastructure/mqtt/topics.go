package mqtt

import (
	"fmt"
	"strings"
)

// TopicPrefix is the root of every topic the daemon publishes or subscribes to.
//
// Topic layout:
//
//	knxproc/status                      daemon online/offline (retained, LWT)
//	knxproc/event/{kind}/{ga}           every group event observed on the bus
//	knxproc/state/{ga}                  last known value of a group address (retained)
//	knxproc/command/{ga}                write requests from other services
//
// Group addresses appear in topics as main/middle/sub, so "1/2/3" yields
// three topic levels.
const TopicPrefix = "knxproc"

// Topics provides builders for the daemon's MQTT topics.
type Topics struct{}

// Status returns the daemon status topic.
//
// Example: knxproc/status
func (Topics) Status() string {
	return TopicPrefix + "/status"
}

// Event returns the topic for one group event.
//
// Example: knxproc/event/group.write/1/2/3
func (Topics) Event(kind, ga string) string {
	return fmt.Sprintf("%s/event/%s/%s", TopicPrefix, kind, ga)
}

// State returns the retained state topic for a group address.
//
// Example: knxproc/state/1/2/3
func (Topics) State(ga string) string {
	return fmt.Sprintf("%s/state/%s", TopicPrefix, ga)
}

// Command returns the command topic for a group address.
//
// Example: knxproc/command/1/2/3
func (Topics) Command(ga string) string {
	return fmt.Sprintf("%s/command/%s", TopicPrefix, ga)
}

// AllCommands returns a pattern matching every command topic.
//
// Pattern: knxproc/command/#
func (Topics) AllCommands() string {
	return TopicPrefix + "/command/#"
}

// AllEvents returns a pattern matching every event topic.
//
// Pattern: knxproc/event/#
func (Topics) AllEvents() string {
	return TopicPrefix + "/event/#"
}

// CommandAddress extracts the group address from a command topic.
// It reports false if topic is not a command topic.
func (Topics) CommandAddress(topic string) (string, bool) {
	ga, ok := strings.CutPrefix(topic, TopicPrefix+"/command/")
	if !ok || ga == "" {
		return "", false
	}
	return ga, true
}
