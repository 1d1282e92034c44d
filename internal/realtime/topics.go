package realtime

import (
	"strconv"
	"strings"
)

const taskTopicPrefix = "task:"

// TaskTopic is the room every client viewing a task subscribes to.
func TaskTopic(taskID int64) string {
	return taskTopicPrefix + strconv.FormatInt(taskID, 10)
}

// ParseTaskTopic returns the task id of a topic built by TaskTopic.
func ParseTaskTopic(topic string) (int64, bool) {
	raw, ok := strings.CutPrefix(topic, taskTopicPrefix)
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
