package bus

import (
	"fmt"
	"strings"
)

// Topic patterns for message routing.

func TopicAgent(agentID string) string {
	return fmt.Sprintf("agent.%s", agentID)
}

func TopicAgentType(agentType string) string {
	return fmt.Sprintf("agent.%s", agentType)
}

func TopicWorkflowEvents(workflowID string) string {
	return fmt.Sprintf("workflow.%s.events", workflowID)
}

const (
	TopicBroadcast    = "agent.broadcast"
	TopicStatusUpdate = "agent.status.update"
	TopicAllAgents    = "agent.*"
	TopicAllWorkflows = "workflow.*"
)

// MatchTopic reports whether topic matches pattern. Patterns are dot-separated
// segments where "*" matches one or more segments, so "agent.*" covers both
// "agent.scraper-1" and "agent.status.update".
func MatchTopic(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	return matchSegments(strings.Split(pattern, "."), strings.Split(topic, "."))
}

func matchSegments(pattern, topic []string) bool {
	if len(pattern) == 0 {
		return len(topic) == 0
	}
	if pattern[0] == "*" {
		// Consume one or more topic segments.
		for i := 1; i <= len(topic); i++ {
			if matchSegments(pattern[1:], topic[i:]) {
				return true
			}
		}
		return false
	}
	if len(topic) == 0 || pattern[0] != topic[0] {
		return false
	}
	return matchSegments(pattern[1:], topic[1:])
}
