package natsbus

import "fmt"

// Topic patterns for NATS pub/sub communication.

func TopicEventsWorkflow(runID string) string {
	return fmt.Sprintf("events.workflow.%s", runID)
}

func TopicEventsAgent(agentID string) string {
	return fmt.Sprintf("events.agent.%s", agentID)
}

func TopicEventsSchedule(scheduleID string) string {
	return fmt.Sprintf("events.schedule.%s", scheduleID)
}

const (
	TopicEventsAll       = "events.>"
	TopicEventsWorkflows = "events.workflow.*"
	TopicEventsSchedules = "events.schedule.*"
	TopicEventsAgents    = "events.agent.*"
)
