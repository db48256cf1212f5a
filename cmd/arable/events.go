package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mtzanidakis/arable/internal/natsbus"
	"github.com/spf13/cobra"
)

func newEventsCmd() *cobra.Command {
	var (
		url    string
		filter string
		asJSON bool
		replay bool
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Follow orchestrator and scheduler events from a running server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			topic, err := eventTopic(filter)
			if err != nil {
				return err
			}
			client, err := natsbus.NewClientFromURL(url)
			if err != nil {
				return err
			}
			defer client.Close()

			out := cmd.OutOrStdout()
			subscribe := client.SubscribeEvents
			if replay {
				subscribe = client.ReplayEvents
			}
			sub, err := subscribe(topic, func(ev natsbus.Event) {
				if asJSON {
					data, _ := json.Marshal(ev)
					fmt.Fprintln(out, string(data))
					return
				}
				fmt.Fprintln(out, formatEvent(ev))
			})
			if err != nil {
				return err
			}
			defer sub.Unsubscribe()

			<-cmd.Context().Done()
			return nil
		},
	}
	defaultURL := os.Getenv("NATS_URL")
	if defaultURL == "" {
		defaultURL = "nats://localhost:4222"
	}
	cmd.Flags().StringVar(&url, "url", defaultURL, "NATS server URL (default $NATS_URL)")
	cmd.Flags().StringVar(&filter, "only", "all", "event source: all, workflows, schedules or agents")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw event JSON")
	cmd.Flags().BoolVar(&replay, "replay", false, "print retained events before following new ones")
	return cmd
}

func eventTopic(filter string) (string, error) {
	switch filter {
	case "", "all":
		return natsbus.TopicEventsAll, nil
	case "workflows":
		return natsbus.TopicEventsWorkflows, nil
	case "schedules":
		return natsbus.TopicEventsSchedules, nil
	case "agents":
		return natsbus.TopicEventsAgents, nil
	default:
		return "", fmt.Errorf("unknown event source %q", filter)
	}
}

func formatEvent(ev natsbus.Event) string {
	var sb strings.Builder
	if ts, err := time.Parse(time.RFC3339Nano, ev.Timestamp); err == nil {
		sb.WriteString(ts.Local().Format(time.TimeOnly))
		sb.WriteString(" ")
	}
	sb.WriteString(ev.Type)
	if ev.RunID != "" {
		sb.WriteString(" run=")
		sb.WriteString(ev.RunID)
	}
	for _, k := range []string{"step", "agent", "status", "attempt", "error"} {
		if v, ok := ev.Data[k]; ok && v != nil && v != "" {
			fmt.Fprintf(&sb, " %s=%v", k, v)
		}
	}
	return sb.String()
}
