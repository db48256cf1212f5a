package agents

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/mtzanidakis/arable/internal/agent"
)

const TypeMondayManager = "monday_manager"

// Monday task types.
const (
	TaskCreateProject     = "create_project_from_extraction"
	TaskSyncMilestones    = "sync_milestone_data"
	TaskUpdateBoardStatus = "update_board_status"
)

const milestonesKey = "milestones"

// MondayManager simulates project board management: boards and milestone
// state are kept in memory and in the agent's memory namespace instead of
// a remote API.
type MondayManager struct {
	*agent.Base
	templateBoardID string
	hasToken        bool

	mu     sync.Mutex
	boards map[string]map[string]string // board ID → item → status
}

// NewMondayManager understands the config keys api_token (usually a
// secret reference) and template_board_id.
func NewMondayManager(id string, cfg map[string]any, deps agent.Deps) (agent.Agent, error) {
	c := agent.Task(cfg)
	return &MondayManager{
		Base:            agent.NewBase(id, deps),
		templateBoardID: c.StringOr("template_board_id", ""),
		hasToken:        c.StringOr("api_token", "") != "",
		boards:          make(map[string]map[string]string),
	}, nil
}

func (m *MondayManager) Capabilities() []agent.Capability {
	return []agent.Capability{
		{
			Name:        "project_creation",
			Description: "Create Monday.com projects from extracted data",
			InputKinds:  []string{"extracted_data", "template_board_id"},
			OutputKinds: []string{"project_board_id", "master_item_id"},
		},
		{
			Name:        "milestone_synchronization",
			Description: "Sync milestone data across systems",
			InputKinds:  []string{"milestones"},
			OutputKinds: []string{"sync_results"},
		},
		{
			Name:        "board_automation",
			Description: "Automate Monday.com board operations",
			InputKinds:  []string{"board_id", "status_updates"},
			OutputKinds: []string{"board_id", "updates_applied"},
		},
	}
}

func (m *MondayManager) Execute(ctx context.Context, task agent.Task) agent.Result {
	m.Begin()
	if err := ctx.Err(); err != nil {
		return m.Finish(agent.Failure(err))
	}

	taskType, err := task.GetString("task_type")
	if err != nil {
		return m.Finish(agent.Failure(err))
	}

	var data map[string]any
	switch taskType {
	case TaskCreateProject:
		data, err = m.createProject(task)
	case TaskSyncMilestones:
		data, err = m.syncMilestones(task)
	case TaskUpdateBoardStatus:
		data, err = m.updateBoardStatus(task)
	default:
		err = &agent.TaskInputError{Key: "task_type", Reason: fmt.Sprintf("unknown task type %q", taskType)}
	}
	if err != nil {
		return m.Finish(agent.Failure(err))
	}
	data["task_type"] = taskType
	data["simulated"] = !m.hasToken
	return m.Finish(agent.Success(data))
}

// extractedData takes extracted_data from the payload, or from the first
// dependency result that carries it.
func extractedData(task agent.Task) (map[string]any, error) {
	if task.Has("extracted_data") {
		return task.GetMap("extracted_data")
	}
	if prev, err := task.GetMap("previous_results"); err == nil {
		deps := make([]string, 0, len(prev))
		for k := range prev {
			deps = append(deps, k)
		}
		sort.Strings(deps)
		for _, dep := range deps {
			r, ok := prev[dep].(map[string]any)
			if !ok {
				continue
			}
			if ed, ok := r["extracted_data"].(map[string]any); ok {
				return ed, nil
			}
		}
	}
	return nil, &agent.TaskInputError{Key: "extracted_data", Reason: "missing, and no dependency produced one"}
}

func (m *MondayManager) createProject(task agent.Task) (map[string]any, error) {
	extracted, err := extractedData(task)
	if err != nil {
		return nil, err
	}
	fields, _ := extracted["extracted_fields"].(map[string]any)
	if fields == nil {
		fields = extracted
	}

	name := projectName(fields)
	boardID := numericID(name + "/board")
	itemID := numericID(name + "/master")

	var milestones []string
	switch ds := fields["key_dates"].(type) {
	case []string:
		milestones = ds
	case []any:
		for _, d := range ds {
			milestones = append(milestones, fmt.Sprint(d))
		}
	}

	m.mu.Lock()
	items := make(map[string]string, len(milestones))
	for i := range milestones {
		items[fmt.Sprintf("milestone_%d", i+1)] = "pending"
	}
	m.boards[boardID] = items
	m.mu.Unlock()

	result := map[string]any{
		"project_name":       name,
		"project_board_id":   boardID,
		"master_item_id":     itemID,
		"template_board_id":  task.StringOr("template_board_id", m.templateBoardID),
		"milestones_created": len(milestones),
		"project_data":       fields,
		"request_id":         uuid.NewString(),
	}
	m.Remember("last_created_project", result, "project")
	m.Logger().Info("project created", "name", name, "board", boardID, "milestones", len(milestones))
	return result, nil
}

func projectName(fields map[string]any) string {
	number, _ := fields["project_number"].(string)
	customer, _ := fields["customer_name"].(string)
	switch {
	case number != "" && customer != "":
		return number + " - " + customer
	case number != "":
		return number
	case customer != "":
		return customer
	default:
		return "Untitled project"
	}
}

// numericID derives a stable board-style ID from s.
func numericID(s string) string {
	h := fnv.New32a()
	h.Write([]byte(s))
	return strconv.FormatUint(uint64(h.Sum32()), 10)
}

// syncMilestones merges the milestones payload (name → date) with the
// milestones already known to this agent.
func (m *MondayManager) syncMilestones(task agent.Task) (map[string]any, error) {
	incoming := map[string]any{}
	if task.Has("milestones") {
		var err error
		if incoming, err = task.GetMap("milestones"); err != nil {
			return nil, err
		}
	}

	known := map[string]any{}
	if mem := m.Memory(); mem != nil {
		if v, ok := mem.Get(milestonesKey, nil).(map[string]any); ok {
			known = v
		}
	}

	var matched, updated, created int
	merged := make(map[string]any, len(known)+len(incoming))
	for k, v := range known {
		merged[k] = v
	}
	for name, date := range incoming {
		prev, ok := known[name]
		switch {
		case !ok:
			created++
		case fmt.Sprint(prev) != fmt.Sprint(date):
			matched++
			updated++
		default:
			matched++
		}
		merged[name] = date
	}
	m.Remember(milestonesKey, merged, "milestone")

	return map[string]any{
		"sync_results": map[string]any{
			"matched":   matched,
			"updated":   updated,
			"created":   created,
			"conflicts": 0,
		},
	}, nil
}

func (m *MondayManager) updateBoardStatus(task agent.Task) (map[string]any, error) {
	boardID, err := task.GetString("board_id")
	if err != nil {
		return nil, err
	}

	var updates []any
	if v, ok := task["status_updates"]; ok && v != nil {
		if updates, ok = v.([]any); !ok {
			return nil, &agent.TaskInputError{Key: "status_updates", Reason: fmt.Sprintf("expected list, got %T", v)}
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	board, ok := m.boards[boardID]
	if !ok {
		board = make(map[string]string)
		m.boards[boardID] = board
	}
	applied := 0
	for _, u := range updates {
		um, ok := u.(map[string]any)
		if !ok {
			continue
		}
		item, _ := um["item"].(string)
		status, _ := um["status"].(string)
		if item == "" || status == "" {
			continue
		}
		board[item] = status
		applied++
	}

	return map[string]any{
		"board_id":        boardID,
		"updates_applied": applied,
		"items":           len(board),
	}, nil
}
