package pulse

import (
	"encoding/json"
	"fmt"
)

// DispatchType is the discriminator every pulse dispatch payload carries.
const DispatchType = "pulse_dispatch"

// DispatchPayload is the envelope payload published to
// relay.system.pulse.<scheduleId> on each dispatch.
type DispatchPayload struct {
	Type           string `json:"type"`
	ScheduleID     string `json:"scheduleId"`
	RunID          string `json:"runId"`
	Prompt         string `json:"prompt"`
	CWD            string `json:"cwd,omitempty"`
	PermissionMode string `json:"permissionMode"`
	ScheduleName   string `json:"scheduleName"`
	Cron           string `json:"cron"`
	Trigger        string `json:"trigger"`
}

// ParseDispatchPayload decodes and validates a dispatch payload. The type
// discriminator and the schedule, run and prompt fields are mandatory.
func ParseDispatchPayload(raw json.RawMessage) (*DispatchPayload, error) {
	var p DispatchPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("invalid pulse dispatch payload: %w", err)
	}
	if p.Type != DispatchType {
		return nil, fmt.Errorf("invalid pulse dispatch payload: type %q", p.Type)
	}
	if p.ScheduleID == "" || p.RunID == "" || p.Prompt == "" {
		return nil, fmt.Errorf("invalid pulse dispatch payload: missing scheduleId, runId or prompt")
	}
	return &p, nil
}
