package domain

import "time"

// AgentState is the single persisted blob that lets the agent survive a
// restart. It is always written as a whole.
type AgentState struct {
	PendingApprovals     []PendingApproval          `json:"pending_approvals"`
	Cooldowns            map[DecisionType]time.Time `json:"cooldowns"`
	EmergencyPausedUntil *time.Time                 `json:"emergency_paused_until,omitempty"`
	PauseReason          string                     `json:"pause_reason,omitempty"`
	Counters             map[string]int64           `json:"counters"`
	BusCursor            string                     `json:"bus_cursor,omitempty"`
	UpdatedAt            time.Time                  `json:"updated_at"`
}

// NewAgentState returns an empty state with initialized maps.
func NewAgentState() AgentState {
	return AgentState{
		PendingApprovals: []PendingApproval{},
		Cooldowns:        map[DecisionType]time.Time{},
		Counters:         map[string]int64{},
	}
}

// Clone returns a deep copy so callers can mutate it freely.
func (s AgentState) Clone() AgentState {
	out := s
	out.PendingApprovals = append([]PendingApproval(nil), s.PendingApprovals...)
	out.Cooldowns = make(map[DecisionType]time.Time, len(s.Cooldowns))
	for k, v := range s.Cooldowns {
		out.Cooldowns[k] = v
	}
	out.Counters = make(map[string]int64, len(s.Counters))
	for k, v := range s.Counters {
		out.Counters[k] = v
	}
	if s.EmergencyPausedUntil != nil {
		t := *s.EmergencyPausedUntil
		out.EmergencyPausedUntil = &t
	}
	return out
}
