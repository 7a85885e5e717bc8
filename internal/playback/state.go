package playback

import (
	"time"

	"story-playback/internal/stories"
)

// State is the viewer session state.
type State int

const (
	StateIdle State = iota
	StateLoading
	StatePlaying
	StatePaused
	StateTransitioning
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateTransitioning:
		return "transitioning"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Cursor identifies the active item and its playback position.
type Cursor struct {
	GroupID   stories.UserID  `json:"group_id"`
	ItemIndex int             `json:"item_index"`
	ItemID    stories.StoryID `json:"item_id"`
	// Progress is in percent, 0 to 100.
	Progress  float64 `json:"progress"`
	Paused    bool    `json:"paused"`
	Buffering bool    `json:"buffering"`
	// AccumulatedPaused is the time the current item has spent paused.
	AccumulatedPaused time.Duration `json:"accumulated_paused"`
}

var transitions = map[State][]State{
	StateIdle:          {StateLoading, StateClosed},
	StateLoading:       {StatePlaying, StatePaused, StateTransitioning, StateClosed},
	StatePlaying:       {StatePaused, StateTransitioning, StateClosed},
	StatePaused:        {StatePlaying, StateTransitioning, StateClosed},
	StateTransitioning: {StateLoading, StateClosed},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
