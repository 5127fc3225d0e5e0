package pagination

import (
	"fmt"
	"slices"
)

// State is the fetch state of one chat's history cursor.
type State string

const (
	Idle      State = "IDLE"
	Fetching  State = "FETCHING"
	Exhausted State = "EXHAUSTED"
	TornDown  State = "TORN_DOWN"
)

var validTransitions = map[State][]State{
	Idle:      {Fetching, TornDown},
	Fetching:  {Idle, Exhausted, TornDown},
	Exhausted: {TornDown},
	TornDown:  {},
}

func (c *cursor) transition(to State) error {
	if !slices.Contains(validTransitions[c.state], to) {
		return fmt.Errorf("pagination %s: invalid transition from %s to %s", c.chatID, c.state, to)
	}
	c.state = to
	return nil
}
