package engine

// State is the engine lifecycle phase. Transitions only move forward
// through configuration and then bounce between Ready and Generating.
type State int32

const (
	StateUnloaded State = iota
	StateConfiguring
	StateReady
	StateGenerating
)

func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateConfiguring:
		return "configuring"
	case StateReady:
		return "ready"
	case StateGenerating:
		return "generating"
	default:
		return "invalid"
	}
}
