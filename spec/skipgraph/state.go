package skipgraph

type State uint64

const (
	// Node not running, default state
	Inactive State = iota
	// Searching for its position and splicing itself in, level by level
	Joining
	// Ready to handle searches
	Active
	// Splicing itself out of its immediate neighbors
	Leaving
	// No longer part of the skip graph
	Left
	// Join failed midway; the node must not be used
	Aborted
)

func (s State) String() string {
	switch s {
	case Inactive:
		return "Inactive"
	case Joining:
		return "Joining"
	case Active:
		return "Active"
	case Leaving:
		return "Leaving"
	case Left:
		return "Left"
	case Aborted:
		return "Aborted"
	default:
		return "Unknown"
	}
}
