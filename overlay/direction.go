package overlay

type direction int

const (
	directionIncoming direction = iota
	directionOutgoing
)

func (d direction) String() string {
	switch d {
	case directionIncoming:
		return "Incoming"
	case directionOutgoing:
		return "Outgoing"
	default:
		return "Unknown"
	}
}
