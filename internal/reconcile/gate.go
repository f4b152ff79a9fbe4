package reconcile

type Gate int

const (
	Locked Gate = iota
	Editable
	Submitted
)

func (g Gate) String() string {
	switch g {
	case Locked:
		return "locked"
	case Editable:
		return "editable"
	case Submitted:
		return "submitted"
	}
	return "unknown"
}

// Gates is the one gating rule shared by live and resumed sessions:
// round i is Submitted if submitted[i], else Editable if i == 0 or
// submitted[i-1], else Locked.
func Gates(submitted []bool) []Gate {
	out := make([]Gate, len(submitted))
	for i, done := range submitted {
		switch {
		case done:
			out[i] = Submitted
		case i == 0 || submitted[i-1]:
			out[i] = Editable
		default:
			out[i] = Locked
		}
	}
	return out
}
