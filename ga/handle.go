package ga

// Handle is a completion ticket for an issued one-sided operation. Handles are
// totally ordered per issuing process: a handle is complete once every
// operation issued no later than it has executed.
type Handle uint64

const (
	// HandleNone names no operation; waiting on it returns immediately.
	HandleNone Handle = 0
	// HandleAll names every operation issued so far.
	HandleAll Handle = ^Handle(0)
)

// Later returns the later of two handles.
func Later(a, b Handle) Handle {
	if a == HandleAll || b == HandleAll {
		return HandleAll
	}
	return max(a, b)
}

type errorHolder struct {
	err error
}
