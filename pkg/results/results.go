package results

// Reason identifies the kind of failure carried by an Error.
type Reason string

const (
	// ReasonUnknown is default reason. Occurrences of this reason in logs
	// indicate a bug, a failure to identify the reason for an error somewhere.
	ReasonUnknown Reason = "unknown"

	// ReasonConfig marks invalid or incomplete configuration. Raised before
	// any network activity.
	ReasonConfig Reason = "config"
	// ReasonLock marks a second promoter holding the advisory lock.
	ReasonLock Reason = "lock"
	// ReasonHash marks a malformed hash object or mapping.
	ReasonHash Reason = "hash"
	// ReasonHashChanged marks a named hash that moved under our feet
	// during a promotion round.
	ReasonHashChanged Reason = "hash_changed"
	// ReasonPromotion marks a client that could not complete its promotion.
	ReasonPromotion Reason = "promotion"
	// ReasonUsage marks invalid command line arguments.
	ReasonUsage Reason = "usage"
)

// UserFacing reports whether errors of this reason are caused by the
// operator rather than by the promoter or its collaborators.
func (r Reason) UserFacing() bool {
	switch r {
	case ReasonConfig, ReasonLock, ReasonUsage:
		return true
	}
	return false
}
