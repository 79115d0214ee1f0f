package tracker

// State is the tracker lifecycle. Loading moves to Ready once and never back.
type State int32

const (
	Loading State = iota
	Ready
)

func (s State) String() string {
	switch s {
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Verdict is the outcome of classifying one live message.
type Verdict int

const (
	// VerdictNotReady: the history load has not completed.
	VerdictNotReady Verdict = iota
	// VerdictOtherChannel: the message is not from the watch channel.
	VerdictOtherChannel
	// VerdictNoIdentifier: no identifier could be extracted.
	VerdictNoIdentifier
	// VerdictBenign: the identifier was already known.
	VerdictBenign
	// VerdictResend: the identifier was new; an alert was raised.
	VerdictResend
)

func (v Verdict) String() string {
	switch v {
	case VerdictNotReady:
		return "not_ready"
	case VerdictOtherChannel:
		return "other_channel"
	case VerdictNoIdentifier:
		return "no_identifier"
	case VerdictBenign:
		return "benign"
	case VerdictResend:
		return "resend"
	default:
		return "unknown"
	}
}
