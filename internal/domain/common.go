package domain

// Side represents the direction of a trade (long or short).
type Side string

const (
	Long  Side = "long"
	Short Side = "short"
)

// IsLong reports whether the side is long.
func (s Side) IsLong() bool { return s == Long }

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == Long {
		return Short
	}
	return Long
}

// TradeStatus represents the lifecycle status of a tracked trade.
type TradeStatus string

const (
	StatusActive      TradeStatus = "active"
	StatusTP1Achieved TradeStatus = "tp1_achieved"
	StatusFullyClosed TradeStatus = "fully_closed"
	StatusStoppedOut  TradeStatus = "stopped_out"
	StatusNegated     TradeStatus = "negated"
	StatusManualClose TradeStatus = "manual_close"
	StatusCancelled   TradeStatus = "cancelled"
)

// IsTerminal reports whether the status ends the trade lifecycle.
// Terminal trades are immutable except for audit fields.
func (s TradeStatus) IsTerminal() bool {
	switch s {
	case StatusFullyClosed, StatusStoppedOut, StatusNegated, StatusManualClose, StatusCancelled:
		return true
	}
	return false
}

// validTransitions encodes the one-directional trade state machine:
// active -> tp1_achieved -> fully_closed is the normal path, with stop-out,
// negation, manual close and cancellation as alternative exits.
var validTransitions = map[TradeStatus][]TradeStatus{
	StatusActive: {
		StatusTP1Achieved,
		StatusFullyClosed,
		StatusStoppedOut,
		StatusNegated,
		StatusManualClose,
		StatusCancelled,
	},
	StatusTP1Achieved: {
		StatusFullyClosed,
		StatusStoppedOut,
		StatusManualClose,
	},
}

// CanTransition reports whether moving from one status to another is allowed.
// Transitions never move backward and never leave a terminal state.
func CanTransition(from, to TradeStatus) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// StopTrigger identifies which stop-loss mechanism closed a position.
type StopTrigger string

const (
	StopTriggerAbsolute    StopTrigger = "absolute"
	StopTriggerCandleClose StopTrigger = "candle_close"
)
