package domain

import (
	"fmt"
	"strings"
)

// SignalAction is the action field of an inbound alert.
type SignalAction string

const (
	ActionEnterLong     SignalAction = "enter_long"
	ActionEnterShort    SignalAction = "enter_short"
	ActionTP1Long       SignalAction = "tp1_long"
	ActionTP1Short      SignalAction = "tp1_short"
	ActionTP2Long       SignalAction = "tp2_long"
	ActionTP2Short      SignalAction = "tp2_short"
	ActionNegationLong  SignalAction = "negation_long"
	ActionNegationShort SignalAction = "negation_short"
)

// IsEntry reports whether the action opens a new conditional setup.
func (a SignalAction) IsEntry() bool {
	return a == ActionEnterLong || a == ActionEnterShort
}

// IsTP1 reports whether the action is a first take-profit alert.
func (a SignalAction) IsTP1() bool {
	return a == ActionTP1Long || a == ActionTP1Short
}

// IsTP2 reports whether the action is a second take-profit alert.
func (a SignalAction) IsTP2() bool {
	return a == ActionTP2Long || a == ActionTP2Short
}

// IsNegation reports whether the action invalidates a setup.
func (a SignalAction) IsNegation() bool {
	return a == ActionNegationLong || a == ActionNegationShort
}

// Side returns the trade direction the action refers to.
func (a SignalAction) Side() Side {
	if strings.HasSuffix(string(a), "_long") {
		return Long
	}
	return Short
}

// Signal is an inbound alert from the ingestion endpoint.
type Signal struct {
	Action    SignalAction `json:"action"`
	Symbol    string       `json:"symbol"`    // Raw asset symbol (e.g. "BTC")
	Timeframe string       `json:"timeframe"` // e.g. "1h", "4h"
	AmountUSD float64      `json:"amount,omitempty"`
	Leverage  int          `json:"leverage,omitempty"`
}

// Validate checks the fields every signal must carry.
func (s *Signal) Validate() error {
	switch s.Action {
	case ActionEnterLong, ActionEnterShort,
		ActionTP1Long, ActionTP1Short,
		ActionTP2Long, ActionTP2Short,
		ActionNegationLong, ActionNegationShort:
	default:
		return fmt.Errorf("unknown action %q", s.Action)
	}
	if s.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if s.Timeframe == "" {
		return fmt.Errorf("timeframe is required")
	}
	if s.AmountUSD < 0 {
		return fmt.Errorf("amount cannot be negative")
	}
	if s.Leverage < 0 {
		return fmt.Errorf("leverage cannot be negative")
	}
	return nil
}
