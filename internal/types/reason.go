package types

import "errors"

// Reason is the structured explanation attached to every rejected signal,
// skipped tick and forced exit. Notification and audit consume it verbatim.
type Reason string

const (
	ReasonNone Reason = ""

	// evaluation
	ReasonRegimeUncertain   Reason = "regime uncertain"
	ReasonNoProbability     Reason = "no probability"
	ReasonBelowThreshold    Reason = "probability below threshold"
	ReasonRSIExtreme        Reason = "rsi extreme"
	ReasonAgainstTrend      Reason = "against trend"
	ReasonNoMomentum        Reason = "no momentum"
	ReasonMicrostructure    Reason = "microstructure unconfirmed"
	ReasonModeConflict      Reason = "mode conflict"
	ReasonEvaluationSkipped Reason = "evaluation skipped"
	ReasonFrozen            Reason = "instrument frozen"
	ReasonPositionOpen      Reason = "position open"
	ReasonBusy              Reason = "evaluation in progress"
	ReasonUntracked         Reason = "untracked exchange position"

	// sizing and risk
	ReasonNonPositiveEdge Reason = "non-positive edge"
	ReasonCorrelated      Reason = "correlated exposure"
	ReasonExposureCap     Reason = "exposure cap"
	ReasonSignalDropped   Reason = "signal dropped"

	// execution
	ReasonOpened          Reason = "opened"
	ReasonExecutionFailed Reason = "execution failed"

	// lifecycle
	ReasonBreakeven  Reason = "breakeven"
	ReasonLockProfit Reason = "lock profit"
	ReasonTrailing   Reason = "trailing-stop"
	ReasonPartialTP  Reason = "partial-take-profit"
	ReasonHardStop   Reason = "hard-stop"
	ReasonHardTarget Reason = "hard-target"
	ReasonManual     Reason = "manual"
	ReasonReconciled Reason = "closed on exchange"
	ReasonInvariant  Reason = "invariant violation"
)

func (r Reason) String() string { return string(r) }

// ErrInvariant marks a broken state invariant. The owning instrument is
// frozen until an operator clears it.
var ErrInvariant = errors.New("invariant violation")
