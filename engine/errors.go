package engine

// Severity buckets failures by how the engine must react.
type Severity int

const (
	// SeverityCritical aborts startup or pauses trading: the system cannot
	// trade correctly without this component.
	SeverityCritical Severity = iota
	// SeverityDegraded disables the feature for the session and keeps
	// trading.
	SeverityDegraded
	// SeverityTransient is retried with backoff.
	SeverityTransient
	// SeverityLocal is logged and skipped: bad data, not a broken system.
	SeverityLocal
)

func (s Severity) String() string {
	switch s {
	case SeverityCritical:
		return "critical"
	case SeverityDegraded:
		return "degraded"
	case SeverityTransient:
		return "transient"
	default:
		return "local"
	}
}

// componentSeverity is the default classification per component. Unlisted
// components are treated as transient.
var componentSeverity = map[string]Severity{
	"storage":    SeverityCritical,
	"venue":      SeverityCritical,
	"scan":       SeverityCritical,
	"positions":  SeverityCritical,
	"ws":         SeverityCritical,
	"health":     SeverityCritical,
	"candlepoll": SeverityCritical,

	"mirror": SeverityDegraded,
	"ml":     SeverityDegraded,
	"notify": SeverityDegraded,
	"server": SeverityDegraded,

	"marketdata": SeverityLocal,
	"indicator":  SeverityLocal,
}

// Classify maps a component name to its failure severity.
func Classify(component string) Severity {
	if s, ok := componentSeverity[component]; ok {
		return s
	}
	return SeverityTransient
}
