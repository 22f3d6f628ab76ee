package telemetry

// DefaultExcludedAlerts lists routine status alerts that are suppressed from
// push broadcasts unless the operator configures otherwise. These rows still
// advance the poller watermark; they are considered, just not newsworthy.
var DefaultExcludedAlerts = []string{
	"Door opened",
	"Ignition on",
}

// AlertFilter suppresses non-actionable alerts from broadcast batches.
// The excluded set is a configuration input, not a literal in the relay.
type AlertFilter struct {
	excluded map[string]struct{}
}

// NewAlertFilter builds a filter from the configured exclusion set
func NewAlertFilter(excluded []string) *AlertFilter {
	set := make(map[string]struct{}, len(excluded))
	for _, a := range excluded {
		set[a] = struct{}{}
	}
	return &AlertFilter{excluded: set}
}

// Keep reports whether an alert is actionable and should be broadcast
func (f *AlertFilter) Keep(row AlertRow) bool {
	if f == nil {
		return true
	}
	_, excluded := f.excluded[row.Alert]
	return !excluded
}

// Apply returns the rows that pass the filter, preserving order
func (f *AlertFilter) Apply(rows []AlertRow) []AlertRow {
	if f == nil || len(f.excluded) == 0 {
		return rows
	}
	kept := make([]AlertRow, 0, len(rows))
	for _, row := range rows {
		if f.Keep(row) {
			kept = append(kept, row)
		}
	}
	return kept
}
