package relay

// logRing retains the most recent log lines for one device. Not safe for
// concurrent use; the Registry serializes access.
type logRing struct {
	entries [][]byte
	limit   int
}

func newLogRing(limit int) *logRing {
	return &logRing{limit: limit}
}

func (r *logRing) append(payload []byte) {
	line := make([]byte, len(payload))
	copy(line, payload)
	r.entries = append(r.entries, line)
	if len(r.entries) > r.limit {
		r.entries = r.entries[len(r.entries)-r.limit:]
	}
}

func (r *logRing) snapshot() [][]byte {
	out := make([][]byte, len(r.entries))
	copy(out, r.entries)
	return out
}
