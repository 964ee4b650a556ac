package mounthelper

// Entry is one active bind substitution: Source is visible at Target inside
// the host's mount namespace.
type Entry struct {
	Target string
	Source string
}

// Ledger is the ordered record of a host's active overrides. It holds at
// most one entry per target.
type Ledger struct {
	entries []Entry
}

func NewLedger() *Ledger {
	return &Ledger{}
}

// Add appends an entry. An existing entry for the same target is dropped, so
// the new one takes the latest position.
func (l *Ledger) Add(target, source string) {
	l.Remove(target)
	l.entries = append(l.entries, Entry{Target: target, Source: source})
}

func (l *Ledger) Lookup(target string) (Entry, bool) {
	for _, e := range l.entries {
		if e.Target == target {
			return e, true
		}
	}
	return Entry{}, false
}

// Remove drops the entry for target and reports whether one existed.
func (l *Ledger) Remove(target string) bool {
	for i, e := range l.entries {
		if e.Target == target {
			l.entries = append(l.entries[:i], l.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Entries returns a copy in creation order.
func (l *Ledger) Entries() []Entry {
	return append([]Entry(nil), l.entries...)
}

func (l *Ledger) Len() int {
	return len(l.entries)
}

// Reset empties the ledger and returns what it held.
func (l *Ledger) Reset() []Entry {
	dropped := l.entries
	l.entries = nil
	return dropped
}

// Targets returns the targets in creation order.
func (l *Ledger) Targets() []string {
	targets := make([]string, 0, len(l.entries))
	for _, e := range l.entries {
		targets = append(targets, e.Target)
	}
	return targets
}
