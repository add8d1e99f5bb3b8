package signal

// Change is what an edit added relative to the previous text.
type Change struct {
	NewlyHit []TakeProfitLevel
	// Closed is true only on a not-closed to closed transition.
	Closed   bool
	FinalPnL *float64
	// Approximate is set when there was no previous text to compare with;
	// every hit level is then reported as newly hit.
	Approximate bool
}

// Empty reports whether the edit changed nothing the lifecycle cares about.
func (c Change) Empty() bool {
	return len(c.NewlyHit) == 0 && !c.Closed && c.FinalPnL == nil
}

// Diff compares two versions of the same message. Both texts go through the
// same field scans as Extract; neither needs to carry a header.
func (e *Extractor) Diff(oldText, newText string) Change {
	cur := parseFields(newText)
	if oldText == "" {
		c := Change{Closed: cur.closed, FinalPnL: cur.finalPnL, Approximate: true}
		for _, tp := range cur.takeProfits {
			if tp.Hit {
				c.NewlyHit = append(c.NewlyHit, tp)
			}
		}
		return c
	}

	prev := parseFields(oldText)
	wasHit := make(map[int]bool, len(prev.takeProfits))
	for _, tp := range prev.takeProfits {
		wasHit[tp.Level] = tp.Hit
	}
	c := Change{Closed: cur.closed && !prev.closed, FinalPnL: cur.finalPnL}
	for _, tp := range cur.takeProfits {
		if tp.Hit && !wasHit[tp.Level] {
			c.NewlyHit = append(c.NewlyHit, tp)
		}
	}
	return c
}
