package trainingload

// Constants are the CTL and ATL time constants in days.
type Constants struct {
	CTLDays float64
	ATLDays float64
}

// DefaultConstants are 42 and 7 days.
func DefaultConstants() Constants {
	return Constants{CTLDays: 42, ATLDays: 7}
}

// Load is the chronic and acute load after a day.
type Load struct {
	CTL float64
	ATL float64
}

// Step advances one day. TSB is taken from the previous day's values before they are updated.
func (c Constants) Step(prev Load, stress float64) (next Load, tsb float64) {
	tsb = prev.CTL - prev.ATL
	next.CTL = prev.CTL + (stress-prev.CTL)/c.CTLDays
	next.ATL = prev.ATL + (stress-prev.ATL)/c.ATLDays
	return next, tsb
}

// Series applies Step over consecutive days starting from seed.
func (c Constants) Series(seed Load, stress []float64) (loads []Load, tsb []float64) {
	loads = make([]Load, len(stress))
	tsb = make([]float64, len(stress))
	cur := seed
	for i, s := range stress {
		cur, tsb[i] = c.Step(cur, s)
		loads[i] = cur
	}
	return loads, tsb
}
