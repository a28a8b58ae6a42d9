package model

// CanTransitionTo reports whether table allows moving from current to target.
func CanTransitionTo(table map[string][]string, current, target string) bool {
	allowed, exists := table[current]
	if !exists {
		return false
	}
	for _, s := range allowed {
		if s == target {
			return true
		}
	}
	return false
}
