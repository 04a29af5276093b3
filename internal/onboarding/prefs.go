package onboarding

// PreferenceAccumulator merges the partial preference fragments the backend
// extracts after each turn. Last write wins per key; keys absent from a
// fragment keep their prior value. Fragment content is opaque to the engine.
type PreferenceAccumulator struct {
	fields map[string]any
}

// Merge folds a fragment into the accumulated preferences. A nil or empty
// fragment is a no-op.
func (a *PreferenceAccumulator) Merge(fragment map[string]any) {
	if len(fragment) == 0 {
		return
	}
	if a.fields == nil {
		a.fields = make(map[string]any, len(fragment))
	}
	for k, v := range fragment {
		a.fields[k] = v
	}
}

// Len returns the number of accumulated keys.
func (a *PreferenceAccumulator) Len() int {
	return len(a.fields)
}

// Snapshot returns a copy of the accumulated preferences.
func (a *PreferenceAccumulator) Snapshot() map[string]any {
	out := make(map[string]any, len(a.fields))
	for k, v := range a.fields {
		out[k] = v
	}
	return out
}

// Reset clears the accumulator for a new session.
func (a *PreferenceAccumulator) Reset() {
	a.fields = nil
}

// Result is what gets persisted when onboarding completes: the accumulated
// preferences plus the full conversation as an audit trail. Built exactly
// once, at completion.
type Result struct {
	SessionID   string         `json:"session_id"`
	Preferences map[string]any `json:"preferences"`
	Transcript  []Turn         `json:"transcript"`
}
