package datasets

// Fields is a named value mapping. Inputs and expected outputs are both
// free-form field sets; the harness never interprets individual values.
type Fields map[string]any

// Item is one labeled example. Items carry no identity of their own: an item
// is identified by its zero-based position in the dataset, and that position
// is the sort key when evaluation results are reconciled.
type Item struct {
	Inputs   Fields `json:"inputs" yaml:"inputs"`
	Expected Fields `json:"expected,omitempty" yaml:"expected,omitempty"`
}

// Record flattens the item into a single field set for reporting. Expected
// values win on name collisions with inputs.
func (it Item) Record() Fields {
	out := make(Fields, len(it.Inputs)+len(it.Expected))
	for k, v := range it.Inputs {
		out[k] = v
	}
	for k, v := range it.Expected {
		out[k] = v
	}
	return out
}
