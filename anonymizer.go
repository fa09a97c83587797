package main

import (
	"fmt"
	"math/rand"
)

// labelPrefix is how labels appear in prompts and stored rankings,
// e.g. "Response A".
const labelPrefix = "Response "

// LabelAssignment is the session-scoped bijection between anonymized
// labels and the models that produced a successful Stage 1 response.
// It is generated once per run, kept as run metadata, and never placed
// in any prompt sent to a ranking or chairman model.
type LabelAssignment struct {
	labels       []string // ascending label order
	labelToModel map[string]string
	labelToText  map[string]string
	stage1Order  []string // labels in stable Stage 1 (council) order
}

// AssignLabels draws a fresh random permutation of the label alphabet
// over the successful responses. The shuffle keeps repeated runs from
// leaking model identity through label position.
func AssignLabels(successes []Stage1Response) *LabelAssignment {
	n := len(successes)
	a := &LabelAssignment{
		labels:       make([]string, n),
		labelToModel: make(map[string]string, n),
		labelToText:  make(map[string]string, n),
		stage1Order:  make([]string, n),
	}

	perm := rand.Perm(n)
	for i := 0; i < n; i++ {
		a.labels[i] = fmt.Sprintf("%s%c", labelPrefix, rune('A'+i))
	}
	// perm[i] is the index of the success that receives label i.
	for i, j := range perm {
		a.labelToModel[a.labels[i]] = successes[j].Model
		a.labelToText[a.labels[i]] = successes[j].Response
		a.stage1Order[j] = a.labels[i]
	}

	return a
}

// Labels returns the label alphabet in ascending order.
func (a *LabelAssignment) Labels() []string {
	out := make([]string, len(a.labels))
	copy(out, a.labels)
	return out
}

// Stage1Order returns the labels ordered by the stable Stage 1 council
// order of their underlying models. Used as the deterministic fallback
// when no valid peer ranking survives aggregation.
func (a *LabelAssignment) Stage1Order() []string {
	out := make([]string, len(a.stage1Order))
	copy(out, a.stage1Order)
	return out
}

// Model resolves a label back to its model identifier.
func (a *LabelAssignment) Model(label string) (string, bool) {
	model, ok := a.labelToModel[label]
	return model, ok
}

// Text returns the response text behind a label.
func (a *LabelAssignment) Text(label string) string {
	return a.labelToText[label]
}

// LabelToModel returns a copy of the full de-anonymization map for run
// metadata and UI display after the run.
func (a *LabelAssignment) LabelToModel() map[string]string {
	out := make(map[string]string, len(a.labelToModel))
	for label, model := range a.labelToModel {
		out[label] = model
	}
	return out
}

// Valid reports whether ranking is a permutation of the label alphabet.
func (a *LabelAssignment) Valid(ranking []string) bool {
	if len(ranking) != len(a.labels) {
		return false
	}
	seen := make(map[string]bool, len(ranking))
	for _, label := range ranking {
		if _, ok := a.labelToModel[label]; !ok || seen[label] {
			return false
		}
		seen[label] = true
	}
	return true
}
