package main

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleSuccesses(n int) []Stage1Response {
	out := make([]Stage1Response, n)
	for i := range out {
		out[i] = Stage1Response{
			Model:    fmt.Sprintf("test/model-%d", i),
			Response: fmt.Sprintf("answer %d", i),
			OK:       true,
		}
	}
	return out
}

func TestAssignLabelsIsBijective(t *testing.T) {
	successes := sampleSuccesses(4)

	// The permutation is random, so check the invariants over many
	// draws instead of a fixed mapping.
	for i := 0; i < 50; i++ {
		assignment := AssignLabels(successes)

		labels := assignment.Labels()
		require.Equal(t, []string{"Response A", "Response B", "Response C", "Response D"}, labels)

		seenModels := make(map[string]bool)
		for _, label := range labels {
			model, ok := assignment.Model(label)
			require.True(t, ok)
			assert.False(t, seenModels[model], "model %s assigned twice", model)
			seenModels[model] = true
		}
		assert.Len(t, seenModels, 4)
	}
}

func TestAssignLabelsTextFollowsModel(t *testing.T) {
	successes := sampleSuccesses(3)
	assignment := AssignLabels(successes)

	byModel := make(map[string]string, len(successes))
	for _, s := range successes {
		byModel[s.Model] = s.Response
	}
	for _, label := range assignment.Labels() {
		model, ok := assignment.Model(label)
		require.True(t, ok)
		assert.Equal(t, byModel[model], assignment.Text(label))
	}
}

func TestStage1OrderTracksCouncilOrder(t *testing.T) {
	successes := sampleSuccesses(3)
	assignment := AssignLabels(successes)

	order := assignment.Stage1Order()
	require.Len(t, order, 3)
	for i, label := range order {
		model, ok := assignment.Model(label)
		require.True(t, ok)
		assert.Equal(t, successes[i].Model, model)
	}
}

func TestLabelToModelReturnsCopy(t *testing.T) {
	assignment := AssignLabels(sampleSuccesses(2))

	m := assignment.LabelToModel()
	m["Response A"] = "mutated"

	original, _ := assignment.Model("Response A")
	assert.NotEqual(t, "mutated", original)
}

func TestValid(t *testing.T) {
	assignment := AssignLabels(sampleSuccesses(3))

	assert.True(t, assignment.Valid([]string{"Response C", "Response A", "Response B"}))
	assert.False(t, assignment.Valid([]string{"Response A", "Response B"}))
	assert.False(t, assignment.Valid([]string{"Response A", "Response A", "Response B"}))
	assert.False(t, assignment.Valid([]string{"Response A", "Response B", "Response X"}))
	assert.False(t, assignment.Valid(nil))
}
