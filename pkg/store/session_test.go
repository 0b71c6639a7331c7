package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeepMergeConfig_OverwritesTopLevelKey(t *testing.T) {
	base := map[string]any{"model": "gpt-4", "temperature": 0.7}
	patch := map[string]any{"temperature": 0.2}

	merged := deepMergeConfig(base, patch)

	assert.Equal(t, "gpt-4", merged["model"])
	assert.Equal(t, 0.2, merged["temperature"])
}

func TestDeepMergeConfig_PreservesSiblingsInNestedObject(t *testing.T) {
	base := map[string]any{
		"rag": map[string]any{
			"collection_name": "aquaculture_knowledge",
			"topk_single":     5,
			"topk_multi":      3,
		},
	}
	patch := map[string]any{
		"rag": map[string]any{"topk_single": 8},
	}

	merged := deepMergeConfig(base, patch)

	rag, ok := merged["rag"].(map[string]any)
	if !ok {
		t.Fatal("expected rag to remain a nested object")
	}
	assert.Equal(t, 8, rag["topk_single"])
	assert.Equal(t, "aquaculture_knowledge", rag["collection_name"])
	assert.Equal(t, 3, rag["topk_multi"])
}

func TestDeepMergeConfig_AddsNewTopLevelKey(t *testing.T) {
	base := map[string]any{"model": "gpt-4"}
	patch := map[string]any{"mode": "multi"}

	merged := deepMergeConfig(base, patch)

	assert.Equal(t, "gpt-4", merged["model"])
	assert.Equal(t, "multi", merged["mode"])
}

func TestDeepMergeConfig_ReplacesNestedWithScalar(t *testing.T) {
	base := map[string]any{"rag": map[string]any{"topk_single": 5}}
	patch := map[string]any{"rag": "disabled"}

	merged := deepMergeConfig(base, patch)

	assert.Equal(t, "disabled", merged["rag"])
}
