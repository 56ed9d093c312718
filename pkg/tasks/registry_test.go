package tasks_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mrisegview/pkg/tasks"
)

func TestLookupResolvesModelIDAndLabel(t *testing.T) {
	cases := []struct {
		name    string
		modelID string
		label   string
	}{
		{"meningioma", "MRI_Meningioma", "Tumor"},
		{"lower-grade-glioma", "MRI_LGGlioma", "Tumor"},
		{"metastasis", "MRI_Metastasis", "Tumor"},
		{"glioblastoma", "MRI_GBM", "Tumor"},
		{"brain", "MRI_Brain", "Brain"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			task, err := tasks.Lookup(tc.name)
			require.NoError(t, err)
			assert.Equal(t, tc.modelID, task.ModelID)
			assert.Equal(t, tc.label, task.ResultLabel)
		})
	}
}

func TestLookupUnknownTask(t *testing.T) {
	_, err := tasks.Lookup("cardiac")
	require.Error(t, err)

	var unknown *tasks.UnknownTaskError
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, "cardiac", unknown.Name)
	assert.True(t, errors.Is(err, tasks.ErrUnknownTask))
}

func TestDefaultTaskIsRegistered(t *testing.T) {
	_, err := tasks.Lookup(tasks.DefaultTask)
	assert.NoError(t, err)
	assert.Equal(t, tasks.DefaultTask, tasks.Names()[0])
}

func TestAllReturnsCopy(t *testing.T) {
	all := tasks.All()
	all[0].ModelID = "changed"

	task, err := tasks.Lookup(all[0].Name)
	require.NoError(t, err)
	assert.Equal(t, "MRI_Meningioma", task.ModelID)
}
