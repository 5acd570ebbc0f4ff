package handlers

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskwell/taskwell/internal/task"
)

func TestAnalyzeValidatePayload(t *testing.T) {
	t.Parallel()

	h := NewAnalyzeHandler("compute")
	assert.Equal(t, "analyze", h.Type())
	assert.Equal(t, "compute", h.Queue())

	tests := []struct {
		name    string
		payload string
		wantErr bool
	}{
		{name: "valid", payload: `{"metric":"cpu","values":[1,2,3]}`},
		{name: "missing metric", payload: `{"values":[1]}`, wantErr: true},
		{name: "empty values", payload: `{"metric":"cpu","values":[]}`, wantErr: true},
		{name: "malformed", payload: `{`, wantErr: true},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := h.ValidatePayload(json.RawMessage(tc.payload))
			if tc.wantErr {
				assert.ErrorIs(t, err, task.ErrInvalidPayload)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestAnalyzeExecute(t *testing.T) {
	t.Parallel()

	h := NewAnalyzeHandler("compute")

	t.Run("odd series", func(t *testing.T) {
		t.Parallel()

		raw, err := h.Execute(context.Background(), json.RawMessage(`{"metric":"latency","values":[5,1,3]}`))
		require.NoError(t, err)

		var res AnalyzeResult
		require.NoError(t, json.Unmarshal(raw, &res))
		assert.Equal(t, "latency", res.Metric)
		assert.Equal(t, 3, res.Count)
		assert.Equal(t, 1.0, res.Min)
		assert.Equal(t, 5.0, res.Max)
		assert.Equal(t, 3.0, res.Mean)
		assert.Equal(t, 3.0, res.Median)
		assert.InDelta(t, 1.632993, res.StdDev, 1e-5)
	})

	t.Run("even series median", func(t *testing.T) {
		t.Parallel()

		raw, err := h.Execute(context.Background(), json.RawMessage(`{"metric":"m","values":[4,1,3,2]}`))
		require.NoError(t, err)

		var res AnalyzeResult
		require.NoError(t, json.Unmarshal(raw, &res))
		assert.Equal(t, 2.5, res.Median, "even-length series average the middle pair")
	})

	t.Run("single value", func(t *testing.T) {
		t.Parallel()

		raw, err := h.Execute(context.Background(), json.RawMessage(`{"metric":"m","values":[7]}`))
		require.NoError(t, err)

		var res AnalyzeResult
		require.NoError(t, json.Unmarshal(raw, &res))
		assert.Equal(t, 7.0, res.Min)
		assert.Equal(t, 7.0, res.Max)
		assert.Equal(t, 7.0, res.Median)
		assert.Equal(t, 0.0, res.StdDev)
	})

	t.Run("malformed payload is terminal", func(t *testing.T) {
		t.Parallel()

		_, err := h.Execute(context.Background(), json.RawMessage(`{`))
		require.Error(t, err)
		assert.True(t, task.IsTerminalError(err), "the same input will always fail the same way")
	})

	t.Run("empty series is terminal", func(t *testing.T) {
		t.Parallel()

		_, err := h.Execute(context.Background(), json.RawMessage(`{"metric":"m","values":[]}`))
		require.Error(t, err)
		assert.True(t, task.IsTerminalError(err))
	})
}
