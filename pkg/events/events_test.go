package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"histostack/internal/models"
	"histostack/pkg/logger"
)

type failingSink struct{}

func (failingSink) Emit(context.Context, Event) error { return errors.New("sink down") }

func TestNew(t *testing.T) {
	sec := models.Section{VolumeID: "v", OrderIndex: 3, Status: models.StatusFailed, Reason: models.ReasonLowMaskConfidence}
	e := New(sec, models.StatusPending)

	_, err := ulid.ParseStrict(e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, e.From)
	assert.Equal(t, models.StatusFailed, e.To)
	assert.Equal(t, models.ReasonLowMaskConfidence, e.Reason)
	assert.NotEqual(t, e.ID, New(sec, models.StatusPending).ID)
}

func TestFanout(t *testing.T) {
	rec := &Recorder{}
	var buf bytes.Buffer
	sink := Fanout{rec, NewJSONLines(&buf), NewLogSink(logger.NewNoopLogger()), failingSink{}}

	ctx := context.Background()
	e1 := New(models.Section{VolumeID: "v", OrderIndex: 0, Status: models.StatusMasked}, models.StatusPending)
	e2 := New(models.Section{VolumeID: "v", OrderIndex: 1, Status: models.StatusMasked}, models.StatusPending)

	assert.Error(t, sink.Emit(ctx, e1))
	assert.Error(t, sink.Emit(ctx, e2))

	require.Len(t, rec.Events(), 2)
	assert.Equal(t, []Event{e2}, rec.For("v", 1))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	var decoded Event
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &decoded))
	assert.Equal(t, e1.ID, decoded.ID)
	assert.Equal(t, models.StatusMasked, decoded.To)
}

func TestNewPairFailed(t *testing.T) {
	e := NewPairFailed(models.PairResult{VolumeID: "v", From: 4, To: 2, Kind: models.PairAdjacent, Failed: true})

	assert.Equal(t, KindPairFailed, e.Kind)
	assert.Equal(t, 4, e.OrderIndex)
	require.NotNil(t, e.Partner)
	assert.Equal(t, 2, *e.Partner)
	assert.Equal(t, models.ReasonPairwiseNonConvergent, e.Reason)

	var buf bytes.Buffer
	require.NoError(t, NewJSONLines(&buf).Emit(context.Background(), e))
	var fields map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &fields))
	assert.Equal(t, "pair_failed", fields["kind"])
	assert.Equal(t, 2.0, fields["partner"])
	assert.NotContains(t, fields, "from")
	assert.NotContains(t, fields, "to")

	rec := &Recorder{}
	require.NoError(t, rec.Emit(context.Background(), e))
	require.NoError(t, NewLogSink(logger.NewNoopLogger()).Emit(context.Background(), e))
	assert.Len(t, rec.Events(), 1)
	assert.Empty(t, rec.For("v", 4), "pair failures are not transitions")
}
