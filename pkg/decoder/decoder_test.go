package decoder_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glaciate/snowfall/pkg/decoder"
	"github.com/glaciate/snowfall/pkg/models"
)

func collect(t *testing.T, input string) []*decoder.Event {
	t.Helper()
	var events []*decoder.Event
	for ev := range decoder.New(strings.NewReader(input)).Events(context.Background()) {
		events = append(events, ev)
	}
	return events
}

func TestDecoder(t *testing.T) {
	t.Run("decodes a message sequence in order", func(tt *testing.T) {
		input := strings.Join([]string{
			`{"type":"SCHEMA","stream":"orders","columns":[{"name":"id","type":"integer"},{"name":"total","type":"float"}],"key_columns":["id"]}`,
			`{"type":"RECORD","stream":"orders","data":{"id":1,"total":9.5}}`,
			``,
			`{"type":"STATE","value":{"pos":42}}`,
		}, "\n")

		events := collect(tt, input)
		require.Equal(tt, 3, len(events))

		require.NotNil(tt, events[0].Schema)
		assert.Equal(tt, "orders", events[0].Schema.Stream)
		require.Equal(tt, 2, len(events[0].Schema.Columns))
		assert.Equal(tt, models.TypeInteger, events[0].Schema.Columns[0].Type)
		assert.True(tt, events[0].Schema.Columns[0].PrimaryKey)
		assert.False(tt, events[0].Schema.Columns[0].Nullable, "key columns are not nullable")
		assert.True(tt, events[0].Schema.Columns[1].Nullable)

		require.NotNil(tt, events[1].Record)
		assert.Equal(tt, "orders", events[1].Record.Stream)
		assert.Equal(tt, float64(1), events[1].Record.Data["id"])

		require.NotNil(tt, events[2].Checkpoint)
		assert.JSONEq(tt, `{"pos":42}`, string(events[2].Checkpoint.Token))
	})

	t.Run("record for an undeclared stream fails the run", func(tt *testing.T) {
		events := collect(tt, `{"type":"RECORD","stream":"ghost","data":{"id":1}}`)
		require.Equal(tt, 1, len(events))
		require.Error(tt, events[0].Err)
		var derr *models.DecodeError
		require.ErrorAs(tt, events[0].Err, &derr)
		assert.Equal(tt, 1, derr.Line)
	})

	t.Run("stops at the first malformed line", func(tt *testing.T) {
		input := strings.Join([]string{
			`{"type":"SCHEMA","stream":"s","columns":[{"name":"id","type":"integer"}]}`,
			`{not json`,
			`{"type":"RECORD","stream":"s","data":{"id":1}}`,
		}, "\n")

		events := collect(tt, input)
		require.Equal(tt, 2, len(events))
		require.Error(tt, events[1].Err)
		var derr *models.DecodeError
		require.ErrorAs(tt, events[1].Err, &derr)
		assert.Equal(tt, 2, derr.Line)
	})

	t.Run("rejects unknown message and column types", func(tt *testing.T) {
		events := collect(tt, `{"type":"ACTIVATE","stream":"s"}`)
		require.Equal(tt, 1, len(events))
		assert.Error(tt, events[0].Err)

		events = collect(tt, `{"type":"SCHEMA","stream":"s","columns":[{"name":"id","type":"uuid"}]}`)
		require.Equal(tt, 1, len(events))
		assert.Error(tt, events[0].Err)
	})

	t.Run("rejects key columns missing from the declaration", func(tt *testing.T) {
		events := collect(tt, `{"type":"SCHEMA","stream":"s","columns":[{"name":"id","type":"integer"}],"key_columns":["other"]}`)
		require.Equal(tt, 1, len(events))
		assert.Error(tt, events[0].Err)
	})

	t.Run("state without value is malformed", func(tt *testing.T) {
		events := collect(tt, `{"type":"STATE"}`)
		require.Equal(tt, 1, len(events))
		assert.Error(tt, events[0].Err)
	})

	t.Run("cancellation releases the decoder without a reader", func(tt *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		events := decoder.New(strings.NewReader(`{not json`)).Events(ctx)

		// Nobody consumes the error event; the goroutine must still exit
		// and close the channel instead of blocking on the send.
		time.Sleep(20 * time.Millisecond)
		_, ok := <-events
		assert.False(tt, ok)
	})
}
