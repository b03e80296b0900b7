package decoder

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/glaciate/snowfall/pkg/models"
)

// SchemaEvent declares or re-declares a stream schema.
type SchemaEvent struct {
	Stream  string
	Columns []models.Column
}

// RecordEvent carries one row of a stream.
type RecordEvent struct {
	Stream string
	Data   map[string]interface{}
}

// CheckpointEvent carries an opaque resumability token from the source.
type CheckpointEvent struct {
	Token json.RawMessage
}

// Event is one decoded message. Exactly one of the pointers is set, or Err
// on a malformed input. An Err event is always the last one on the channel.
type Event struct {
	Schema     *SchemaEvent
	Record     *RecordEvent
	Checkpoint *CheckpointEvent
	Err        error
}

type rawColumn struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable *bool  `json:"nullable,omitempty"`
}

type rawMessage struct {
	Type       string                 `json:"type"`
	Stream     string                 `json:"stream,omitempty"`
	Columns    []rawColumn            `json:"columns,omitempty"`
	KeyColumns []string               `json:"key_columns,omitempty"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Value      json.RawMessage        `json:"value,omitempty"`
}

// maxLineSize bounds one input message. Wide rows with variant payloads can
// get large, but a line beyond this is treated as corrupt input.
const maxLineSize = 16 * 1024 * 1024

// Decoder turns newline-delimited messages into typed events, preserving
// input order exactly.
type Decoder struct {
	scanner *bufio.Scanner
	// Streams seen in SCHEMA messages. A RECORD for an undeclared stream is
	// an inconsistent reference and fails the run.
	declared map[string]bool
	line     int
}

// New creates a Decoder reading from r.
func New(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	return &Decoder{
		scanner:  scanner,
		declared: map[string]bool{},
	}
}

// Events decodes the input in a goroutine and delivers events in order.
// The channel is closed on EOF, after a DecodeError, or when ctx is done.
func (x *Decoder) Events(ctx context.Context) <-chan *Event {
	ch := make(chan *Event)

	go func() {
		defer close(ch)

		for x.scanner.Scan() {
			x.line++
			raw := strings.TrimSpace(x.scanner.Text())
			if raw == "" {
				continue
			}

			ev, err := x.decodeLine(raw)
			if err != nil {
				select {
				case ch <- &Event{Err: err}:
				case <-ctx.Done():
				}
				return
			}

			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}

		if err := x.scanner.Err(); err != nil {
			select {
			case ch <- &Event{Err: &models.DecodeError{
				Line:   x.line + 1,
				Reason: "failed to read input",
				Err:    err,
			}}:
			case <-ctx.Done():
			}
		}
	}()

	return ch
}

func (x *Decoder) decodeLine(raw string) (*Event, error) {
	var msg rawMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return nil, &models.DecodeError{Line: x.line, Reason: "invalid JSON", Err: err}
	}

	switch msg.Type {
	case "SCHEMA":
		return x.decodeSchema(&msg)
	case "RECORD":
		return x.decodeRecord(&msg)
	case "STATE":
		return x.decodeState(&msg)
	case "":
		return nil, &models.DecodeError{Line: x.line, Reason: "missing message type"}
	default:
		return nil, &models.DecodeError{Line: x.line, Reason: "unknown message type: " + msg.Type}
	}
}

func (x *Decoder) decodeSchema(msg *rawMessage) (*Event, error) {
	if msg.Stream == "" {
		return nil, &models.DecodeError{Line: x.line, Reason: "SCHEMA message without stream"}
	}
	if len(msg.Columns) == 0 {
		return nil, &models.DecodeError{Line: x.line, Reason: "SCHEMA message without columns"}
	}

	keys := map[string]bool{}
	for _, k := range msg.KeyColumns {
		keys[strings.ToUpper(k)] = true
	}

	columns := make([]models.Column, 0, len(msg.Columns))
	for _, raw := range msg.Columns {
		if raw.Name == "" {
			return nil, &models.DecodeError{Line: x.line, Reason: "column without name"}
		}
		logical, ok := models.ParseLogicalType(raw.Type)
		if !ok {
			return nil, &models.DecodeError{
				Line:   x.line,
				Reason: "unknown column type '" + raw.Type + "' for " + raw.Name,
			}
		}

		col := models.Column{
			Name:       raw.Name,
			Type:       logical,
			Nullable:   true,
			PrimaryKey: keys[strings.ToUpper(raw.Name)],
		}
		if raw.Nullable != nil {
			col.Nullable = *raw.Nullable
		}
		if col.PrimaryKey {
			col.Nullable = false
		}
		delete(keys, strings.ToUpper(raw.Name))
		columns = append(columns, col)
	}

	if len(keys) > 0 {
		return nil, &models.DecodeError{Line: x.line, Reason: "key_columns reference undeclared columns"}
	}

	x.declared[msg.Stream] = true
	return &Event{Schema: &SchemaEvent{Stream: msg.Stream, Columns: columns}}, nil
}

func (x *Decoder) decodeRecord(msg *rawMessage) (*Event, error) {
	if msg.Stream == "" {
		return nil, &models.DecodeError{Line: x.line, Reason: "RECORD message without stream"}
	}
	if !x.declared[msg.Stream] {
		return nil, &models.DecodeError{
			Line:   x.line,
			Reason: "RECORD for undeclared stream: " + msg.Stream,
		}
	}
	if msg.Data == nil {
		return nil, &models.DecodeError{Line: x.line, Reason: "RECORD message without data"}
	}

	return &Event{Record: &RecordEvent{Stream: msg.Stream, Data: msg.Data}}, nil
}

func (x *Decoder) decodeState(msg *rawMessage) (*Event, error) {
	if len(msg.Value) == 0 {
		return nil, &models.DecodeError{Line: x.line, Reason: "STATE message without value"}
	}
	return &Event{Checkpoint: &CheckpointEvent{Token: msg.Value}}, nil
}
