package server

import (
	"github.com/simfabric/sample-dispatcher/src/protocol"
)

// RoundStats counts what happened while a batch was collected.
type RoundStats struct {
	Rounds     int
	Broadcasts int
	// Discarded and Forced are indexed by session.
	Discarded []int
	Forced    []int
	Events    []*protocol.RetryBoundExceededError
}

func newRoundStats(sessions int) RoundStats {
	return RoundStats{
		Discarded: make([]int, sessions),
		Forced:    make([]int, sessions),
	}
}

// TotalDiscarded sums the discarded samples over all sessions.
func (s RoundStats) TotalDiscarded() int {
	n := 0
	for _, d := range s.Discarded {
		n += d
	}
	return n
}

// Batch holds one column of values per sample field. Every column has one entry
// per row, and Sessions records which worker produced each row.
type Batch struct {
	Fields   map[string][]protocol.Value
	Sessions []int
	Stats    RoundStats

	order []string
}

func newBatch(capacity, sessions int) *Batch {
	return &Batch{
		Fields:   make(map[string][]protocol.Value),
		Sessions: make([]int, 0, capacity),
		Stats:    newRoundStats(sessions),
	}
}

// Rows is the number of samples in the batch.
func (b *Batch) Rows() int {
	return len(b.Sessions)
}

// FieldNames returns the field names in the order they first appeared.
func (b *Batch) FieldNames() []string {
	return append([]string(nil), b.order...)
}

// Row rebuilds the record of row r.
func (b *Batch) Row(r int) protocol.Record {
	rec := make(protocol.Record, 0, len(b.order))
	for _, name := range b.order {
		rec = append(rec, protocol.Field{Name: name, Value: b.Fields[name][r]})
	}
	return rec
}

// appendRow adds one sample. A field missing from rec gets a none value, and a
// field seen for the first time is back-filled with none for earlier rows, so
// that columns stay aligned.
func (b *Batch) appendRow(index int, rec protocol.Record) {
	rows := b.Rows()
	for _, f := range rec {
		if _, ok := b.Fields[f.Name]; ok {
			continue
		}
		col := make([]protocol.Value, rows, cap(b.Sessions))
		for i := range col {
			col[i] = protocol.None{}
		}
		b.Fields[f.Name] = col
		b.order = append(b.order, f.Name)
	}
	for _, name := range b.order {
		v, ok := rec.Get(name)
		if !ok {
			v = protocol.None{}
		}
		b.Fields[name] = append(b.Fields[name], v)
	}
	b.Sessions = append(b.Sessions, index)
}
