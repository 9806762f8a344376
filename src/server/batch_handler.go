package server

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/simfabric/sample-dispatcher/src/config"
	"github.com/simfabric/sample-dispatcher/src/middleware"
	"github.com/simfabric/sample-dispatcher/src/models"
	"github.com/simfabric/sample-dispatcher/src/protocol"
	"github.com/sirupsen/logrus"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// BatchSink receives every completed batch.
type BatchSink interface {
	OnBatchReady(ctx context.Context, batch *Batch) error
}

// Publisher is the part of middleware.Publisher the batch handler needs.
type Publisher interface {
	Publish(exchangeName, routingKey string, msg middleware.Message) error
}

// BatchHandler publishes batches as protobuf Structs and a JSON summary per
// batch.
type BatchHandler struct {
	publisher Publisher
	logger    *logrus.Logger
	exchange  string
	sequence  int
}

// NewBatchHandler creates a new batch handler publishing to the sample batches exchange
func NewBatchHandler(publisher Publisher, logger *logrus.Logger) *BatchHandler {
	return &BatchHandler{
		publisher: publisher,
		logger:    logger,
		exchange:  config.SAMPLE_BATCHES_EXCHANGE,
	}
}

// OnBatchReady converts, marshals and publishes one batch, then its summary.
func (bh *BatchHandler) OnBatchReady(ctx context.Context, batch *Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	batchID := uuid.NewString()
	sequence := bh.sequence

	payload, err := bh.prepareBatch(batchID, sequence, batch)
	if err != nil {
		return err
	}

	body, err := bh.marshalBatch(payload)
	if err != nil {
		return err
	}

	summary, err := json.Marshal(bh.summarize(batchID, sequence, batch))
	if err != nil {
		return fmt.Errorf("failed to marshal round summary: %w", err)
	}

	if err := bh.publishBatch(batchID, body, summary); err != nil {
		return err
	}
	bh.sequence++

	bh.logger.WithFields(logrus.Fields{
		"batch_id":  batchID,
		"sequence":  sequence,
		"rows":      batch.Rows(),
		"body_size": len(body),
	}).Info("Published batch")
	return nil
}

// prepareBatch builds the protobuf Struct for a batch.
func (bh *BatchHandler) prepareBatch(batchID string, sequence int, batch *Batch) (*structpb.Struct, error) {
	fields := make(map[string]any, len(batch.Fields))
	for _, name := range batch.FieldNames() {
		column := batch.Fields[name]
		values := make([]any, len(column))
		for i, v := range column {
			values[i] = nativeValue(v)
		}
		fields[name] = values
	}

	sessions := make([]any, len(batch.Sessions))
	for i, s := range batch.Sessions {
		sessions[i] = s
	}

	payload, err := structpb.NewStruct(map[string]any{
		"batch_id": batchID,
		"sequence": sequence,
		"rows":     batch.Rows(),
		"sessions": sessions,
		"fields":   fields,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to convert batch %s: %w", batchID, err)
	}
	return payload, nil
}

// nativeValue maps a protocol value onto the types structpb accepts. Arrays
// become objects carrying their element type, shape and flat data.
func nativeValue(v protocol.Value) any {
	switch v := v.(type) {
	case protocol.Bytes:
		return []byte(v)
	case protocol.Text:
		return string(v)
	case protocol.Bool:
		return bool(v)
	case protocol.Int:
		return int32(v)
	case protocol.Float:
		return float64(v)
	case protocol.NDArray:
		return arrayValue(v, protocol.KindArray)
	case protocol.List:
		return arrayValue(v.NDArray, protocol.KindList)
	}
	return nil
}

func arrayValue(a protocol.NDArray, kind protocol.Kind) map[string]any {
	shape := make([]any, len(a.Shape))
	for i, d := range a.Shape {
		shape[i] = d
	}
	data := make([]any, len(a.Data))
	for i, x := range a.Data {
		data[i] = x
	}
	return map[string]any{
		"kind":  kind.String(),
		"dtype": a.Elem.String(),
		"shape": shape,
		"data":  data,
	}
}

// marshalBatch serializes the batch to protobuf
func (bh *BatchHandler) marshalBatch(payload *structpb.Struct) ([]byte, error) {
	body, err := proto.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal batch: %w", err)
	}
	return body, nil
}

func (bh *BatchHandler) summarize(batchID string, sequence int, batch *Batch) models.RoundSummary {
	warnings := make([]string, len(batch.Stats.Events))
	for i, e := range batch.Stats.Events {
		warnings[i] = e.Error()
	}
	return models.RoundSummary{
		BatchID:    batchID,
		Sequence:   sequence,
		Rows:       batch.Rows(),
		Fields:     batch.FieldNames(),
		Rounds:     batch.Stats.Rounds,
		Broadcasts: batch.Stats.Broadcasts,
		Discarded:  batch.Stats.Discarded,
		Forced:     batch.Stats.Forced,
		Warnings:   warnings,
		CreatedAt:  time.Now().UTC(),
	}
}

// publishBatch publishes the batch and then its summary to the exchange
func (bh *BatchHandler) publishBatch(batchID string, body, summary []byte) error {
	messages := []struct {
		key string
		msg middleware.Message
	}{
		{config.BATCH_ROUTING_KEY, middleware.Message{ID: batchID, ContentType: "application/x-protobuf", Type: "google.protobuf.Struct", Body: body}},
		{config.STATS_ROUTING_KEY, middleware.Message{ID: batchID, ContentType: "application/json", Type: "round_summary", Body: summary}},
	}

	for _, m := range messages {
		if err := bh.publisher.Publish(bh.exchange, m.key, m.msg); err != nil {
			bh.logger.WithFields(logrus.Fields{
				"batch_id":    batchID,
				"routing_key": m.key,
				"error":       err.Error(),
			}).Error("Failed to publish batch to exchange")
			return fmt.Errorf("failed to publish %s for batch %s: %w", m.key, batchID, err)
		}
	}
	return nil
}

// LogSink only logs what it receives. It is used when no broker is configured.
type LogSink struct {
	logger *logrus.Logger
	count  int
}

func NewLogSink(logger *logrus.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) OnBatchReady(_ context.Context, batch *Batch) error {
	s.count++
	s.logger.WithFields(logrus.Fields{
		"sequence":   s.count - 1,
		"rows":       batch.Rows(),
		"fields":     batch.FieldNames(),
		"rounds":     batch.Stats.Rounds,
		"broadcasts": batch.Stats.Broadcasts,
		"discarded":  batch.Stats.Discarded,
		"forced":     batch.Stats.Forced,
	}).Info("Batch ready")
	return nil
}
