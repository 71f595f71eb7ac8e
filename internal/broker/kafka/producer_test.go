package kafka

import (
	"context"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	last []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.last = append([]kafka.Message{}, msgs...)
	return w.err
}

func TestProducer_Publish(t *testing.T) {
	fw := &fakeWriter{}
	p := newProducerWithWriter(fw)

	require.NoError(t, p.Publish(context.Background(), "shipment.updated", []byte("42"), []byte("{}")))
	require.Len(t, fw.last, 1)
	require.Equal(t, "shipment.updated", fw.last[0].Topic)
	require.Equal(t, []byte("42"), fw.last[0].Key)
}

func TestProducer_PublishJSON(t *testing.T) {
	fw := &fakeWriter{}
	p := newProducerWithWriter(fw)

	payload := struct {
		ShipmentID uint64 `json:"shipment_id"`
		Status     string `json:"status"`
	}{ShipmentID: 42, Status: "shipped"}

	require.NoError(t, p.PublishJSON(context.Background(), "shipment.updated", "42", payload))
	require.Len(t, fw.last, 1)
	require.Equal(t, []byte("42"), fw.last[0].Key)
	require.JSONEq(t, `{"shipment_id":42,"status":"shipped"}`, string(fw.last[0].Value))
}

func TestProducer_PublishJSON_MarshalError(t *testing.T) {
	fw := &fakeWriter{}
	p := newProducerWithWriter(fw)

	err := p.PublishJSON(context.Background(), "shipment.updated", "42", make(chan int))
	require.Error(t, err)
	require.Contains(t, err.Error(), "marshal payload")
	require.Empty(t, fw.last)
}

func TestNewProducer(t *testing.T) {
	p := NewProducer([]string{"localhost:0"})
	require.NotNil(t, p)
}
