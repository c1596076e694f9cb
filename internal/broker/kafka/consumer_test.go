package kafka

import (
	"context"
	"io"
	"testing"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
)

type fakeReader struct {
	msgs      []kafka.Message
	committed []kafka.Message
	closed    bool
}

func (f *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if len(f.msgs) == 0 {
		return kafka.Message{}, io.EOF
	}
	m := f.msgs[0]
	f.msgs = f.msgs[1:]
	return m, nil
}

func (f *fakeReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	f.committed = append(f.committed, msgs...)
	return nil
}

func (f *fakeReader) Close() error {
	f.closed = true
	return nil
}

func TestConsumer_CommitsOnSuccess(t *testing.T) {
	r := &fakeReader{msgs: []kafka.Message{
		{Key: []byte("1"), Value: []byte(`{"shipment_id":1}`)},
		{Key: []byte("2"), Value: []byte(`{"shipment_id":2}`)},
	}}
	c := newConsumerWithReader(r)

	var seen [][]byte
	err := c.Consume(context.Background(), func(key, value []byte) error {
		seen = append(seen, key)
		return nil
	})
	require.ErrorIs(t, errors.Cause(err), io.EOF)
	require.Len(t, seen, 2)
	require.Len(t, r.committed, 2)
}

func TestConsumer_StopsWithoutCommitOnHandlerError(t *testing.T) {
	r := &fakeReader{msgs: []kafka.Message{
		{Key: []byte("1"), Value: []byte(`{}`)},
	}}
	c := newConsumerWithReader(r)

	wantErr := errors.New("apply failed")
	err := c.Consume(context.Background(), func(key, value []byte) error {
		return wantErr
	})
	require.ErrorIs(t, err, wantErr)
	require.Empty(t, r.committed)
}
