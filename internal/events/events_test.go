package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vadiminshakov/arbiter/internal/domain"
)

var btcusdt = domain.NewSymbol("BTC", "USDT")

func alert(msg string) domain.Event {
	return domain.NewAlertEvent(domain.OperatorAlert{Severity: domain.SeverityWarning, Symbol: btcusdt, Message: msg}, time.Unix(1700000000, 0))
}

func TestBroadcaster(t *testing.T) {
	b := NewBroadcaster(1)
	fast := b.Subscribe()
	slow := b.Subscribe()
	assert.Equal(t, 2, b.Subscribers())

	b.Publish(domain.EventRecord{Index: 1, Event: alert("one")})
	got := <-fast
	assert.Equal(t, uint64(1), got.Index)

	// slow never read, its buffer of one is full and the record is dropped for it only
	b.Publish(domain.EventRecord{Index: 2, Event: alert("two")})
	got = <-fast
	assert.Equal(t, uint64(2), got.Index)
	assert.Equal(t, uint64(1), (<-slow).Index)

	b.Unsubscribe(fast)
	_, open := <-fast
	assert.False(t, open)
	b.Unsubscribe(fast)
	assert.Equal(t, 1, b.Subscribers())
}

func TestFanout(t *testing.T) {
	rec := &Recorder{}
	failing := EmitterFunc(func(context.Context, domain.Event) error { return errors.New("sink down") })
	other := &Recorder{}

	err := Fanout{rec, failing, nil, other}.Emit(context.Background(), alert("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sink down")
	assert.Len(t, rec.Events(), 1)
	assert.Len(t, other.Events(), 1, "a failing sink does not stop the others")
	assert.Len(t, rec.OfKind(domain.EventOperatorAlert), 1)
	assert.Empty(t, rec.OfKind(domain.EventExecution))

	assert.NoError(t, Fanout{rec}.Emit(context.Background(), alert("y")))
}

type fakeStream struct {
	args []*redis.XAddArgs
	err  error
}

func (f *fakeStream) XAdd(_ context.Context, a *redis.XAddArgs) *redis.StringCmd {
	f.args = append(f.args, a)
	return redis.NewStringResult("1700000000000-0", f.err)
}

func TestRedisStream(t *testing.T) {
	client := &fakeStream{}
	stream := NewRedisStream(client, "arbiter:events", 0)

	require.NoError(t, stream.Emit(context.Background(), alert("drift")))
	require.Len(t, client.args, 1)

	args := client.args[0]
	assert.Equal(t, "arbiter:events", args.Stream)
	assert.Equal(t, int64(defaultStreamMaxLen), args.MaxLen)
	assert.True(t, args.Approx)

	values, ok := args.Values.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "operator_alert", values["kind"])

	var decoded domain.Event
	require.NoError(t, json.Unmarshal(values["payload"].([]byte), &decoded))
	assert.Equal(t, "drift", decoded.Alert.Message)
	assert.Equal(t, btcusdt, decoded.Alert.Symbol)

	client.err = errors.New("READONLY")
	err := stream.Emit(context.Background(), alert("again"))
	assert.ErrorContains(t, err, "arbiter:events")
}
