package publisher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/raterudder/sunsynk/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeToken struct {
	err error
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t *fakeToken) Error() error { return t.err }

type fakeMessage struct {
	paho.Message
	topic   string
	payload []byte
}

func (m *fakeMessage) Topic() string   { return m.topic }
func (m *fakeMessage) Payload() []byte { return m.payload }

// fakeClient records publishes; methods it does not override panic.
type fakeClient struct {
	paho.Client

	mu        sync.Mutex
	published map[string]string
	retained  map[string]bool
	failTopic string
	handler   paho.MessageHandler
	filter    string
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		published: map[string]string{},
		retained:  map[string]bool{},
	}
}

func (c *fakeClient) Connect() paho.Token { return &fakeToken{} }

func (c *fakeClient) Disconnect(uint) {}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if topic == c.failTopic {
		return &fakeToken{err: errors.New("not authorized")}
	}
	c.published[topic] = payload.(string)
	c.retained[topic] = retained
	return &fakeToken{}
}

func (c *fakeClient) Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token {
	c.filter = topic
	c.handler = callback
	return &fakeToken{}
}

func TestMQTT(t *testing.T) {
	ctx := context.Background()

	t.Run("Publish", func(t *testing.T) {
		client := newFakeClient()
		m := NewMQTT(client, "home/sunsynk/")
		require.NoError(t, m.Connect(ctx))
		assert.Equal(t, "online", client.published["home/sunsynk/bridge/status"])

		require.NoError(t, m.Publish(ctx, "SN1", []types.ChannelValue{
			{Channel: "battery-soc", Value: 76.5},
			{Channel: "interval-2-time", Value: "05:30"},
			{Channel: "interval-2-grid-charge", Value: true},
		}))
		assert.Equal(t, "76.5", client.published["home/sunsynk/SN1/battery-soc"])
		assert.Equal(t, "05:30", client.published["home/sunsynk/SN1/interval-2-time"])
		assert.Equal(t, "ON", client.published["home/sunsynk/SN1/interval-2-grid-charge"])
		assert.True(t, client.retained["home/sunsynk/SN1/battery-soc"])

		require.NoError(t, m.MarkOffline(ctx, "SN1", "timeout"))
		assert.Equal(t, "offline", client.published["home/sunsynk/SN1/status"])
		assert.Equal(t, "timeout", client.published["home/sunsynk/SN1/status/reason"])
		require.NoError(t, m.MarkOnline(ctx, "SN1"))
		assert.Equal(t, "online", client.published["home/sunsynk/SN1/status"])
	})

	t.Run("PublishErrorsJoined", func(t *testing.T) {
		client := newFakeClient()
		client.failTopic = "sunsynk/SN1/battery-soc"
		m := NewMQTT(client, "")

		err := m.Publish(ctx, "SN1", []types.ChannelValue{
			{Channel: "battery-soc", Value: 76.5},
			{Channel: "grid-power", Value: 10.0},
		})
		assert.ErrorContains(t, err, "sunsynk/SN1/battery-soc")
		assert.Equal(t, "10", client.published["sunsynk/SN1/grid-power"])
	})

	t.Run("Commands", func(t *testing.T) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		client := newFakeClient()
		m := NewMQTT(client, "sunsynk")

		type command struct{ serial, channel, value string }
		got := make(chan command, 4)
		require.NoError(t, m.Subscribe(ctx, func(ctx context.Context, serial, channel, value string) error {
			got <- command{serial, channel, value}
			return nil
		}))
		assert.Equal(t, "sunsynk/+/+/set", client.filter)

		client.handler(client, &fakeMessage{topic: "sunsynk/SN1/interval-2-time/set", payload: []byte(" 05:30\n")})
		client.handler(client, &fakeMessage{topic: "sunsynk/SN1/interval-2-time", payload: []byte("06:00")})
		client.handler(client, &fakeMessage{topic: "other/SN1/interval-2-time/set", payload: []byte("06:00")})
		client.handler(client, &fakeMessage{topic: "sunsynk/SN2/interval-1-capacity/set", payload: []byte("40")})

		for _, want := range []command{{"SN1", "interval-2-time", "05:30"}, {"SN2", "interval-1-capacity", "40"}} {
			select {
			case c := <-got:
				assert.Equal(t, want, c)
			case <-time.After(5 * time.Second):
				t.Fatalf("command %v was not delivered", want)
			}
		}
		select {
		case c := <-got:
			t.Fatalf("unexpected command %v", c)
		case <-time.After(50 * time.Millisecond):
		}
	})

	t.Run("SlowCommandDoesNotBlockCallback", func(t *testing.T) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		client := newFakeClient()
		m := NewMQTT(client, "sunsynk")

		release := make(chan struct{})
		done := make(chan string, 2)
		require.NoError(t, m.Subscribe(ctx, func(ctx context.Context, serial, channel, value string) error {
			<-release
			done <- value
			return errors.New("push failed")
		}))

		returned := make(chan struct{})
		go func() {
			client.handler(client, &fakeMessage{topic: "sunsynk/SN1/interval-1-time/set", payload: []byte("01:00")})
			client.handler(client, &fakeMessage{topic: "sunsynk/SN1/interval-1-time/set", payload: []byte("02:00")})
			close(returned)
		}()
		select {
		case <-returned:
		case <-time.After(time.Second):
			t.Fatal("message callback blocked on a slow command")
		}

		close(release)
		assert.Equal(t, "01:00", <-done)
		assert.Equal(t, "02:00", <-done)
	})
}
