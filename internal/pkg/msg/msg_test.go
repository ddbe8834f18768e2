package msg

import (
	"bytes"
	"testing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gotest.tools/v3/assert"
)

func TestSubscribe(t *testing.T) {
	pidPub, err := uuid.NewUUID()
	assert.NilError(t, err)

	pidSub1, err := uuid.NewUUID()
	assert.NilError(t, err)

	pidSub2, err := uuid.NewUUID()
	assert.NilError(t, err)

	pubsub := NewPublisher(pidPub, 4)
	ch1 := pubsub.Subscribe(pidSub1, Evaluation)
	ch2 := pubsub.Subscribe(pidSub2, Evaluation)

	pubsub.Publish(Evaluation, 42.5)

	for _, ch := range []<-chan Msg{ch1, ch2} {
		incoming := <-ch
		assert.Equal(t, incoming.Payload(), 42.5)
		assert.Equal(t, incoming.PID(), pidPub)
		assert.Equal(t, incoming.Topic(), Evaluation)
	}
}

func TestTopicsAreSeparate(t *testing.T) {
	pubsub := NewPublisher(uuid.New(), 1)
	sub := uuid.New()
	ranking := pubsub.Subscribe(sub, Ranking)

	pubsub.Publish(Evaluation, "ignored")
	pubsub.Publish(Ranking, "ranked")

	m := <-ranking
	assert.Equal(t, m.Payload(), "ranked")
	assert.Equal(t, len(ranking), 0)
}

func TestUnsubscribe(t *testing.T) {
	pubsub := NewPublisher(uuid.New(), 1)
	sub := uuid.New()
	ch1 := pubsub.Subscribe(sub, Evaluation)
	ch2 := pubsub.Subscribe(sub, Ranking)

	pubsub.Unsubscribe(sub)

	_, ok := <-ch1
	assert.Assert(t, !ok)
	_, ok = <-ch2
	assert.Assert(t, !ok)

	// publishing after unsubscribe must not panic
	pubsub.Publish(Evaluation, 1)
}

func TestPublishDropsWhenFull(t *testing.T) {
	pubsub := NewPublisher(uuid.New(), 1)
	ch := pubsub.Subscribe(uuid.New(), Evaluation)

	pubsub.Publish(Evaluation, 1)
	pubsub.Publish(Evaluation, 2)

	m := <-ch
	assert.Equal(t, m.Payload(), 1)
	assert.Equal(t, len(ch), 0)
}

func TestClose(t *testing.T) {
	pubsub := NewPublisher(uuid.New(), 1)
	ch := pubsub.Subscribe(uuid.New(), Ranking)
	pubsub.Close()
	_, ok := <-ch
	assert.Assert(t, !ok)
}

func TestSubscribeTwiceReturnsSameChannel(t *testing.T) {
	pubsub := NewPublisher(uuid.New(), 1)
	sub := uuid.New()
	a := pubsub.Subscribe(sub, Evaluation)
	b := pubsub.Subscribe(sub, Evaluation)
	assert.Equal(t, a, b)
}

func TestFullBufferDropsAreCountedAndLogged(t *testing.T) {
	var out bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&out)

	pubsub := NewPublisher(uuid.New(), 1)
	pubsub.SetLogger(logger)
	ch := pubsub.Subscribe(uuid.New(), Evaluation)

	for i := 0; i < 3; i++ {
		pubsub.Publish(Evaluation, i)
	}
	assert.Equal(t, pubsub.Dropped(), uint64(2))
	assert.Assert(t, bytes.Contains(out.Bytes(), []byte("message dropped")))
	assert.Equal(t, (<-ch).Payload(), 0)

	pubsub.Publish(Evaluation, 3)
	assert.Equal(t, pubsub.Dropped(), uint64(2))
}
