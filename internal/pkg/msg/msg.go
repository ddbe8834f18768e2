package msg

import (
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Topic is a category of published message.
type Topic int

const (
	// Evaluation carries one network's screening outcome.
	Evaluation Topic = iota
	// Ranking carries the final ranked records of a run.
	Ranking
)

func (t Topic) String() string {
	switch t {
	case Evaluation:
		return "evaluation"
	case Ranking:
		return "ranking"
	}
	return "unknown"
}

// Publisher is an interface for objects that allow subscription to their events
type Publisher interface {
	Subscribe(uuid.UUID, Topic) <-chan Msg
	Unsubscribe(uuid.UUID)
}

// Msg is a published payload with its sender and topic.
type Msg struct {
	sender  uuid.UUID
	topic   Topic
	payload interface{}
}

// New is the Msg factory function
func New(sender uuid.UUID, topic Topic, payload interface{}) Msg {
	return Msg{sender, topic, payload}
}

// PID returns the sender's PID
func (v Msg) PID() uuid.UUID {
	return v.sender
}

func (v Msg) Topic() Topic {
	return v.topic
}

// Payload returns the message data
func (v Msg) Payload() interface{} {
	return v.payload
}

// PubSub fans messages out to subscribers per topic. Delivery never blocks
// the publisher: a subscriber whose buffer is full misses the message, which
// is counted and logged.
type PubSub struct {
	mux         *sync.Mutex
	pid         uuid.UUID
	buffer      int
	subscribers map[Topic]map[uuid.UUID]chan Msg
	dropped     uint64
	log         logrus.FieldLogger
}

// NewPublisher returns a PubSub that sends as pid. buffer is the per
// subscriber channel capacity.
func NewPublisher(pid uuid.UUID, buffer int) *PubSub {
	return &PubSub{
		mux:         &sync.Mutex{},
		pid:         pid,
		buffer:      buffer,
		subscribers: make(map[Topic]map[uuid.UUID]chan Msg),
		log:         logrus.StandardLogger(),
	}
}

// SetLogger replaces the logger that reports dropped messages.
func (p *PubSub) SetLogger(log logrus.FieldLogger) {
	p.mux.Lock()
	defer p.mux.Unlock()
	p.log = log
}

// Dropped is the number of deliveries lost to full subscriber buffers.
func (p *PubSub) Dropped() uint64 {
	p.mux.Lock()
	defer p.mux.Unlock()
	return p.dropped
}

func (p *PubSub) PID() uuid.UUID {
	return p.pid
}

// Subscribe returns a channel receiving every message on topic. A pid
// subscribed twice to the same topic keeps its first channel.
func (p *PubSub) Subscribe(pid uuid.UUID, topic Topic) <-chan Msg {
	p.mux.Lock()
	defer p.mux.Unlock()
	if _, ok := p.subscribers[topic]; !ok {
		p.subscribers[topic] = make(map[uuid.UUID]chan Msg)
	}
	if ch, ok := p.subscribers[topic][pid]; ok {
		return ch
	}
	ch := make(chan Msg, p.buffer)
	p.subscribers[topic][pid] = ch
	return ch
}

// Unsubscribe pid from all topics and close its channels.
func (p *PubSub) Unsubscribe(pid uuid.UUID) {
	p.mux.Lock()
	defer p.mux.Unlock()
	for _, subs := range p.subscribers {
		if ch, ok := subs[pid]; ok {
			delete(subs, pid)
			close(ch)
		}
	}
}

// Publish sends payload to every subscriber of topic.
func (p *PubSub) Publish(topic Topic, payload interface{}) {
	p.mux.Lock()
	defer p.mux.Unlock()
	m := New(p.pid, topic, payload)
	for pid, ch := range p.subscribers[topic] {
		select {
		case ch <- m:
		default:
			p.dropped++
			p.log.WithFields(logrus.Fields{
				"topic":      topic,
				"subscriber": pid,
				"dropped":    p.dropped,
			}).Warn("subscriber buffer full, message dropped")
		}
	}
}

// Close unsubscribes everyone.
func (p *PubSub) Close() {
	p.mux.Lock()
	defer p.mux.Unlock()
	for topic, subs := range p.subscribers {
		for pid, ch := range subs {
			delete(subs, pid)
			close(ch)
		}
		delete(p.subscribers, topic)
	}
}
