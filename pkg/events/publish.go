package events

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog/log"
)

// PublisherManager distributes events to a set of publishers. Publishers are
// registered per topic; every published event is sent to all of them. The
// manager stamps each outgoing message with a sequence number in the order
// Publish handled it, so consumers can re-order interleaved streams.
type PublisherManager struct {
	publishers     map[string][]message.Publisher
	sequenceNumber uint64
	mutex          sync.Mutex
}

func NewPublisherManager() *PublisherManager {
	return &PublisherManager{
		publishers: make(map[string][]message.Publisher),
	}
}

func (s *PublisherManager) RegisterPublisher(topic string, pub message.Publisher) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.publishers[topic] = append(s.publishers[topic], pub)
}

// Publish serializes the payload to JSON and distributes it to every
// registered publisher across all topics.
func (s *PublisherManager) Publish(payload interface{}) error {
	// lock for the sequence number
	s.mutex.Lock()
	defer s.mutex.Unlock()

	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	msg := message.NewMessage(watermill.NewUUID(), b)
	msg.Metadata.Set("sequence_number", fmt.Sprintf("%d", s.sequenceNumber))
	s.sequenceNumber++

	for topic, pubs := range s.publishers {
		for _, pub := range pubs {
			err = pub.Publish(topic, msg)
			if err != nil {
				log.Warn().Err(err).Str("topic", topic).Msg("failed to publish")
			}
		}
	}

	return nil
}

// PublishEvent makes the manager usable wherever an EventSink is expected.
func (s *PublisherManager) PublishEvent(event Event) error {
	return s.Publish(event)
}

func (s *PublisherManager) PublishBlind(payload interface{}) {
	err := s.Publish(payload)
	if err != nil {
		log.Warn().Err(err).Msg("failed to publish")
	}
}

var _ EventSink = (*PublisherManager)(nil)
