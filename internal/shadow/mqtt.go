package shadow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// MQTTService talks to a device shadow service over MQTT request/response
// topics:
//
//	$aws/things/<thing>/shadow[/name/<document>]/get
//	$aws/things/<thing>/shadow[/name/<document>]/get/accepted|rejected
//	$aws/things/<thing>/shadow[/name/<document>]/update
//	$aws/things/<thing>/shadow[/name/<document>]/update/accepted|rejected
//
// An empty document ID addresses the thing's unnamed shadow. Requests carry a
// clientToken that the service echoes back in the response.
type MQTTService struct {
	client mqtt.Client
	thing  string
	qos    byte

	mu         sync.Mutex
	pending    map[string]chan response
	subscribed map[string]bool
}

type response struct {
	accepted bool
	payload  []byte
}

type requestEnvelope struct {
	State       map[Partition]PipelineSet `json:"state,omitempty"`
	ClientToken string                    `json:"clientToken"`
}

type responseEnvelope struct {
	ClientToken string `json:"clientToken"`
	Code        int    `json:"code"`
	Message     string `json:"message"`
}

// NewMQTTService returns a service for thing using a connected client.
func NewMQTTService(client mqtt.Client, thing string, qos byte) *MQTTService {
	return &MQTTService{
		client:     client,
		thing:      thing,
		qos:        qos,
		pending:    make(map[string]chan response),
		subscribed: make(map[string]bool),
	}
}

// Topic returns the shadow topic for documentID and the given action
// ("get", "update", "update/accepted", ...).
func (s *MQTTService) Topic(documentID, action string) string {
	base := "$aws/things/" + s.thing + "/shadow"
	if documentID != "" {
		base += "/name/" + documentID
	}
	return base + "/" + action
}

func (s *MQTTService) Get(ctx context.Context, documentID string) (Document, error) {
	payload, err := s.request(ctx, documentID, "get", requestEnvelope{})
	if err != nil {
		return Document{}, err
	}
	var doc Document
	if err := json.Unmarshal(payload, &doc); err != nil {
		return Document{}, fmt.Errorf("decode document: %w", err)
	}
	return doc, nil
}

func (s *MQTTService) Update(ctx context.Context, documentID string, partition Partition, set PipelineSet) error {
	if set == nil {
		set = PipelineSet{}
	}
	_, err := s.request(ctx, documentID, "update", requestEnvelope{
		State: map[Partition]PipelineSet{partition: set},
	})
	return err
}

func (s *MQTTService) request(ctx context.Context, documentID, action string, req requestEnvelope) ([]byte, error) {
	if err := s.subscribe(ctx, documentID, action); err != nil {
		return nil, err
	}

	req.ClientToken = uuid.NewString()
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	reply := make(chan response, 1)
	s.mu.Lock()
	s.pending[req.ClientToken] = reply
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, req.ClientToken)
		s.mu.Unlock()
	}()

	topic := s.Topic(documentID, action)
	if err := wait(ctx, s.client.Publish(topic, s.qos, false, body)); err != nil {
		return nil, fmt.Errorf("publish %s: %w", topic, err)
	}

	slog.Debug("shadow: request published", "topic", topic, "client_token", req.ClientToken)

	select {
	case resp := <-reply:
		if resp.accepted {
			return resp.payload, nil
		}
		var env responseEnvelope
		if err := json.Unmarshal(resp.payload, &env); err != nil {
			return nil, fmt.Errorf("decode rejection: %w", err)
		}
		return nil, rejection(env.Code, env.Message)
	case <-ctx.Done():
		return nil, ctxErr(ctx)
	}
}

// subscribe registers the accepted/rejected response topics of an action
// once per document.
func (s *MQTTService) subscribe(ctx context.Context, documentID, action string) error {
	key := documentID + "|" + action

	s.mu.Lock()
	done := s.subscribed[key]
	s.mu.Unlock()
	if done {
		return nil
	}

	filters := map[string]byte{
		s.Topic(documentID, action+"/accepted"): s.qos,
		s.Topic(documentID, action+"/rejected"): s.qos,
	}
	if err := wait(ctx, s.client.SubscribeMultiple(filters, s.onResponse)); err != nil {
		return fmt.Errorf("subscribe %s responses: %w", action, err)
	}

	s.mu.Lock()
	s.subscribed[key] = true
	s.mu.Unlock()
	return nil
}

func (s *MQTTService) onResponse(_ mqtt.Client, msg mqtt.Message) {
	var env responseEnvelope
	if err := json.Unmarshal(msg.Payload(), &env); err != nil {
		slog.Warn("shadow: invalid response payload", "topic", msg.Topic(), "error", err)
		return
	}

	s.mu.Lock()
	reply, ok := s.pending[env.ClientToken]
	s.mu.Unlock()
	if !ok {
		// Response to another client or to a request that already timed out.
		return
	}

	select {
	case reply <- response{accepted: strings.HasSuffix(msg.Topic(), "/accepted"), payload: msg.Payload()}:
	default:
	}
}

// wait blocks until the token completes or ctx ends.
func wait(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctxErr(ctx)
	}
}

func ctxErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	return ctx.Err()
}
