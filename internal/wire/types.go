// ABOUTME: Wire envelope and payload types exchanged between workers and gateways.
// ABOUTME: A Message carries exactly one variant; anything else is a protocol error.

package wire

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownMessage indicates an envelope with no recognized variant set.
var ErrUnknownMessage = errors.New("unknown or unset message kind")

// ErrAmbiguousMessage indicates an envelope with more than one variant set.
var ErrAmbiguousMessage = errors.New("more than one message kind set")

// AgentId identifies one logical agent instance. Type selects the behavior,
// Key distinguishes instances of that type. The pair is stable for the
// agent's lifetime and is used as the directory and state-store key.
type AgentId struct {
	Type string `json:"type"`
	Key  string `json:"key"`
}

// String renders the canonical "Type/Key" form.
func (a AgentId) String() string {
	return a.Type + "/" + a.Key
}

// ParseAgentId parses the canonical "Type/Key" form. The key may itself
// contain slashes; only the first separator splits.
func ParseAgentId(s string) (AgentId, error) {
	typ, key, ok := strings.Cut(s, "/")
	if !ok || typ == "" {
		return AgentId{}, fmt.Errorf("invalid agent id %q: want Type/Key", s)
	}
	return AgentId{Type: typ, Key: key}, nil
}

// Request is a point-to-point RPC addressed to one agent instance.
type Request struct {
	RequestId string  `json:"request_id"`
	Target    AgentId `json:"target"`
	Method    string  `json:"method,omitempty"`
	Payload   []byte  `json:"payload,omitempty"`
}

// Response answers a Request. Routing failures travel in Error so the
// caller can tell "could not route" apart from a stream fault.
type Response struct {
	RequestId string `json:"request_id"`
	Payload   []byte `json:"payload,omitempty"`
	Error     string `json:"error,omitempty"`
}

// RegisterAgentTypeRequest announces that the sending worker can
// instantiate agents of the given type.
type RegisterAgentTypeRequest struct {
	RequestId string `json:"request_id"`
	Type      string `json:"type"`
}

// RegisterAgentTypeResponse acknowledges a type registration.
type RegisterAgentTypeResponse struct {
	RequestId string `json:"request_id"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

// TypeSubscription binds an exact topic to an agent type.
type TypeSubscription struct {
	TopicType string `json:"topic_type"`
	AgentType string `json:"agent_type"`
}

// TypePrefixSubscription binds every topic sharing a prefix to an agent type.
type TypePrefixSubscription struct {
	TopicTypePrefix string `json:"topic_type_prefix"`
	AgentType       string `json:"agent_type"`
}

// Subscription holds exactly one of the two variants.
type Subscription struct {
	Exact  *TypeSubscription       `json:"type_subscription,omitempty"`
	Prefix *TypePrefixSubscription `json:"type_prefix_subscription,omitempty"`
}

// Parts returns the topic and agent type from whichever variant is set.
// It is a contract violation for neither or both to be populated.
func (s *Subscription) Parts() (topic, agentType string, isPrefix bool, err error) {
	switch {
	case s == nil:
		return "", "", false, errors.New("subscription not set")
	case s.Exact != nil && s.Prefix != nil:
		return "", "", false, errors.New("subscription has both exact and prefix variants set")
	case s.Exact != nil:
		return s.Exact.TopicType, s.Exact.AgentType, false, nil
	case s.Prefix != nil:
		return s.Prefix.TopicTypePrefix, s.Prefix.AgentType, true, nil
	default:
		return "", "", false, errors.New("subscription has neither exact nor prefix variant set")
	}
}

// AddSubscriptionRequest registers a subscription on behalf of the worker.
type AddSubscriptionRequest struct {
	RequestId    string        `json:"request_id"`
	Subscription *Subscription `json:"subscription"`
}

// AddSubscriptionResponse acknowledges a subscription registration.
type AddSubscriptionResponse struct {
	RequestId string `json:"request_id"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

// Kind classifies the variant carried by a Message.
type Kind int

const (
	KindInvalid Kind = iota
	KindRequest
	KindResponse
	KindCloudEvent
	KindRegisterAgentType
	KindRegisterAgentTypeResponse
	KindAddSubscription
	KindAddSubscriptionResponse
)

// Message is the stream envelope. Exactly one field must be non-nil.
type Message struct {
	Request                   *Request                   `json:"request,omitempty"`
	Response                  *Response                  `json:"response,omitempty"`
	CloudEvent                *CloudEvent                `json:"cloud_event,omitempty"`
	RegisterAgentType         *RegisterAgentTypeRequest  `json:"register_agent_type,omitempty"`
	RegisterAgentTypeResponse *RegisterAgentTypeResponse `json:"register_agent_type_response,omitempty"`
	AddSubscription           *AddSubscriptionRequest    `json:"add_subscription,omitempty"`
	AddSubscriptionResponse   *AddSubscriptionResponse   `json:"add_subscription_response,omitempty"`
}

// Kind validates the envelope and reports which variant is set.
// Returns ErrUnknownMessage for an empty envelope and ErrAmbiguousMessage
// when more than one variant is populated; both are fatal to the stream.
func (m *Message) Kind() (Kind, error) {
	kind := KindInvalid
	set := 0
	mark := func(k Kind) {
		kind = k
		set++
	}
	if m.Request != nil {
		mark(KindRequest)
	}
	if m.Response != nil {
		mark(KindResponse)
	}
	if m.CloudEvent != nil {
		mark(KindCloudEvent)
	}
	if m.RegisterAgentType != nil {
		mark(KindRegisterAgentType)
	}
	if m.RegisterAgentTypeResponse != nil {
		mark(KindRegisterAgentTypeResponse)
	}
	if m.AddSubscription != nil {
		mark(KindAddSubscription)
	}
	if m.AddSubscriptionResponse != nil {
		mark(KindAddSubscriptionResponse)
	}
	switch set {
	case 0:
		return KindInvalid, ErrUnknownMessage
	case 1:
		return kind, nil
	default:
		return KindInvalid, ErrAmbiguousMessage
	}
}

// StateRecord is the persisted agent state payload used by the unary
// GetState/SaveState RPCs.
type StateRecord struct {
	AgentId AgentId `json:"agent_id"`
	Data    []byte  `json:"data,omitempty"`
	ETag    string  `json:"etag,omitempty"`
}

// GetStateRequest asks for an agent's persisted state.
type GetStateRequest struct {
	AgentId AgentId `json:"agent_id"`
}

// GetStateResponse carries the state blob and its current version token.
type GetStateResponse struct {
	Data []byte `json:"data,omitempty"`
	ETag string `json:"etag"`
}

// SaveStateRequest writes agent state conditioned on the expected ETag.
type SaveStateRequest struct {
	State StateRecord `json:"state"`
}

// SaveStateResponse returns the new version token, or a conflict with the
// ETag currently stored so the caller can re-read and retry.
type SaveStateResponse struct {
	ETag        string `json:"etag,omitempty"`
	Conflict    bool   `json:"conflict,omitempty"`
	CurrentETag string `json:"current_etag,omitempty"`
	Error       string `json:"error,omitempty"`
}
