// ABOUTME: CloudEvents envelope used for pub/sub fan-out between agents.
// ABOUTME: The Type field is the topic key consulted by subscription matching.

package wire

import (
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/anypb"
)

// SpecVersion is the CloudEvents spec version stamped on events built here.
const SpecVersion = "1.0"

// AttrValue holds one CloudEvents attribute. Exactly one field is populated,
// matching the standard scalar kinds.
type AttrValue struct {
	Bool      *bool      `json:"ce_boolean,omitempty"`
	Integer   *int32     `json:"ce_integer,omitempty"`
	String    *string    `json:"ce_string,omitempty"`
	Bytes     []byte     `json:"ce_bytes,omitempty"`
	URI       *string    `json:"ce_uri,omitempty"`
	URIRef    *string    `json:"ce_uri_ref,omitempty"`
	Timestamp *time.Time `json:"ce_timestamp,omitempty"`
}

// Validate reports an error unless exactly one kind is set.
func (v *AttrValue) Validate() error {
	set := 0
	if v.Bool != nil {
		set++
	}
	if v.Integer != nil {
		set++
	}
	if v.String != nil {
		set++
	}
	if v.Bytes != nil {
		set++
	}
	if v.URI != nil {
		set++
	}
	if v.URIRef != nil {
		set++
	}
	if v.Timestamp != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("attribute must set exactly one kind, got %d", set)
	}
	return nil
}

// CloudEvent is the event envelope. Immutable once constructed; Type is the
// topic key used for subscription matching, Source identifies the publisher.
type CloudEvent struct {
	Id          string               `json:"id"`
	Source      string               `json:"source"`
	SpecVersion string               `json:"spec_version"`
	Type        string               `json:"type"`
	Attributes  map[string]AttrValue `json:"attributes,omitempty"`
	Metadata    map[string]string    `json:"metadata,omitempty"`

	// Data variants; at most one is set.
	BinaryData []byte     `json:"binary_data,omitempty"`
	TextData   *string    `json:"text_data,omitempty"`
	ProtoData  *anypb.Any `json:"proto_data,omitempty"`
}

// Validate checks required fields, the data oneof, and every attribute.
func (e *CloudEvent) Validate() error {
	if e.Id == "" {
		return errors.New("cloud event missing id")
	}
	if e.Source == "" {
		return errors.New("cloud event missing source")
	}
	if e.Type == "" {
		return errors.New("cloud event missing type")
	}
	set := 0
	if e.BinaryData != nil {
		set++
	}
	if e.TextData != nil {
		set++
	}
	if e.ProtoData != nil {
		set++
	}
	if set > 1 {
		return fmt.Errorf("cloud event has %d data variants set", set)
	}
	for name, attr := range e.Attributes {
		if err := attr.Validate(); err != nil {
			return fmt.Errorf("attribute %q: %w", name, err)
		}
	}
	return nil
}
