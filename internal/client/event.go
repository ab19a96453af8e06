// ABOUTME: CloudEvent construction helpers for publishers.

package client

import (
	"github.com/oklog/ulid/v2"

	"github.com/meshgate/mesh-gateway/internal/wire"
)

// NewTextEvent builds a CloudEvent with a text payload and a fresh id.
func NewTextEvent(source, eventType, text string) *wire.CloudEvent {
	return &wire.CloudEvent{
		Id:          ulid.Make().String(),
		Source:      source,
		SpecVersion: wire.SpecVersion,
		Type:        eventType,
		TextData:    &text,
	}
}

// NewBinaryEvent builds a CloudEvent with a binary payload and a fresh id.
func NewBinaryEvent(source, eventType string, data []byte) *wire.CloudEvent {
	return &wire.CloudEvent{
		Id:          ulid.Make().String(),
		Source:      source,
		SpecVersion: wire.SpecVersion,
		Type:        eventType,
		BinaryData:  data,
	}
}
