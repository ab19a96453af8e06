// ABOUTME: Tests for CloudEvent and attribute validation.

package wire

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validEvent() *CloudEvent {
	text := "hello"
	return &CloudEvent{
		Id:          "evt-1",
		Source:      "worker-a",
		SpecVersion: SpecVersion,
		Type:        "orders.created",
		TextData:    &text,
	}
}

func TestCloudEvent_Validate(t *testing.T) {
	require.NoError(t, validEvent().Validate())
}

func TestCloudEvent_Validate_MissingFields(t *testing.T) {
	t.Run("id", func(t *testing.T) {
		ev := validEvent()
		ev.Id = ""
		assert.Error(t, ev.Validate())
	})
	t.Run("source", func(t *testing.T) {
		ev := validEvent()
		ev.Source = ""
		assert.Error(t, ev.Validate())
	})
	t.Run("type", func(t *testing.T) {
		ev := validEvent()
		ev.Type = ""
		assert.Error(t, ev.Validate())
	})
}

func TestCloudEvent_Validate_MultipleDataVariants(t *testing.T) {
	ev := validEvent()
	ev.BinaryData = []byte("also set")
	assert.Error(t, ev.Validate())
}

func TestCloudEvent_Validate_NoData(t *testing.T) {
	ev := validEvent()
	ev.TextData = nil
	assert.NoError(t, ev.Validate(), "data is optional")
}

func TestAttrValue_Validate(t *testing.T) {
	s := "value"
	b := true
	i := int32(7)
	ts := time.Now()

	valid := []AttrValue{
		{String: &s},
		{Bool: &b},
		{Integer: &i},
		{Bytes: []byte("raw")},
		{URI: &s},
		{URIRef: &s},
		{Timestamp: &ts},
	}
	for _, v := range valid {
		assert.NoError(t, v.Validate())
	}
}

func TestAttrValue_Validate_Invalid(t *testing.T) {
	s := "value"
	b := true

	empty := AttrValue{}
	assert.Error(t, empty.Validate())

	double := AttrValue{String: &s, Bool: &b}
	assert.Error(t, double.Validate())
}

func TestCloudEvent_Validate_BadAttribute(t *testing.T) {
	ev := validEvent()
	ev.Attributes = map[string]AttrValue{"bad": {}}
	err := ev.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad")
}
