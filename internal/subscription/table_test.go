// ABOUTME: Tests for the subscription table's exact and prefix topic matching.

package subscription

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTable_ExactMatch(t *testing.T) {
	tbl := NewTable()
	tbl.Add("orders.created", "billing", false)
	tbl.Add("orders.created", "audit", false)

	assert.ElementsMatch(t, []string{"billing", "audit"}, tbl.Match("orders.created"))
	assert.Empty(t, tbl.Match("orders.deleted"))
}

func TestTable_PrefixMatch(t *testing.T) {
	tbl := NewTable()
	tbl.Add("orders.", "audit", true)

	assert.ElementsMatch(t, []string{"audit"}, tbl.Match("orders.created"))
	assert.ElementsMatch(t, []string{"audit"}, tbl.Match("orders."))
	assert.Empty(t, tbl.Match("payments.created"))
}

func TestTable_ExactAndPrefixBothMatch(t *testing.T) {
	tbl := NewTable()
	tbl.Add("orders.created", "billing", false)
	tbl.Add("orders.", "audit", true)

	// Every subscription is evaluated independently; an exact hit does not
	// shadow prefix subscribers.
	assert.ElementsMatch(t, []string{"billing", "audit"}, tbl.Match("orders.created"))

	// Topics without an exact entry still reach the prefix subscriber.
	assert.ElementsMatch(t, []string{"audit"}, tbl.Match("orders.canceled"))
}

func TestTable_ExactAndPrefixDedupeAgentType(t *testing.T) {
	tbl := NewTable()
	tbl.Add("orders.created", "audit", false)
	tbl.Add("orders.", "audit", true)

	assert.Equal(t, []string{"audit"}, tbl.Match("orders.created"))
}

func TestTable_EmptyPrefixMatchesEverything(t *testing.T) {
	tbl := NewTable()
	tbl.Add("", "firehose", true)

	assert.ElementsMatch(t, []string{"firehose"}, tbl.Match("anything.at.all"))
}

func TestTable_PrefixDedupe(t *testing.T) {
	tbl := NewTable()
	tbl.Add("orders.", "audit", true)
	tbl.Add("orders.cre", "audit", true)

	// Both prefixes match; the agent type appears once.
	assert.Equal(t, []string{"audit"}, tbl.Match("orders.created"))
}

func TestTable_AddIdempotent(t *testing.T) {
	tbl := NewTable()
	tbl.Add("orders.created", "billing", false)
	tbl.Add("orders.created", "billing", false)

	assert.Equal(t, []string{"billing"}, tbl.Match("orders.created"))
	assert.Len(t, tbl.Snapshot(), 1)
}

func TestTable_Remove(t *testing.T) {
	tbl := NewTable()
	tbl.Add("orders.created", "billing", false)
	tbl.Add("orders.", "audit", true)

	tbl.Remove("orders.created", "billing", false)
	assert.ElementsMatch(t, []string{"audit"}, tbl.Match("orders.created"))

	tbl.Remove("orders.", "audit", true)
	assert.Empty(t, tbl.Match("orders.created"))
	assert.Empty(t, tbl.Snapshot())
}

func TestTable_RemoveAgentType(t *testing.T) {
	tbl := NewTable()
	tbl.Add("orders.created", "billing", false)
	tbl.Add("orders.", "billing", true)
	tbl.Add("orders.", "audit", true)

	tbl.RemoveAgentType("billing")

	assert.ElementsMatch(t, []string{"audit"}, tbl.Match("orders.created"))
	assert.Len(t, tbl.Snapshot(), 1)
}

func TestTable_Snapshot(t *testing.T) {
	tbl := NewTable()
	tbl.Add("orders.created", "billing", false)
	tbl.Add("orders.", "audit", true)

	snap := tbl.Snapshot()
	assert.ElementsMatch(t, []Entry{
		{Topic: "orders.created", AgentType: "billing"},
		{Topic: "orders.", AgentType: "audit", Prefix: true},
	}, snap)
}
