package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContentHash_Deterministic(t *testing.T) {
	payload := []byte(`{"status":"active","doctor":"dr-chen"}`)

	first := ContentHash(payload)
	second := ContentHash(payload)

	assert.Equal(t, first, second)
	assert.Len(t, first, 64, "expected lowercase hex sha-256")
}

func TestContentHash_ByteSensitive(t *testing.T) {
	// Semantically equal JSON with different whitespace hashes differently;
	// devices hash payload bytes as sent, never a re-marshaled form.
	compact := ContentHash([]byte(`{"a":1}`))
	spaced := ContentHash([]byte(`{"a": 1}`))

	assert.NotEqual(t, compact, spaced)
}

func TestRecordKey_String(t *testing.T) {
	key := RecordKey{RecordType: "consultation", RecordKey: "c-42"}
	assert.Equal(t, "consultation/c-42", key.String())
}

func TestEventType_Persistent(t *testing.T) {
	assert.True(t, EventMessage.Persistent())
	assert.True(t, EventStateChange.Persistent())
	assert.True(t, EventPrescriptionUpdate.Persistent())
	assert.True(t, EventDoctorSwitch.Persistent())
	assert.True(t, EventRouteChange.Persistent())
	assert.False(t, EventType("heartbeat").Persistent())
}
