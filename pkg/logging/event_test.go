package logging

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvent_JSONFieldNames(t *testing.T) {
	event := &Event{
		Timestamp: time.Date(2026, 2, 23, 14, 30, 0, 123000000, time.UTC),
		RunID:     "run-9f8e7d6c",
		Component: "tcp",
		EventType: EventTCPStateChange,
		Summary:   "10.0.0.1:443 -> 10.0.0.2:51000 ESTABLISHED",
	}
	b, err := json.Marshal(event)
	require.NoError(t, err)

	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(b, &m))

	assert.Contains(t, m, "ts")
	assert.Contains(t, m, "run_id")
	assert.Contains(t, m, "component")
	assert.Contains(t, m, "event_type")
	assert.Contains(t, m, "summary")
	// Omitempty fields absent
	assert.NotContains(t, m, "iface")
	assert.NotContains(t, m, "tags")
	assert.NotContains(t, m, "data")
}

func TestEvent_OmitemptyPresent(t *testing.T) {
	event := &Event{
		Timestamp: time.Now().UTC(),
		RunID:     "test",
		Component: "arp",
		EventType: EventARPTimeout,
		Summary:   "test",
		Iface:     "eth0",
		Tags:      []string{"retry-exhausted"},
		Data:      json.RawMessage(`{"ip":"10.0.0.5","queued_dropped":2}`),
	}
	b, err := json.Marshal(event)
	require.NoError(t, err)

	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(b, &m))

	assert.Contains(t, m, "iface")
	assert.Contains(t, m, "tags")
	assert.Contains(t, m, "data")
}

func TestEvent_TimestampFormat(t *testing.T) {
	ts := time.Date(2026, 2, 23, 14, 30, 0, 123456789, time.UTC)
	event := &Event{Timestamp: ts, RunID: "r", Component: "ip", EventType: "t", Summary: "s"}

	b, err := json.Marshal(event)
	require.NoError(t, err)

	// Verify RFC 3339 with sub-second precision
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(b, &m))
	tsStr := m["ts"].(string)
	parsed, err := time.Parse(time.RFC3339Nano, tsStr)
	require.NoError(t, err)
	assert.True(t, parsed.Equal(ts))
}

func TestARPResolvedData_FieldsPresent(t *testing.T) {
	data := &ARPResolvedData{IP: "10.0.0.1", MAC: "aa:bb:cc:dd:ee:ff"}
	b, err := json.Marshal(data)
	require.NoError(t, err)

	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(b, &m))
	assert.Equal(t, "10.0.0.1", m["ip"])
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", m["mac"])
}

func TestTCPRetransmitData_FieldsPresent(t *testing.T) {
	data := &TCPRetransmitData{LocalAddr: "10.0.0.2:443", RemoteAddr: "10.0.0.3:51000", Seq: 1000, Tries: 3}
	b, err := json.Marshal(data)
	require.NoError(t, err)

	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(b, &m))
	assert.Contains(t, m, "seq")
	assert.Contains(t, m, "tries")
}

func TestEventTypeConstants(t *testing.T) {
	assert.Equal(t, "arp_resolved", EventARPResolved)
	assert.Equal(t, "ip_reassembly_failed", EventIPReassemblyFailed)
	assert.Equal(t, "tcp_state_change", EventTCPStateChange)
	assert.Equal(t, "tcp_retransmit", EventTCPRetransmit)
}
