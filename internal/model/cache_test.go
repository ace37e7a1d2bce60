package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCurrentValue_NewerThan_MonotoneInvariant(t *testing.T) {
	now := time.Now()
	existing := &CurrentValue{Timestamp: now}

	older := CurrentValue{Timestamp: now.Add(-time.Second)}
	require.False(t, older.NewerThan(existing))

	same := CurrentValue{Timestamp: now}
	require.False(t, same.NewerThan(existing), "ties must keep the existing value")

	newer := CurrentValue{Timestamp: now.Add(time.Second)}
	require.True(t, newer.NewerThan(existing))

	require.True(t, newer.NewerThan(nil))
}

func TestQuality_StringAndParse_RoundTrip(t *testing.T) {
	for _, q := range []Quality{QualityGood, QualityUncertain, QualityBad, QualitySubstituted} {
		parsed, ok := ParseQuality(q.String())
		require.True(t, ok)
		require.Equal(t, q, parsed)
	}
}

func TestParseQuality_Unknown(t *testing.T) {
	_, ok := ParseQuality("nonsense")
	require.False(t, ok)
}

func TestQuality_JSONRoundTrip_SymbolicOnWire(t *testing.T) {
	raw, err := json.Marshal(QualityGood)
	require.NoError(t, err)
	require.JSONEq(t, `"good"`, string(raw))

	var q Quality
	require.NoError(t, json.Unmarshal([]byte(`"bad"`), &q))
	require.Equal(t, QualityBad, q)

	require.Error(t, json.Unmarshal([]byte(`"nonsense"`), &q))
}

func TestValueType_JSONRoundTrip(t *testing.T) {
	raw, err := json.Marshal(ValueTypeBoolean)
	require.NoError(t, err)
	require.JSONEq(t, `"boolean"`, string(raw))

	var vt ValueType
	require.NoError(t, json.Unmarshal([]byte(`"enumerated"`), &vt))
	require.Equal(t, ValueTypeEnumerated, vt)

	require.Error(t, json.Unmarshal([]byte(`"nonsense"`), &vt))
}
