package statsd

import (
	"google.golang.org/protobuf/encoding/protowire"
)

// StatsdConfig field numbers.
const (
	configIDField        protowire.Number = 1
	configEventMetric    protowire.Number = 2
	configAtomMatcher    protowire.Number = 7
	configAllowedLogSrc  protowire.Number = 12
	eventMetricIDField   protowire.Number = 1
	eventMetricWhatField protowire.Number = 2
	atomMatcherIDField   protowire.Number = 1
	atomMatcherSimple    protowire.Number = 2
	simpleMatcherAtomID  protowire.Number = 1
)

const metricIDOffset int64 = 1 << 32

// AllowedLogSources are the uids and packages whose atoms the pushed
// config accepts.
var AllowedLogSources = []string{
	"AID_GRAPHICS",
	"AID_INCIDENTD",
	"AID_STATSD",
	"AID_RADIO",
	"com.android.systemui",
	"com.android.vending",
	"AID_SYSTEM",
	"AID_ROOT",
	"AID_BLUETOOTH",
	"AID_LMKD",
	"com.android.managedprovisioning",
	"AID_MEDIA",
	"AID_NETWORK_STACK",
}

// MatcherID returns the atom matcher id used for atomID.
func MatcherID(atomID int32) int64 {
	return int64(atomID)
}

// MetricID returns the event metric id used for atomID.
func MetricID(atomID int32) int64 {
	return metricIDOffset + int64(atomID)
}

// EncodeEventConfig builds a serialized StatsdConfig with one event metric
// per atom id.
func EncodeEventConfig(configID int64, atomIDs []int32) []byte {
	var b []byte
	b = appendVarint(b, configIDField, uint64(configID))

	for _, atomID := range atomIDs {
		var metric []byte
		metric = appendVarint(metric, eventMetricIDField, uint64(MetricID(atomID)))
		metric = appendVarint(metric, eventMetricWhatField, uint64(MatcherID(atomID)))
		b = appendMessage(b, configEventMetric, metric)
	}

	for _, atomID := range atomIDs {
		var simple []byte
		simple = appendVarint(simple, simpleMatcherAtomID, uint64(atomID))

		var matcher []byte
		matcher = appendVarint(matcher, atomMatcherIDField, uint64(MatcherID(atomID)))
		matcher = appendMessage(matcher, atomMatcherSimple, simple)
		b = appendMessage(b, configAtomMatcher, matcher)
	}

	for _, src := range AllowedLogSources {
		b = appendString(b, configAllowedLogSrc, src)
	}

	return b
}
