package statsd

import (
	"google.golang.org/protobuf/encoding/protowire"
)

// Report field numbers, outermost first.
const (
	reportListReports       protowire.Number = 2
	reportMetrics           protowire.Number = 1
	statsLogEventMetrics    protowire.Number = 4
	eventWrapperData        protowire.Number = 1
	eventDataElapsedNanos   protowire.Number = 1
	eventDataAtom           protowire.Number = 2
	eventDataAggregatedAtom protowire.Number = 4

	// AggregatedAtomInfo
	aggregatedAtom         protowire.Number = 1
	aggregatedElapsedNanos protowire.Number = 2
)

// EventMetricData is one pushed atom reported by an event metric.
type EventMetricData struct {
	ElapsedTimestampNanos int64
	// AtomID is the field number of the atom inside the Atom oneof.
	AtomID int32
	// Payload is the serialized atom message.
	Payload []byte
}

// DecodeEventMetrics extracts every event from a serialized
// ConfigMetricsReportList. Events that fail to decode are skipped and
// counted in skipped.
func DecodeEventMetrics(b []byte) (events []EventMetricData, skipped int, err error) {
	list, err := parseFields(b)
	if err != nil {
		return nil, 0, err
	}

	for _, report := range messages(list, reportListReports) {
		reportFields, err := parseFields(report)
		if err != nil {
			skipped++
			continue
		}

		for _, metrics := range messages(reportFields, reportMetrics) {
			logFields, err := parseFields(metrics)
			if err != nil {
				skipped++
				continue
			}

			for _, wrapper := range messages(logFields, statsLogEventMetrics) {
				wrapperFields, err := parseFields(wrapper)
				if err != nil {
					skipped++
					continue
				}

				for _, data := range messages(wrapperFields, eventWrapperData) {
					decoded, ok := decodeEventData(data)
					if !ok {
						skipped++
						continue
					}
					events = append(events, decoded...)
				}
			}
		}
	}

	return events, skipped, nil
}

// decodeEventData returns the events of one EventMetricData. An
// aggregated entry holds one atom and the timestamps it was logged at; it
// expands to one event per timestamp.
func decodeEventData(b []byte) ([]EventMetricData, bool) {
	fields, err := parseFields(b)
	if err != nil {
		return nil, false
	}

	var (
		event  EventMetricData
		found  bool
		events []EventMetricData
	)
	for _, f := range fields {
		switch {
		case f.num == eventDataElapsedNanos && f.typ == protowire.VarintType:
			event.ElapsedTimestampNanos = int64(f.varint)
		case f.num == eventDataAtom && f.typ == protowire.BytesType:
			event.AtomID, event.Payload, found = decodeAtom(f.bytes)
			if !found {
				return nil, false
			}
		case f.num == eventDataAggregatedAtom && f.typ == protowire.BytesType:
			aggregated, ok := decodeAggregatedAtom(f.bytes)
			if !ok {
				return nil, false
			}
			events = append(events, aggregated...)
		}
	}

	if found {
		events = append(events, event)
	}

	return events, len(events) > 0
}

// decodeAtom returns the field number and payload of the atom set in an
// Atom message.
func decodeAtom(b []byte) (int32, []byte, bool) {
	fields, err := parseFields(b)
	if err != nil {
		return 0, nil, false
	}
	for _, f := range fields {
		if f.typ == protowire.BytesType {
			return int32(f.num), f.bytes, true
		}
	}

	return 0, nil, false
}

func decodeAggregatedAtom(b []byte) ([]EventMetricData, bool) {
	fields, err := parseFields(b)
	if err != nil {
		return nil, false
	}

	var (
		atomID     int32
		payload    []byte
		found      bool
		timestamps []int64
	)
	for _, f := range fields {
		switch {
		case f.num == aggregatedAtom && f.typ == protowire.BytesType:
			atomID, payload, found = decodeAtom(f.bytes)
			if !found {
				return nil, false
			}
		case f.num == aggregatedElapsedNanos && f.typ == protowire.VarintType:
			timestamps = append(timestamps, int64(f.varint))
		case f.num == aggregatedElapsedNanos && f.typ == protowire.BytesType:
			// Packed encoding.
			packed := f.bytes
			for len(packed) > 0 {
				v, n := protowire.ConsumeVarint(packed)
				if n < 0 {
					return nil, false
				}
				timestamps = append(timestamps, int64(v))
				packed = packed[n:]
			}
		}
	}
	if !found || len(timestamps) == 0 {
		return nil, false
	}

	events := make([]EventMetricData, 0, len(timestamps))
	for _, ts := range timestamps {
		events = append(events, EventMetricData{ElapsedTimestampNanos: ts, AtomID: atomID, Payload: payload})
	}

	return events, true
}

// EncodeEventMetrics is the inverse of DecodeEventMetrics for a single
// report holding events. It is used to script device responses.
func EncodeEventMetrics(events []EventMetricData) []byte {
	var logReport []byte
	for _, event := range events {
		var atom []byte
		atom = appendMessage(atom, protowire.Number(event.AtomID), event.Payload)

		var data []byte
		data = appendVarint(data, eventDataElapsedNanos, uint64(event.ElapsedTimestampNanos))
		data = appendMessage(data, eventDataAtom, atom)

		var wrapper []byte
		wrapper = appendMessage(wrapper, eventWrapperData, data)
		logReport = appendMessage(logReport, statsLogEventMetrics, wrapper)
	}

	var report []byte
	report = appendMessage(report, reportMetrics, logReport)

	var list []byte
	return appendMessage(list, reportListReports, report)
}
