package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

const (
	MetricTemperature = "temperature"
	MetricVibration   = "vibration"
	MetricCurrent     = "current"
	MetricVoltage     = "voltage"
	MetricPressure    = "pressure"
	MetricHumidity    = "humidity"
)

// CoreMetrics must be present on every accepted sample.
var CoreMetrics = []string{MetricTemperature, MetricVibration, MetricCurrent, MetricVoltage}

var optionalMetrics = []string{MetricPressure, MetricHumidity}

var defaultUnits = map[string]string{
	MetricTemperature: "°C",
	MetricVibration:   "mm/s",
	MetricCurrent:     "A",
	MetricVoltage:     "V",
	MetricPressure:    "kPa",
	MetricHumidity:    "%",
}

type Metric struct {
	Value float64 `json:"value"`
	Unit  string  `json:"unit"`
}

// Sample is a validated telemetry reading. Values are only produced by
// ValidateSample and are not mutated once handed to the hub.
type Sample struct {
	DeviceID  string            `json:"deviceId"`
	Timestamp time.Time         `json:"timestamp"`
	Metrics   map[string]Metric `json:"metrics"`
	Status    string            `json:"status,omitempty"`
}

func (sample Sample) Metric(name string) (Metric, bool) {
	metric, ok := sample.Metrics[name]
	return metric, ok
}

func (sample Sample) Value(name string) float64 {
	return sample.Metrics[name].Value
}

var (
	ErrMissingField = errors.New("missing field")
	ErrInvalidType  = errors.New("invalid type")
)

type ValidationError struct {
	Kind  error
	Field string
	Cause error
}

func (err *ValidationError) Error() string {
	if err.Cause != nil {
		return fmt.Sprintf("%v %s: %v", err.Kind, err.Field, err.Cause)
	}
	return fmt.Sprintf("%v: %s", err.Kind, err.Field)
}

func (err *ValidationError) Unwrap() error {
	return err.Kind
}

func missingField(field string) error {
	return &ValidationError{Kind: ErrMissingField, Field: field}
}

func invalidField(field string, cause error) error {
	return &ValidationError{Kind: ErrInvalidType, Field: field, Cause: cause}
}

// ValidationReason returns a short label for metrics and logs.
func ValidationReason(err error) string {
	switch {
	case errors.Is(err, ErrMissingField):
		return "missing_field"
	case errors.Is(err, ErrInvalidType):
		return "invalid_type"
	default:
		return "malformed"
	}
}

// DecodePayload parses one JSON object keeping numbers as json.Number.
func DecodePayload(raw []byte) (map[string]any, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()

	var payload map[string]any
	if err := decoder.Decode(&payload); err != nil {
		return nil, err
	}
	if payload == nil {
		return nil, fmt.Errorf("payload must be a JSON object")
	}
	return payload, nil
}

// DecodePayloads parses a JSON array of objects bounded by maxBatchSize.
func DecodePayloads(raw []byte, maxBatchSize int) ([]map[string]any, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()

	var payloads []map[string]any
	if err := decoder.Decode(&payloads); err != nil {
		return nil, err
	}

	if len(payloads) == 0 {
		return nil, fmt.Errorf("batch must include at least one sample")
	}
	if maxBatchSize > 0 && len(payloads) > maxBatchSize {
		return nil, fmt.Errorf("batch exceeds max size of %d", maxBatchSize)
	}
	return payloads, nil
}

func DecodeSample(raw []byte, now time.Time) (Sample, error) {
	payload, err := DecodePayload(raw)
	if err != nil {
		return Sample{}, err
	}

	return ValidateSample(payload, now)
}

func DecodeSamplesBatch(raw []byte, maxBatchSize int, now time.Time) ([]Sample, error) {
	payloads, err := DecodePayloads(raw, maxBatchSize)
	if err != nil {
		return nil, err
	}
	return ValidateSamples(payloads, now)
}

// ValidateSamples rejects the whole batch when any record is invalid.
func ValidateSamples(payloads []map[string]any, now time.Time) ([]Sample, error) {
	samples := make([]Sample, 0, len(payloads))
	for index, payload := range payloads {
		sample, err := ValidateSample(payload, now)
		if err != nil {
			return nil, fmt.Errorf("invalid sample at index %d: %w", index, err)
		}
		samples = append(samples, sample)
	}

	return samples, nil
}

// ValidateSample turns a raw device record into a Sample. It has no side
// effects; now is used when the record carries no timestamp.
func ValidateSample(payload map[string]any, now time.Time) (Sample, error) {
	if payload == nil {
		return Sample{}, missingField("deviceId")
	}

	deviceID, err := parseDeviceID(payload)
	if err != nil {
		return Sample{}, err
	}

	metrics := make(map[string]Metric, len(CoreMetrics)+len(optionalMetrics))
	for _, name := range CoreMetrics {
		metric, present, err := parseMetricField(payload, name)
		if err != nil {
			return Sample{}, err
		}
		if !present {
			return Sample{}, missingField(name)
		}
		metrics[name] = metric
	}

	for _, name := range optionalMetrics {
		metric, present, err := parseMetricField(payload, name)
		if err != nil {
			return Sample{}, err
		}
		if present {
			metrics[name] = metric
		}
	}

	timestamp, err := parseTimestampField(payload, now)
	if err != nil {
		return Sample{}, err
	}

	status, err := parseStatusField(payload)
	if err != nil {
		return Sample{}, err
	}

	return Sample{
		DeviceID:  deviceID,
		Timestamp: timestamp,
		Metrics:   metrics,
		Status:    status,
	}, nil
}

func parseDeviceID(payload map[string]any) (string, error) {
	key := "deviceId"
	value, ok := payload[key]
	if !ok || value == nil {
		// Older firmware and the bundled simulator report machineId.
		key = "machineId"
		value, ok = payload[key]
	}
	if !ok || value == nil {
		return "", missingField("deviceId")
	}

	deviceID, isString := value.(string)
	if !isString {
		return "", invalidField(key, fmt.Errorf("expected string, got %T", value))
	}

	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return "", missingField("deviceId")
	}
	return deviceID, nil
}

func parseMetricField(payload map[string]any, key string) (Metric, bool, error) {
	raw, ok := payload[key]
	if !ok || raw == nil {
		return Metric{}, false, nil
	}

	metric := Metric{Unit: defaultUnits[key]}

	if object, isObject := raw.(map[string]any); isObject {
		value, hasValue := object["value"]
		if !hasValue || value == nil {
			return Metric{}, false, missingField(key + ".value")
		}

		parsed, err := parseFiniteFloat(value)
		if err != nil {
			return Metric{}, false, invalidField(key, err)
		}
		metric.Value = parsed

		if unit, hasUnit := object["unit"]; hasUnit && unit != nil {
			unitText, isString := unit.(string)
			if !isString {
				return Metric{}, false, invalidField(key+".unit", fmt.Errorf("expected string, got %T", unit))
			}
			if trimmed := strings.TrimSpace(unitText); trimmed != "" {
				metric.Unit = trimmed
			}
		}
		return metric, true, nil
	}

	parsed, err := parseFiniteFloat(raw)
	if err != nil {
		return Metric{}, false, invalidField(key, err)
	}
	metric.Value = parsed
	return metric, true, nil
}

func parseTimestampField(payload map[string]any, now time.Time) (time.Time, error) {
	raw, ok := payload["timestamp"]
	if !ok || raw == nil {
		return now.UTC(), nil
	}

	if text, isString := raw.(string); isString {
		text = strings.TrimSpace(text)
		if text == "" {
			return now.UTC(), nil
		}
		if parsed, err := time.Parse(time.RFC3339Nano, text); err == nil {
			return checkTimestampRange(parsed.UTC())
		}
	}

	epoch, err := parseInt64(raw)
	if err != nil {
		return time.Time{}, invalidField("timestamp", err)
	}
	if epoch <= 0 {
		return time.Time{}, invalidField("timestamp", fmt.Errorf("must be positive"))
	}

	// Values below 1e11 cannot be milliseconds of any plausible date.
	if epoch < 100_000_000_000 {
		return time.Unix(epoch, 0).UTC(), nil
	}
	if epoch > maxTimestampMillis {
		return time.Time{}, invalidField("timestamp", fmt.Errorf("after year 9999"))
	}
	return time.UnixMilli(epoch).UTC(), nil
}

// maxTimestampMillis is 9999-12-31T23:59:59.999Z, the last instant that
// still encodes as RFC 3339.
const maxTimestampMillis = 253_402_300_799_999

func checkTimestampRange(parsed time.Time) (time.Time, error) {
	if parsed.Year() < 1 || parsed.Year() > 9999 {
		return time.Time{}, invalidField("timestamp", fmt.Errorf("year %d out of range", parsed.Year()))
	}
	return parsed, nil
}

func parseStatusField(payload map[string]any) (string, error) {
	raw, ok := payload["status"]
	if !ok || raw == nil {
		return "", nil
	}

	status, isString := raw.(string)
	if !isString {
		return "", invalidField("status", fmt.Errorf("expected string, got %T", raw))
	}
	return strings.TrimSpace(status), nil
}

func parseFiniteFloat(value any) (float64, error) {
	parsed, err := parseFloat(value)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(parsed) || math.IsInf(parsed, 0) {
		return 0, fmt.Errorf("value is not finite")
	}
	return parsed, nil
}

func parseFloat(value any) (float64, error) {
	switch typed := value.(type) {
	case json.Number:
		return typed.Float64()
	case string:
		return strconv.ParseFloat(strings.TrimSpace(typed), 64)
	case float64:
		return typed, nil
	case float32:
		return float64(typed), nil
	case int:
		return float64(typed), nil
	case int64:
		return float64(typed), nil
	default:
		return 0, fmt.Errorf("unsupported number type %T", value)
	}
}

func truncateFloat(value float64) (int64, error) {
	if math.IsNaN(value) || value >= math.MaxInt64 || value < math.MinInt64 {
		return 0, fmt.Errorf("%v does not fit an integer", value)
	}
	return int64(value), nil
}

func parseInt64(value any) (int64, error) {
	switch typed := value.(type) {
	case json.Number:
		if intValue, err := typed.Int64(); err == nil {
			return intValue, nil
		}
		floatValue, err := typed.Float64()
		if err != nil {
			return 0, err
		}
		return truncateFloat(floatValue)
	case string:
		if intValue, err := strconv.ParseInt(strings.TrimSpace(typed), 10, 64); err == nil {
			return intValue, nil
		}
		floatValue, err := strconv.ParseFloat(strings.TrimSpace(typed), 64)
		if err != nil {
			return 0, err
		}
		return truncateFloat(floatValue)
	case float64:
		return truncateFloat(typed)
	case float32:
		return truncateFloat(float64(typed))
	case int:
		return int64(typed), nil
	case int64:
		return typed, nil
	default:
		return 0, fmt.Errorf("unsupported integer type %T", value)
	}
}
