package log_test

// MockSpanEventRecorder keeps the last recorded event and whether any error was recorded.
type MockSpanEventRecorder struct {
	traceID           string
	spanID            string
	hasErr            bool
	lastEventMetadata []any
}

func NewMockSpanEventRecorder(traceID, spanID string) *MockSpanEventRecorder {
	return &MockSpanEventRecorder{traceID: traceID, spanID: spanID}
}

func (ser *MockSpanEventRecorder) TraceID() string { return ser.traceID }

func (ser *MockSpanEventRecorder) SpanID() string { return ser.spanID }

func (ser *MockSpanEventRecorder) RecordEvent(name string, keysAndValues ...any) {
	ser.lastEventMetadata = append([]any{"msg", name}, keysAndValues...)
}

func (ser *MockSpanEventRecorder) RecordError(name string, keysAndValues ...any) {
	ser.hasErr = true
	ser.lastEventMetadata = append([]any{"msg", name}, keysAndValues...)
}

func (ser *MockSpanEventRecorder) LastEventMetadata() []any { return ser.lastEventMetadata }

func (ser *MockSpanEventRecorder) HasError() bool { return ser.hasErr }
