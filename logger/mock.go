package logger

import (
	"github.com/stretchr/testify/mock"
)

// MockLogger is a testify mock of Logger. With returns the mock itself unless an expectation overrides it.
type MockLogger struct {
	mock.Mock
}

var _ Logger = (*MockLogger)(nil)

func NewMockLogger() *MockLogger {
	return &MockLogger{}
}

// NewNopMockLogger returns a mock accepting every call.
func NewNopMockLogger() *MockLogger {
	m := &MockLogger{}
	for _, method := range []string{"Debug", "Info", "Warn", "Error", "Fatal"} {
		m.On(method, mock.Anything, mock.Anything).Return().Maybe()
	}
	m.On("SetLevel", mock.Anything).Return().Maybe()
	m.On("Level").Return(DebugLevel).Maybe()

	return m
}

func (m *MockLogger) Debug(msg string, keysAndValues ...any) {
	m.Called(msg, keysAndValues)
}

func (m *MockLogger) Info(msg string, keysAndValues ...any) {
	m.Called(msg, keysAndValues)
}

func (m *MockLogger) Warn(msg string, keysAndValues ...any) {
	m.Called(msg, keysAndValues)
}

func (m *MockLogger) Error(msg string, keysAndValues ...any) {
	m.Called(msg, keysAndValues)
}

func (m *MockLogger) Fatal(msg string, keysAndValues ...any) {
	m.Called(msg, keysAndValues)
}

func (m *MockLogger) SetLevel(level LogLevel) {
	m.Called(level)
}

func (m *MockLogger) Level() LogLevel {
	args := m.Called()
	return args.Get(0).(LogLevel) //nolint:forcetypeassert
}

func (m *MockLogger) With(keyValues ...any) Logger {
	return m
}
