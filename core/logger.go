package core

// Logger is the application-wide logging contract. Implementations may ship
// records to an external service on top of printing them locally; extra args
// carry context (an error, a map of values, the acting user).
type Logger interface {
	// Enable turns external shipping on or off; local printing always happens.
	Enable(enabled bool)

	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
	Fatal(msg string, args ...interface{})
}
