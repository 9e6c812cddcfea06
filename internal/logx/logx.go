// Package logx holds the logging interface shared by the engine packages.
// *logrus.Logger satisfies it, as does any printf-style logger with these
// four methods.
package logx

type Logger interface {
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}

// Nop discards everything.
type Nop struct{}

func (Nop) Infof(string, ...interface{})  {}
func (Nop) Warnf(string, ...interface{})  {}
func (Nop) Errorf(string, ...interface{}) {}
func (Nop) Debugf(string, ...interface{}) {}

// Or returns l, or Nop when l is nil.
func Or(l Logger) Logger {
	if l == nil {
		return Nop{}
	}
	return l
}
