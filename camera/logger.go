package camera

// Logger is the part of the process logger the camera package needs.
// Declared here so camera does not import package main.
type Logger interface {
	Printf(format string, v ...interface{})
	Debugf(format string, v ...interface{})
}
