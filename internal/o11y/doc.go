// Package o11y wires OpenTelemetry tracing for provisioning steps. Every
// CopyFile and RemoteExec run gets one span carrying the step name, the
// resolved host and the number of connection attempts.
package o11y
