// provision runs the two remote provisioning steps, CopyFile and RemoteExec,
// against a host that may not exist yet.
//
// A step starts PENDING while its Connection's host is unresolved, then
// connects (retrying while the host refuses or is unreachable), runs, and
// ends DONE or FAILED. See State for the full lifecycle and errors.go for the
// four kinds of failure a step can report.
package provision
