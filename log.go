package memhook

// VerboseMode gates the byte-by-byte assembly tracing of the encoder
// (x86encode.go), the trampoline sanity-check warnings, and the process
// watcher's attach/exit messages. The OS facades do not trace.
var VerboseMode bool

// SetVerbose turns the trace output on or off.
func SetVerbose(v bool) { VerboseMode = v }
