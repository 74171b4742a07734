package mark

import "log"

// markAsserts enables internal consistency checks. Violations panic with
// a specific message instead of silently corrupting shared marking state.
const markAsserts = true

// markDebug routes phase and step tracing through the standard logger.
const markDebug = false

func tracef(format string, args ...any) {
	if markDebug {
		log.Printf("mark: "+format, args...)
	}
}
