package mark

import "errors"

var (
	ErrStackExhausted = errors.New("mark stack cannot expand beyond its maximum capacity")
	ErrCycleAborted   = errors.New("concurrent mark cycle aborted")
	ErrMarkingActive  = errors.New("marking cycle already in progress")
	ErrBadTuning      = errors.New("invalid marking configuration")
)
