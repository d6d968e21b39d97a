package engine

import "errors"

// Domain errors returned by engine operations. Every one is a value handed
// back to the dispatcher, never a fault: the dispatcher maps each to a
// user-facing reply.
var (
	ErrUnknownGroup       = errors.New("group is not configured")
	ErrUnknownCourse      = errors.New("course does not exist")
	ErrCourseClosed       = errors.New("course registration is closed")
	ErrCourseFull         = errors.New("course queue is full")
	ErrDuplicateName      = errors.New("name already registered for this course")
	ErrPositionOutOfRange = errors.New("position out of range")
	ErrDuplicateCourseID  = errors.New("course id already taken")
	ErrUnauthorized       = errors.New("caller is not an admin for this group")
	ErrBlacklisted        = errors.New("user is blacklisted")
	// ErrPersistence means the state change could not be written to disk.
	// The in-memory change has been rolled back before this is returned.
	ErrPersistence = errors.New("failed to persist state")
)
