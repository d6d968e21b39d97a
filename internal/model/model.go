// Package model defines the core domain types for the registration queue bot.
package model

import (
	"strings"
	"time"
)

// Course is one registration unit inside a group: it owns a queue, a weekly
// open schedule and a capacity limit.
type Course struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	GroupID  int64    `json:"group_id"`
	Schedule Schedule `json:"schedule"`
	// Capacity is the resolved queue limit for this course (course override,
	// then group override, then the global default).
	Capacity int `json:"capacity"`
}

// Group is a chat group that owns a set of courses.
type Group struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	Courses   []Course  `json:"courses"`
}

// Entry is one registered name in one course's queue.
type Entry struct {
	UserID       int64     `json:"user_id"`
	Username     string    `json:"username"`
	FullName     string    `json:"full_name"`
	RegisteredAt time.Time `json:"registered_at"`
	// Position is the 1-based rank within the queue. Dense: positions are
	// exactly 1..len(queue) after every mutation.
	Position int `json:"position"`
}

// CourseStatus is a read-only snapshot of one course's queue.
type CourseStatus struct {
	GroupID  int64   `json:"group_id"`
	CourseID string  `json:"course_id"`
	Name     string  `json:"name"`
	Open     bool    `json:"open"`
	Count    int     `json:"count"`
	Capacity int     `json:"capacity"`
	Entries  []Entry `json:"entries"`
	// Orphaned marks queues whose course id no longer exists in the
	// configuration. They are kept visible rather than silently dropped.
	Orphaned bool `json:"orphaned,omitempty"`
}

// UserRegistration locates one of a user's entries across all courses.
type UserRegistration struct {
	GroupID    int64  `json:"group_id"`
	CourseID   string `json:"course_id"`
	CourseName string `json:"course_name"`
	Entry      Entry  `json:"entry"`
}

// NormalizeName canonicalizes a registered name for duplicate detection:
// lowercase with runs of whitespace collapsed to single spaces.
func NormalizeName(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}
