// Package command defines the closed set of chat commands and maps each to
// one registration engine operation. The transport parses nothing itself:
// it hands the raw command line here and sends back the rendered reply.
package command

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/stemsi/regbot/internal/model"
)

// Meta identifies the caller and chat a command arrived from.
type Meta struct {
	GroupID  int64 // 0 for private chats
	UserID   int64
	Username string
}

// Command is one parsed chat command. The set is closed: the dispatcher
// switches exhaustively over these variants.
type Command interface{ meta() Meta }

func (m Meta) meta() Meta { return m }

type (
	// Start greets the user and shows the next scheduled opening.
	Start struct{ Meta }
	// Help lists available commands.
	Help struct{ Meta }
	// List shows the group's courses with schedules and statuses.
	List struct{ Meta }
	// Register adds FullName to a course queue.
	Register struct {
		Meta
		CourseID string
		FullName string
	}
	// Unregister removes the caller's entries from one course, or from all
	// courses when CourseID is empty.
	Unregister struct {
		Meta
		CourseID string
	}
	// Status shows a course queue, or all queues when CourseID is empty.
	Status struct {
		Meta
		CourseID string
	}
	// MyRegistrations lists the caller's entries across all courses.
	MyRegistrations struct{ Meta }

	// AdminOpen opens a course's registration.
	AdminOpen struct {
		Meta
		CourseID string
	}
	// AdminClose closes a course's registration.
	AdminClose struct {
		Meta
		CourseID string
	}
	// AdminClear empties one course queue.
	AdminClear struct {
		Meta
		CourseID string
	}
	// AdminClearAll empties every queue in the group.
	AdminClearAll struct{ Meta }
	// AdminStatus shows full queues including registrant usernames.
	AdminStatus struct{ Meta }
	// AdminConfig shows the group's configuration summary.
	AdminConfig struct{ Meta }
	// AdminSwap exchanges two queue positions.
	AdminSwap struct {
		Meta
		CourseID string
		PosA     int
		PosB     int
	}
	// AdminAddCourse registers a new course, created closed.
	AdminAddCourse struct {
		Meta
		CourseID string
		Day      int
		Time     string
		Name     string
		Capacity int
	}
	// AdminRemoveCourse deletes a course and discards its queue.
	AdminRemoveCourse struct {
		Meta
		CourseID string
	}
	// AdminQueueSize overrides the group's default queue capacity.
	AdminQueueSize struct {
		Meta
		Size int
	}

	// DevBlacklistAdd bars a user id from registering. Dev tier only.
	DevBlacklistAdd struct {
		Meta
		TargetID int64
	}
	// DevBlacklistRemove lifts a user's bar. Dev tier only.
	DevBlacklistRemove struct {
		Meta
		TargetID int64
	}
	// DevBlacklistList shows barred user ids. Dev tier only.
	DevBlacklistList struct{ Meta }
)

// UsageError reports a malformed command line together with the correct
// usage, rendered verbatim as the reply.
type UsageError struct {
	Usage string
}

func (e *UsageError) Error() string { return "usage: " + e.Usage }

// ErrUnknownCommand is returned for command names outside the closed set.
type ErrUnknownCommand struct {
	Name string
}

func (e *ErrUnknownCommand) Error() string { return "unknown command " + e.Name }

// Parse turns one inbound "/command args" line into a Command variant.
// A trailing "@BotName" suffix on the command word is ignored.
func Parse(meta Meta, text string) (Command, error) {
	fields := strings.Fields(text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return nil, &ErrUnknownCommand{Name: text}
	}

	name := strings.TrimPrefix(fields[0], "/")
	if at := strings.IndexByte(name, '@'); at >= 0 {
		name = name[:at]
	}
	name = strings.ToLower(name)
	args := fields[1:]

	switch name {
	case "start":
		return Start{meta}, nil
	case "help":
		return Help{meta}, nil
	case "list":
		return List{meta}, nil

	case "register":
		if len(args) < 2 {
			return nil, &UsageError{"/register <course_id> <full name>"}
		}
		return Register{Meta: meta, CourseID: args[0], FullName: strings.Join(args[1:], " ")}, nil

	case "unregister":
		cmd := Unregister{Meta: meta}
		if len(args) > 0 && !strings.EqualFold(args[0], "all") {
			cmd.CourseID = args[0]
		}
		return cmd, nil

	case "status":
		cmd := Status{Meta: meta}
		if len(args) > 0 {
			cmd.CourseID = args[0]
		}
		return cmd, nil

	case "myregistrations":
		return MyRegistrations{meta}, nil

	case "admin_open":
		if len(args) != 1 {
			return nil, &UsageError{"/admin_open <course_id>"}
		}
		return AdminOpen{Meta: meta, CourseID: args[0]}, nil

	case "admin_close":
		if len(args) != 1 {
			return nil, &UsageError{"/admin_close <course_id>"}
		}
		return AdminClose{Meta: meta, CourseID: args[0]}, nil

	case "admin_clear":
		if len(args) != 1 {
			return nil, &UsageError{"/admin_clear <course_id>"}
		}
		return AdminClear{Meta: meta, CourseID: args[0]}, nil

	case "admin_clear_all":
		return AdminClearAll{meta}, nil

	case "admin_status":
		return AdminStatus{meta}, nil

	case "admin_config":
		return AdminConfig{meta}, nil

	case "admin_swap":
		if len(args) != 3 {
			return nil, &UsageError{"/admin_swap <course_id> <position_a> <position_b>"}
		}
		posA, errA := strconv.Atoi(args[1])
		posB, errB := strconv.Atoi(args[2])
		if errA != nil || errB != nil {
			return nil, &UsageError{"/admin_swap <course_id> <position_a> <position_b>"}
		}
		return AdminSwap{Meta: meta, CourseID: args[0], PosA: posA, PosB: posB}, nil

	case "admin_add_course":
		// /admin_add_course oop 2 20:00 Object Oriented Programming
		// /admin_add_course oop 2 20:00 30 Object Oriented Programming
		const addCourseUsage = "/admin_add_course <course_id> <day 0-6, Monday=0> <HH:MM> [capacity] <course name>"
		if len(args) < 4 {
			return nil, &UsageError{addCourseUsage}
		}
		day, err := strconv.Atoi(args[1])
		if err != nil {
			return nil, &UsageError{addCourseUsage}
		}
		sched := model.Schedule{Day: day, Time: args[2]}
		if err := sched.Validate(); err != nil {
			return nil, &UsageError{fmt.Sprintf("%v. %s", err, addCourseUsage)}
		}
		// A numeric word right after the time is the optional capacity
		// override; the course name starts at the first non-numeric word.
		capacity := 0
		nameArgs := args[3:]
		if n, err := strconv.Atoi(args[3]); err == nil {
			if n < 1 || len(args) < 5 {
				return nil, &UsageError{addCourseUsage}
			}
			capacity = n
			nameArgs = args[4:]
		}
		return AdminAddCourse{
			Meta:     meta,
			CourseID: args[0],
			Day:      day,
			Time:     args[2],
			Name:     strings.Join(nameArgs, " "),
			Capacity: capacity,
		}, nil

	case "admin_remove_course":
		if len(args) != 1 {
			return nil, &UsageError{"/admin_remove_course <course_id>"}
		}
		return AdminRemoveCourse{Meta: meta, CourseID: args[0]}, nil

	case "admin_queuesize":
		if len(args) != 1 {
			return nil, &UsageError{"/admin_queuesize <size>"}
		}
		size, err := strconv.Atoi(args[0])
		if err != nil || size < 1 {
			return nil, &UsageError{"/admin_queuesize <size>"}
		}
		return AdminQueueSize{Meta: meta, Size: size}, nil

	case "dev_blacklist_add", "dev_blacklist_remove":
		if len(args) != 1 {
			return nil, &UsageError{"/" + name + " <user_id>"}
		}
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return nil, &UsageError{"/" + name + " <user_id>"}
		}
		if name == "dev_blacklist_add" {
			return DevBlacklistAdd{Meta: meta, TargetID: id}, nil
		}
		return DevBlacklistRemove{Meta: meta, TargetID: id}, nil

	case "dev_blacklist_list":
		return DevBlacklistList{meta}, nil
	}

	return nil, &ErrUnknownCommand{Name: "/" + name}
}
