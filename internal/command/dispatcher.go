package command

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stemsi/regbot/internal/engine"
	"github.com/stemsi/regbot/internal/model"
	"github.com/stemsi/regbot/internal/scheduler"
)

// statusPreview caps the number of names shown per course in /status.
const statusPreview = 10

// Dispatcher executes parsed commands against the registration engine and
// renders replies. Scheduler bookkeeping for add/remove-course happens here
// so the engine stays free of timer concerns.
type Dispatcher struct {
	engine *engine.Engine
	sched  *scheduler.Scheduler
	loc    *time.Location
	log    zerolog.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(eng *engine.Engine, sched *scheduler.Scheduler, loc *time.Location, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		engine: eng,
		sched:  sched,
		loc:    loc,
		log:    log.With().Str("component", "dispatcher").Logger(),
	}
}

// EnsureGroup registers a group the first time the bot is added to it.
func (d *Dispatcher) EnsureGroup(groupID int64, name string) {
	if err := d.engine.EnsureGroup(groupID, name); err != nil {
		d.log.Error().Err(err).Int64("group_id", groupID).Msg("Group init failed")
	}
}

// Execute runs one command and returns the reply text. Engine errors are
// values; each maps to a user-facing message here and never escapes.
func (d *Dispatcher) Execute(ctx context.Context, cmd Command) string {
	m := cmd.meta()
	log := d.log.With().
		Str("command_id", uuid.New().String()).
		Str("command", fmt.Sprintf("%T", cmd)).
		Int64("group_id", m.GroupID).
		Int64("user_id", m.UserID).
		Logger()

	reply := d.execute(ctx, cmd, m)
	log.Debug().Msg("Command handled")
	return reply
}

func (d *Dispatcher) execute(ctx context.Context, cmd Command, m Meta) string {
	// Everything except the commands below acts on one group's courses.
	switch cmd.(type) {
	case Start, Help, MyRegistrations, DevBlacklistAdd, DevBlacklistRemove, DevBlacklistList:
	default:
		if m.GroupID == 0 {
			return "This command works inside a course group chat. Add me to your group and try again there."
		}
	}

	switch c := cmd.(type) {
	case Start:
		return d.renderStart(m)
	case Help:
		return d.renderHelp(m)
	case List:
		return d.renderList(m.GroupID)

	case Register:
		res, err := d.engine.Register(m.GroupID, c.CourseID, m.UserID, m.Username, c.FullName)
		if err != nil {
			return replyFor(err)
		}
		return fmt.Sprintf("Registered %q for %s! Position: %d", res.Entry.FullName, res.Course.Name, res.Entry.Position)

	case Unregister:
		removed, err := d.engine.Unregister(m.GroupID, c.CourseID, m.UserID)
		if err != nil {
			return replyFor(err)
		}
		if len(removed) == 0 {
			return "You have no registrations to remove."
		}
		var b strings.Builder
		b.WriteString("Removed:\n")
		for _, r := range removed {
			fmt.Fprintf(&b, "• %s — %s\n", r.Entry.FullName, r.CourseName)
		}
		return strings.TrimRight(b.String(), "\n")

	case Status:
		statuses, err := d.engine.Status(m.GroupID, c.CourseID)
		if err != nil {
			return replyFor(err)
		}
		return renderStatuses(statuses, false)

	case MyRegistrations:
		regs := d.engine.MyRegistrations(m.UserID)
		if len(regs) == 0 {
			return "You have no registrations."
		}
		var b strings.Builder
		b.WriteString("Your registrations:\n")
		for _, r := range regs {
			fmt.Fprintf(&b, "• %s — %s, position %d\n", r.Entry.FullName, r.CourseName, r.Entry.Position)
		}
		return strings.TrimRight(b.String(), "\n")

	case AdminOpen:
		if err := d.engine.AdminOpen(m.GroupID, c.CourseID, m.UserID); err != nil {
			return replyFor(err)
		}
		return fmt.Sprintf("Registration for %s is now OPEN.", c.CourseID)

	case AdminClose:
		if err := d.engine.AdminClose(m.GroupID, c.CourseID, m.UserID); err != nil {
			return replyFor(err)
		}
		return fmt.Sprintf("Registration for %s is now CLOSED.", c.CourseID)

	case AdminClear:
		if err := d.engine.AdminClear(m.GroupID, c.CourseID, m.UserID); err != nil {
			return replyFor(err)
		}
		return fmt.Sprintf("Queue for %s cleared.", c.CourseID)

	case AdminClearAll:
		if err := d.engine.AdminClearAll(m.GroupID, m.UserID); err != nil {
			return replyFor(err)
		}
		return "All queues cleared."

	case AdminStatus:
		if !d.engine.IsAdmin(m.UserID, m.GroupID) {
			return replyFor(engine.ErrUnauthorized)
		}
		statuses, err := d.engine.Status(m.GroupID, "")
		if err != nil {
			return replyFor(err)
		}
		return renderStatuses(statuses, true)

	case AdminConfig:
		view, err := d.engine.AdminConfig(m.GroupID, m.UserID)
		if err != nil {
			return replyFor(err)
		}
		return renderConfig(view)

	case AdminSwap:
		if err := d.engine.AdminSwap(m.GroupID, c.CourseID, c.PosA, c.PosB, m.UserID); err != nil {
			return replyFor(err)
		}
		return fmt.Sprintf("Swapped positions %d and %d in %s.", c.PosA, c.PosB, c.CourseID)

	case AdminAddCourse:
		sched := model.Schedule{Day: c.Day, Time: c.Time}
		course, err := d.engine.AddCourse(m.GroupID, c.CourseID, c.Name, sched, c.Capacity, m.UserID)
		if err != nil {
			return replyFor(err)
		}
		d.sched.Schedule(ctx, course)
		return fmt.Sprintf("Course %s (%s) added, opens %s. Registration is closed until then.",
			course.Name, course.ID, course.Schedule)

	case AdminRemoveCourse:
		if err := d.engine.RemoveCourse(m.GroupID, c.CourseID, m.UserID); err != nil {
			return replyFor(err)
		}
		d.sched.Cancel(m.GroupID, c.CourseID)
		return fmt.Sprintf("Course %s removed. Its queue is gone for good.", c.CourseID)

	case AdminQueueSize:
		if err := d.engine.SetQueueSize(m.GroupID, c.Size, m.UserID); err != nil {
			return replyFor(err)
		}
		return fmt.Sprintf("Default queue size for this group set to %d.", c.Size)

	case DevBlacklistAdd:
		if err := d.engine.BlacklistAdd(c.TargetID, m.UserID); err != nil {
			return replyFor(err)
		}
		return fmt.Sprintf("User %d blacklisted.", c.TargetID)

	case DevBlacklistRemove:
		if err := d.engine.BlacklistRemove(c.TargetID, m.UserID); err != nil {
			return replyFor(err)
		}
		return fmt.Sprintf("User %d removed from the blacklist.", c.TargetID)

	case DevBlacklistList:
		ids, err := d.engine.BlacklistList(m.UserID)
		if err != nil {
			return replyFor(err)
		}
		if len(ids) == 0 {
			return "Blacklist is empty."
		}
		parts := make([]string, len(ids))
		for i, id := range ids {
			parts[i] = fmt.Sprintf("%d", id)
		}
		return "Blacklisted users: " + strings.Join(parts, ", ")
	}

	// Parse only produces the variants above.
	d.log.Error().Str("command", fmt.Sprintf("%T", cmd)).Msg("Unhandled command variant")
	return "Something went wrong. Try /help."
}

// ─── Rendering ───────────────────────────────────────────────────────────

func (d *Dispatcher) renderStart(m Meta) string {
	greeting := "Hi! I manage course registration queues.\n" +
		"Use /list to see courses, /register to sign up, /help for everything else."
	if m.GroupID == 0 {
		return greeting
	}
	course, at, ok := d.engine.NextOpening(m.GroupID, time.Now())
	if !ok {
		return greeting
	}
	return fmt.Sprintf("%s\n\nNext opening: %s on %s at %s.",
		greeting, course.Name, course.Schedule.DayName(), at.In(d.loc).Format("Jan 2 15:04"))
}

func (d *Dispatcher) renderHelp(m Meta) string {
	var b strings.Builder
	b.WriteString("Commands:\n")
	b.WriteString("/list — courses, schedules and statuses\n")
	b.WriteString("/register <course_id> <full name> — join a queue\n")
	b.WriteString("/unregister [course_id|all] — leave queues\n")
	b.WriteString("/status [course_id] — current queues\n")
	b.WriteString("/myregistrations — your entries everywhere\n")
	if m.GroupID != 0 && d.engine.IsAdmin(m.UserID, m.GroupID) {
		b.WriteString("\nAdmin:\n")
		b.WriteString("/admin_open | /admin_close <course_id>\n")
		b.WriteString("/admin_clear <course_id>, /admin_clear_all\n")
		b.WriteString("/admin_status, /admin_config\n")
		b.WriteString("/admin_swap <course_id> <pos_a> <pos_b>\n")
		b.WriteString("/admin_add_course <id> <day 0-6, Monday=0> <HH:MM> [capacity] <name>\n")
		b.WriteString("/admin_remove_course <id>\n")
		b.WriteString("/admin_queuesize <size>\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (d *Dispatcher) renderList(groupID int64) string {
	listings := d.engine.CourseList(groupID)
	if len(listings) == 0 {
		return "No courses configured for this group yet."
	}
	var b strings.Builder
	b.WriteString("Courses:\n")
	for _, l := range listings {
		state := "closed"
		if l.Open {
			state = "OPEN"
		}
		fmt.Fprintf(&b, "• %s (%s) — opens %s — %s\n", l.Course.Name, l.Course.ID, l.Course.Schedule, state)
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderStatuses(statuses []model.CourseStatus, full bool) string {
	if len(statuses) == 0 {
		return "No courses configured for this group yet."
	}
	var b strings.Builder
	for _, s := range statuses {
		state := "closed"
		if s.Open {
			state = "OPEN"
		}
		fmt.Fprintf(&b, "%s — %s, %d", s.Name, state, s.Count)
		if s.Capacity > 0 {
			fmt.Fprintf(&b, "/%d", s.Capacity)
		}
		b.WriteString(" registered")
		if s.Orphaned {
			b.WriteString(" (course removed from configuration)")
		}
		b.WriteString("\n")

		limit := len(s.Entries)
		if !full && limit > statusPreview {
			limit = statusPreview
		}
		for _, e := range s.Entries[:limit] {
			if full && e.Username != "" {
				fmt.Fprintf(&b, "  %d. %s (@%s)\n", e.Position, e.FullName, e.Username)
			} else {
				fmt.Fprintf(&b, "  %d. %s\n", e.Position, e.FullName)
			}
		}
		if hidden := len(s.Entries) - limit; hidden > 0 {
			fmt.Fprintf(&b, "  … and %d more\n", hidden)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderConfig(view *engine.ConfigView) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Configuration — %s\n", view.GroupName)
	fmt.Fprintf(&b, "Default queue size: %d\n", view.QueueSize)
	fmt.Fprintf(&b, "Blacklisted users: %d\n", view.Blacklist)
	fmt.Fprintf(&b, "Courses (%d):\n", len(view.Courses))
	for _, c := range view.Courses {
		fmt.Fprintf(&b, "• %s (%s) — %s, capacity %d\n", c.Name, c.ID, c.Schedule, c.Capacity)
	}
	return strings.TrimRight(b.String(), "\n")
}

// replyFor maps engine errors to user-facing messages.
func replyFor(err error) string {
	switch {
	case errors.Is(err, engine.ErrBlacklisted):
		// Deliberately vague, matching how the bot has always answered these.
		return "Sorry, an error occurred. Try again later."
	case errors.Is(err, engine.ErrUnknownGroup):
		return "This group is not configured. Ask an admin to add courses first."
	case errors.Is(err, engine.ErrUnknownCourse):
		return "That course does not exist. Use /list to see available courses."
	case errors.Is(err, engine.ErrCourseClosed):
		return "Registration for this course is currently closed. Check /list for the opening schedule."
	case errors.Is(err, engine.ErrCourseFull):
		return "The queue is full! No spots left for this course."
	case errors.Is(err, engine.ErrDuplicateName):
		return "That name is already registered for this course."
	case errors.Is(err, engine.ErrPositionOutOfRange):
		return "Those positions are out of range for this queue."
	case errors.Is(err, engine.ErrDuplicateCourseID):
		return "That course id is already taken in this group."
	case errors.Is(err, engine.ErrUnauthorized):
		return "You are not an admin of this group."
	case errors.Is(err, engine.ErrPersistence):
		return "Could not save the change, so it was not applied. Try again."
	default:
		return "Something went wrong. Try again or contact an admin."
	}
}
