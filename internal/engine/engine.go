// Package engine implements the registration state machine. It is the sole
// mutator of the queue state and the course configuration: every operation
// runs under a single mutation lock and persists before reporting success.
package engine

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stemsi/regbot/internal/config"
	"github.com/stemsi/regbot/internal/model"
	"github.com/stemsi/regbot/internal/store"
)

// RegistrationResult reports a successful Register call.
type RegistrationResult struct {
	Course model.Course
	Entry  model.Entry
}

// ConfigView is the admin-facing summary of one group's configuration.
type ConfigView struct {
	GroupID   int64
	GroupName string
	QueueSize int
	Admins    []int64
	Blacklist int
	Courses   []model.Course
}

// Engine applies register/unregister/admin operations against the queue
// state under the invariants: queue length never exceeds capacity,
// positions are dense 1..count, names are unique per course, and entries
// are appended only while a course is open.
type Engine struct {
	mu sync.RWMutex

	cfg   *config.Store
	files *store.Store
	state *store.State
	dev   map[int64]struct{}
	loc   *time.Location
	log   zerolog.Logger
}

// New wires the engine over loaded configuration and queue state. Queues
// whose course id is missing from the configuration are logged as orphaned
// but retained.
func New(cfg *config.Store, files *store.Store, state *store.State, devIDs []int64, loc *time.Location, log zerolog.Logger) *Engine {
	dev := make(map[int64]struct{}, len(devIDs))
	for _, id := range devIDs {
		dev[id] = struct{}{}
	}

	e := &Engine{
		cfg:   cfg,
		files: files,
		state: state,
		dev:   dev,
		loc:   loc,
		log:   log.With().Str("component", "engine").Logger(),
	}

	for gid, queues := range state.GroupQueues {
		for cid, entries := range queues {
			if _, ok := cfg.Course(gid, cid); !ok {
				e.log.Warn().
					Int64("group_id", gid).
					Str("course_id", cid).
					Int("entries", len(entries)).
					Msg("Orphaned queue: course missing from configuration, keeping entries")
			}
		}
	}
	return e
}

// ─── User operations ─────────────────────────────────────────────────────

// Register appends a name to a course's queue. Preconditions are checked in
// order: course exists, registration open, name not already taken, queue
// not full.
func (e *Engine) Register(groupID int64, courseID string, userID int64, username, fullName string) (*RegistrationResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cfg.IsBlacklisted(userID) {
		return nil, ErrBlacklisted
	}
	if !e.cfg.HasGroup(groupID) {
		return nil, ErrUnknownGroup
	}
	course, ok := e.cfg.Course(groupID, courseID)
	if !ok {
		return nil, ErrUnknownCourse
	}
	if !e.state.Open(groupID, courseID) {
		return nil, ErrCourseClosed
	}

	queue := e.state.Queue(groupID, courseID)
	normalized := model.NormalizeName(fullName)
	for _, entry := range queue {
		if model.NormalizeName(entry.FullName) == normalized {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateName, entry.FullName)
		}
	}
	if len(queue) >= course.Capacity {
		return nil, fmt.Errorf("%w: limit %d", ErrCourseFull, course.Capacity)
	}

	entry := model.Entry{
		UserID:       userID,
		Username:     username,
		FullName:     fullName,
		RegisteredAt: time.Now().In(e.loc),
		Position:     len(queue) + 1,
	}
	e.state.SetQueue(groupID, courseID, append(queue, entry))

	if err := e.persist(func() {
		e.state.SetQueue(groupID, courseID, queue)
	}); err != nil {
		return nil, err
	}

	e.log.Info().
		Int64("group_id", groupID).
		Str("course_id", courseID).
		Int64("user_id", userID).
		Int("position", entry.Position).
		Msg("Registered")
	return &RegistrationResult{Course: course, Entry: entry}, nil
}

// Unregister removes every entry belonging to userID from one course, or
// from all of the group's queues when courseID is empty. Remaining
// positions are recompacted. An empty result is not an error.
func (e *Engine) Unregister(groupID int64, courseID string, userID int64) ([]model.UserRegistration, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var targets []string
	if courseID != "" {
		if !e.courseKnown(groupID, courseID) {
			return nil, ErrUnknownCourse
		}
		targets = []string{courseID}
	} else {
		targets = e.queuedCourseIDs(groupID)
	}

	removed, rollback := e.removeUserLocked(groupID, targets, userID)
	if len(removed) == 0 {
		return nil, nil
	}
	if err := e.persist(rollback); err != nil {
		return nil, err
	}

	e.log.Info().
		Int64("group_id", groupID).
		Int64("user_id", userID).
		Int("removed", len(removed)).
		Msg("Unregistered")
	return removed, nil
}

// removeUserLocked drops userID's entries from the given courses and
// returns the removals plus a rollback closure restoring the prior queues.
func (e *Engine) removeUserLocked(groupID int64, courseIDs []string, userID int64) ([]model.UserRegistration, func()) {
	var removed []model.UserRegistration
	prior := make(map[string][]model.Entry)

	for _, cid := range courseIDs {
		queue := e.state.Queue(groupID, cid)
		kept := make([]model.Entry, 0, len(queue))
		for _, entry := range queue {
			if entry.UserID == userID {
				removed = append(removed, model.UserRegistration{
					GroupID:    groupID,
					CourseID:   cid,
					CourseName: e.courseName(groupID, cid),
					Entry:      entry,
				})
				continue
			}
			kept = append(kept, entry)
		}
		if len(kept) == len(queue) {
			continue
		}
		prior[cid] = queue
		for i := range kept {
			kept[i].Position = i + 1
		}
		e.state.SetQueue(groupID, cid, kept)
	}

	return removed, func() {
		for cid, queue := range prior {
			e.state.SetQueue(groupID, cid, queue)
		}
	}
}

// Status returns a snapshot of one course, or of every course in the group
// (configured order, orphaned queues appended) when courseID is empty.
func (e *Engine) Status(groupID int64, courseID string) ([]model.CourseStatus, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if courseID != "" {
		if !e.courseKnown(groupID, courseID) {
			return nil, ErrUnknownCourse
		}
		return []model.CourseStatus{e.snapshotLocked(groupID, courseID)}, nil
	}

	if !e.cfg.HasGroup(groupID) && len(e.state.GroupQueues[groupID]) == 0 {
		return nil, ErrUnknownGroup
	}

	var out []model.CourseStatus
	seen := make(map[string]bool)
	for _, c := range e.cfg.Courses(groupID) {
		out = append(out, e.snapshotLocked(groupID, c.ID))
		seen[c.ID] = true
	}
	for _, cid := range e.queuedCourseIDs(groupID) {
		if !seen[cid] {
			out = append(out, e.snapshotLocked(groupID, cid))
		}
	}
	return out, nil
}

// Statuses returns snapshots for every course in every group, including
// orphaned queues.
func (e *Engine) Statuses() []model.CourseStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()

	groups := make(map[int64]bool)
	for _, gid := range e.cfg.GroupIDs() {
		groups[gid] = true
	}
	for gid := range e.state.GroupQueues {
		groups[gid] = true
	}

	gids := make([]int64, 0, len(groups))
	for gid := range groups {
		gids = append(gids, gid)
	}
	sort.Slice(gids, func(i, j int) bool { return gids[i] < gids[j] })

	var out []model.CourseStatus
	for _, gid := range gids {
		seen := make(map[string]bool)
		for _, c := range e.cfg.Courses(gid) {
			out = append(out, e.snapshotLocked(gid, c.ID))
			seen[c.ID] = true
		}
		for _, cid := range e.queuedCourseIDs(gid) {
			if !seen[cid] {
				out = append(out, e.snapshotLocked(gid, cid))
			}
		}
	}
	return out
}

// MyRegistrations lists the user's entries across every group and course.
func (e *Engine) MyRegistrations(userID int64) []model.UserRegistration {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []model.UserRegistration
	for gid, queues := range e.state.GroupQueues {
		for cid, queue := range queues {
			for _, entry := range queue {
				if entry.UserID == userID {
					out = append(out, model.UserRegistration{
						GroupID:    gid,
						CourseID:   cid,
						CourseName: e.courseName(gid, cid),
						Entry:      entry,
					})
				}
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].GroupID != out[j].GroupID {
			return out[i].GroupID < out[j].GroupID
		}
		if out[i].CourseID != out[j].CourseID {
			return out[i].CourseID < out[j].CourseID
		}
		return out[i].Entry.Position < out[j].Entry.Position
	})
	return out
}

// CourseListing pairs a course definition with its current open flag.
type CourseListing struct {
	Course model.Course
	Open   bool
}

// CourseList returns the group's configured courses with open flags, for
// the /list command.
func (e *Engine) CourseList(groupID int64) []CourseListing {
	e.mu.RLock()
	defer e.mu.RUnlock()

	courses := e.cfg.Courses(groupID)
	out := make([]CourseListing, 0, len(courses))
	for _, c := range courses {
		out = append(out, CourseListing{Course: c, Open: e.state.Open(groupID, c.ID)})
	}
	return out
}

// NextOpening reports the earliest scheduled opening across the group's
// courses, for the /start greeting.
func (e *Engine) NextOpening(groupID int64, now time.Time) (model.Course, time.Time, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var (
		best       model.Course
		bestAt     time.Time
		foundValid bool
	)
	for _, c := range e.cfg.Courses(groupID) {
		at, err := c.Schedule.NextOccurrence(now, e.loc)
		if err != nil {
			continue
		}
		if !foundValid || at.Before(bestAt) {
			best, bestAt, foundValid = c, at, true
		}
	}
	return best, bestAt, foundValid
}

// ─── Admin operations ────────────────────────────────────────────────────

// AdminOpen opens a course's registration, independent of schedule.
// Idempotent: opening an open course changes and records nothing.
func (e *Engine) AdminOpen(groupID int64, courseID string, callerID int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.authorize(callerID, groupID); err != nil {
		return err
	}
	return e.setOpenLocked(groupID, courseID, true, "admin", callerID)
}

// AdminClose closes a course's registration. Idempotent. The queue is kept;
// only further Register calls are blocked.
func (e *Engine) AdminClose(groupID int64, courseID string, callerID int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.authorize(callerID, groupID); err != nil {
		return err
	}
	return e.setOpenLocked(groupID, courseID, false, "admin", callerID)
}

// ScheduledOpen is the scheduler's trigger path. Same serialized transition
// as AdminOpen, without the authorization check.
func (e *Engine) ScheduledOpen(groupID int64, courseID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.setOpenLocked(groupID, courseID, true, "scheduler", 0)
}

func (e *Engine) setOpenLocked(groupID int64, courseID string, open bool, via string, callerID int64) error {
	if _, ok := e.cfg.Course(groupID, courseID); !ok {
		return ErrUnknownCourse
	}
	if e.state.Open(groupID, courseID) == open {
		e.log.Debug().
			Int64("group_id", groupID).
			Str("course_id", courseID).
			Bool("open", open).
			Str("via", via).
			Msg("Status transition is a no-op")
		return nil
	}

	e.state.SetOpen(groupID, courseID, open)
	if err := e.persist(func() {
		e.state.SetOpen(groupID, courseID, !open)
	}); err != nil {
		return err
	}

	e.log.Info().
		Int64("group_id", groupID).
		Str("course_id", courseID).
		Bool("open", open).
		Str("via", via).
		Int64("caller_id", callerID).
		Msg("Course status changed")
	return nil
}

// AdminClear empties one course's queue. Open/closed status is untouched.
// Irreversible.
func (e *Engine) AdminClear(groupID int64, courseID string, callerID int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.authorize(callerID, groupID); err != nil {
		return err
	}
	if !e.courseKnown(groupID, courseID) {
		return ErrUnknownCourse
	}

	prior := e.state.Queue(groupID, courseID)
	if len(prior) == 0 {
		return nil
	}
	e.state.SetQueue(groupID, courseID, nil)
	if err := e.persist(func() {
		e.state.SetQueue(groupID, courseID, prior)
	}); err != nil {
		return err
	}

	e.log.Info().
		Int64("group_id", groupID).
		Str("course_id", courseID).
		Int("dropped", len(prior)).
		Int64("caller_id", callerID).
		Msg("Queue cleared")
	return nil
}

// AdminClearAll empties every queue in the group. Statuses are untouched.
func (e *Engine) AdminClearAll(groupID int64, callerID int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.authorize(callerID, groupID); err != nil {
		return err
	}

	prior := e.state.GroupQueues[groupID]
	if len(prior) == 0 {
		return nil
	}
	delete(e.state.GroupQueues, groupID)
	if err := e.persist(func() {
		e.state.GroupQueues[groupID] = prior
	}); err != nil {
		return err
	}

	e.log.Info().
		Int64("group_id", groupID).
		Int64("caller_id", callerID).
		Msg("All queues cleared")
	return nil
}

// AdminSwap exchanges the entries at two 1-based positions. Other entries
// are untouched; repeating the swap restores the original order.
func (e *Engine) AdminSwap(groupID int64, courseID string, posA, posB int, callerID int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.authorize(callerID, groupID); err != nil {
		return err
	}
	if !e.courseKnown(groupID, courseID) {
		return ErrUnknownCourse
	}

	queue := e.state.Queue(groupID, courseID)
	if posA < 1 || posA > len(queue) || posB < 1 || posB > len(queue) {
		return fmt.Errorf("%w: %d, %d (queue has %d entries)", ErrPositionOutOfRange, posA, posB, len(queue))
	}
	if posA == posB {
		return nil
	}

	swap := func() {
		i, j := posA-1, posB-1
		queue[i], queue[j] = queue[j], queue[i]
		queue[i].Position = posA
		queue[j].Position = posB
	}
	swap()
	if err := e.persist(swap); err != nil { // Self-inverse: swapping again rolls back.
		return err
	}

	e.log.Info().
		Int64("group_id", groupID).
		Str("course_id", courseID).
		Int("pos_a", posA).
		Int("pos_b", posB).
		Int64("caller_id", callerID).
		Msg("Positions swapped")
	return nil
}

// AddCourse registers a new course, created closed with an empty queue, and
// rewrites the course configuration.
func (e *Engine) AddCourse(groupID int64, courseID, name string, sched model.Schedule, capacity int, callerID int64) (model.Course, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.authorize(callerID, groupID); err != nil {
		return model.Course{}, err
	}
	if _, ok := e.cfg.Course(groupID, courseID); ok {
		return model.Course{}, fmt.Errorf("%w: %q", ErrDuplicateCourseID, courseID)
	}
	if err := e.cfg.AddCourse(groupID, courseID, name, sched, capacity); err != nil {
		if schedErr := sched.Validate(); schedErr != nil {
			return model.Course{}, schedErr
		}
		return model.Course{}, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	e.state.SetOpen(groupID, courseID, false)
	if err := e.persist(func() {
		e.state.DropCourse(groupID, courseID)
	}); err != nil {
		// Keep config and state converged: undo the definition as well.
		if cfgErr := e.cfg.RemoveCourse(groupID, courseID); cfgErr != nil {
			e.log.Error().Err(cfgErr).Str("course_id", courseID).Msg("Config rollback failed")
		}
		return model.Course{}, err
	}

	course, _ := e.cfg.Course(groupID, courseID)
	e.log.Info().
		Int64("group_id", groupID).
		Str("course_id", courseID).
		Str("schedule", sched.String()).
		Int64("caller_id", callerID).
		Msg("Course added")
	return course, nil
}

// RemoveCourse deletes the course definition and discards its queue
// irrecoverably.
func (e *Engine) RemoveCourse(groupID int64, courseID string, callerID int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.authorize(callerID, groupID); err != nil {
		return err
	}
	// Capture the raw definition so a rollback restores the course exactly
	// as written, capacity override included.
	def, ok := e.cfg.Definition(groupID, courseID)
	if !ok {
		return ErrUnknownCourse
	}
	if err := e.cfg.RemoveCourse(groupID, courseID); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	priorQueue := e.state.Queue(groupID, courseID)
	priorOpen := e.state.Open(groupID, courseID)
	e.state.DropCourse(groupID, courseID)
	if err := e.persist(func() {
		e.state.SetQueue(groupID, courseID, priorQueue)
		e.state.SetOpen(groupID, courseID, priorOpen)
	}); err != nil {
		if cfgErr := e.cfg.AddCourse(groupID, courseID, def.Name, def.Schedule, def.Capacity); cfgErr != nil {
			e.log.Error().Err(cfgErr).Str("course_id", courseID).Msg("Config rollback failed")
		}
		return err
	}

	e.log.Info().
		Int64("group_id", groupID).
		Str("course_id", courseID).
		Int("dropped", len(priorQueue)).
		Int64("caller_id", callerID).
		Msg("Course removed")
	return nil
}

// AdminConfig returns the configuration summary for one group.
func (e *Engine) AdminConfig(groupID int64, callerID int64) (*ConfigView, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if err := e.authorize(callerID, groupID); err != nil {
		return nil, err
	}
	if !e.cfg.HasGroup(groupID) {
		return nil, ErrUnknownGroup
	}
	return &ConfigView{
		GroupID:   groupID,
		GroupName: e.cfg.GroupName(groupID),
		QueueSize: e.cfg.QueueSize(groupID),
		Blacklist: len(e.cfg.Blacklist()),
		Courses:   e.cfg.Courses(groupID),
	}, nil
}

// SetQueueSize overrides the group's default queue capacity.
func (e *Engine) SetQueueSize(groupID int64, size int, callerID int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.authorize(callerID, groupID); err != nil {
		return err
	}
	if err := e.cfg.SetGroupQueueSize(groupID, size); err != nil {
		if size < 1 {
			return err
		}
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return nil
}

// EnsureGroup registers a group definition the first time the bot sees the
// chat. Idempotent; called from the transport when the bot joins a group.
func (e *Engine) EnsureGroup(groupID int64, name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cfg.HasGroup(groupID) {
		return nil
	}
	if err := e.cfg.EnsureGroup(groupID, name); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	e.log.Info().Int64("group_id", groupID).Str("name", name).Msg("Group initialized")
	return nil
}

// ─── Dev-only operations ─────────────────────────────────────────────────

// BlacklistAdd bars a user from registering anywhere. Dev tier only.
func (e *Engine) BlacklistAdd(userID, callerID int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.isDev(callerID) {
		return ErrUnauthorized
	}
	if err := e.cfg.AddBlacklist(userID); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return nil
}

// BlacklistRemove lifts a user's bar. Dev tier only.
func (e *Engine) BlacklistRemove(userID, callerID int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.isDev(callerID) {
		return ErrUnauthorized
	}
	if err := e.cfg.RemoveBlacklist(userID); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return nil
}

// BlacklistList returns the blacklisted user ids. Dev tier only.
func (e *Engine) BlacklistList(callerID int64) ([]int64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if !e.isDev(callerID) {
		return nil, ErrUnauthorized
	}
	return e.cfg.Blacklist(), nil
}

// ─── Helpers ─────────────────────────────────────────────────────────────

// IsAdmin reports whether the user may run admin commands for the group.
func (e *Engine) IsAdmin(userID, groupID int64) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.authorize(userID, groupID) == nil
}

// authorize passes for dev users everywhere and group admins in their
// group. Checked before any other precondition of an admin operation.
func (e *Engine) authorize(userID, groupID int64) error {
	if e.isDev(userID) {
		return nil
	}
	if e.cfg.IsGroupAdmin(userID, groupID) {
		return nil
	}
	return ErrUnauthorized
}

func (e *Engine) isDev(userID int64) bool {
	_, ok := e.dev[userID]
	return ok
}

// courseKnown accepts configured courses and orphaned queues (entries whose
// course was removed from the configuration), so removal-type operations
// keep working on them.
func (e *Engine) courseKnown(groupID int64, courseID string) bool {
	if _, ok := e.cfg.Course(groupID, courseID); ok {
		return true
	}
	_, ok := e.state.GroupQueues[groupID][courseID]
	return ok
}

func (e *Engine) courseName(groupID int64, courseID string) string {
	if c, ok := e.cfg.Course(groupID, courseID); ok {
		return c.Name
	}
	return courseID
}

// queuedCourseIDs lists course ids present in the group's state, sorted.
func (e *Engine) queuedCourseIDs(groupID int64) []string {
	queues := e.state.GroupQueues[groupID]
	ids := make([]string, 0, len(queues))
	for cid := range queues {
		ids = append(ids, cid)
	}
	sort.Strings(ids)
	return ids
}

func (e *Engine) snapshotLocked(groupID int64, courseID string) model.CourseStatus {
	course, configured := e.cfg.Course(groupID, courseID)
	queue := e.state.Queue(groupID, courseID)

	snap := model.CourseStatus{
		GroupID:  groupID,
		CourseID: courseID,
		Name:     course.Name,
		Open:     e.state.Open(groupID, courseID),
		Count:    len(queue),
		Capacity: course.Capacity,
		Entries:  append([]model.Entry(nil), queue...),
		Orphaned: !configured,
	}
	if !configured {
		snap.Name = courseID
	}
	return snap
}

// persist saves the full snapshot; on failure it runs rollback so memory
// and disk stay converged, then reports ErrPersistence.
func (e *Engine) persist(rollback func()) error {
	if err := e.files.Save(e.state); err != nil {
		rollback()
		e.log.Error().Err(err).Msg("Persist failed, mutation rolled back")
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return nil
}
