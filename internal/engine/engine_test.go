package engine_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/stemsi/regbot/internal/config"
	"github.com/stemsi/regbot/internal/engine"
	"github.com/stemsi/regbot/internal/model"
	"github.com/stemsi/regbot/internal/store"
)

const (
	testGroup  = int64(-1001)
	adminID    = int64(111)
	devID      = int64(999)
	strangerID = int64(222)
)

const testConfig = `
groups:
  -1001:
    name: Test Group
    courses:
      oop:
        name: Object Oriented Programming
        schedule: {day: 2, time: "20:00"}
        capacity: 2
      calc:
        name: Calculus
        schedule: {day: 4, time: "18:30"}
group_admins:
  -1001: [111]
max_queue_size: 10
`

type fixture struct {
	eng      *engine.Engine
	files    *store.Store
	dataPath string
	cfgPath  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	cfgPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(testConfig), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	cfg, err := config.LoadStore(cfgPath)
	if err != nil {
		t.Fatalf("LoadStore: %v", err)
	}

	dataPath := filepath.Join(dir, "queue_data.json")
	files, err := store.Open(dataPath, zerolog.Nop())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { files.Close() })

	state, err := files.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	eng := engine.New(cfg, files, state, []int64{devID}, time.UTC, zerolog.Nop())
	return &fixture{eng: eng, files: files, dataPath: dataPath, cfgPath: cfgPath}
}

func mustOpen(t *testing.T, f *fixture, courseID string) {
	t.Helper()
	if err := f.eng.AdminOpen(testGroup, courseID, adminID); err != nil {
		t.Fatalf("AdminOpen(%s): %v", courseID, err)
	}
}

func mustRegister(t *testing.T, f *fixture, courseID string, userID int64, name string) *engine.RegistrationResult {
	t.Helper()
	res, err := f.eng.Register(testGroup, courseID, userID, "", name)
	if err != nil {
		t.Fatalf("Register(%s, %d, %q): %v", courseID, userID, name, err)
	}
	return res
}

func queueOf(t *testing.T, f *fixture, courseID string) []model.Entry {
	t.Helper()
	statuses, err := f.eng.Status(testGroup, courseID)
	if err != nil {
		t.Fatalf("Status(%s): %v", courseID, err)
	}
	return statuses[0].Entries
}

func checkDense(t *testing.T, entries []model.Entry) {
	t.Helper()
	for i, e := range entries {
		if e.Position != i+1 {
			t.Fatalf("entry %d has position %d, want %d (queue: %+v)", i, e.Position, i+1, entries)
		}
	}
}

// The capacity-2 walkthrough: closed rejection, open, duplicate name,
// second registrant, full rejection.
func TestRegistrationLifecycle(t *testing.T) {
	f := newFixture(t)

	if _, err := f.eng.Register(testGroup, "oop", 1, "u1", "Alice"); !errors.Is(err, engine.ErrCourseClosed) {
		t.Fatalf("register while closed = %v, want ErrCourseClosed", err)
	}

	mustOpen(t, f, "oop")

	res := mustRegister(t, f, "oop", 1, "Alice")
	if res.Entry.Position != 1 {
		t.Fatalf("first position = %d, want 1", res.Entry.Position)
	}

	if _, err := f.eng.Register(testGroup, "oop", 2, "u2", "Alice"); !errors.Is(err, engine.ErrDuplicateName) {
		t.Fatalf("duplicate name = %v, want ErrDuplicateName", err)
	}
	if got := len(queueOf(t, f, "oop")); got != 1 {
		t.Fatalf("queue length after rejected duplicate = %d, want 1", got)
	}

	res = mustRegister(t, f, "oop", 2, "Bob")
	if res.Entry.Position != 2 {
		t.Fatalf("second position = %d, want 2", res.Entry.Position)
	}

	if _, err := f.eng.Register(testGroup, "oop", 3, "u3", "Carol"); !errors.Is(err, engine.ErrCourseFull) {
		t.Fatalf("register into full course = %v, want ErrCourseFull", err)
	}
	checkDense(t, queueOf(t, f, "oop"))
}

func TestRegisterNormalizesDuplicateNames(t *testing.T) {
	f := newFixture(t)
	mustOpen(t, f, "calc")

	mustRegister(t, f, "calc", 1, "Alice Smith")
	if _, err := f.eng.Register(testGroup, "calc", 2, "", "  alice   SMITH "); !errors.Is(err, engine.ErrDuplicateName) {
		t.Fatalf("normalized duplicate = %v, want ErrDuplicateName", err)
	}
}

func TestRegisterUnknownCourse(t *testing.T) {
	f := newFixture(t)
	if _, err := f.eng.Register(testGroup, "nope", 1, "", "Alice"); !errors.Is(err, engine.ErrUnknownCourse) {
		t.Fatalf("unknown course = %v, want ErrUnknownCourse", err)
	}
}

func TestSameUserMultipleNames(t *testing.T) {
	f := newFixture(t)
	mustOpen(t, f, "calc")

	mustRegister(t, f, "calc", 1, "Alice")
	mustRegister(t, f, "calc", 1, "Bob") // same user, teammate's name
	if got := len(queueOf(t, f, "calc")); got != 2 {
		t.Fatalf("queue length = %d, want 2", got)
	}
}

func TestUnregisterRecompactsPositions(t *testing.T) {
	f := newFixture(t)
	mustOpen(t, f, "calc")

	mustRegister(t, f, "calc", 1, "Alice")
	mustRegister(t, f, "calc", 2, "Bob")
	mustRegister(t, f, "calc", 3, "Carol")

	removed, err := f.eng.Unregister(testGroup, "calc", 2)
	if err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	if len(removed) != 1 || removed[0].Entry.FullName != "Bob" {
		t.Fatalf("removed = %+v", removed)
	}

	queue := queueOf(t, f, "calc")
	if len(queue) != 2 || queue[0].FullName != "Alice" || queue[1].FullName != "Carol" {
		t.Fatalf("queue = %+v", queue)
	}
	checkDense(t, queue)
}

func TestUnregisterNothingIsNotAnError(t *testing.T) {
	f := newFixture(t)

	removed, err := f.eng.Unregister(testGroup, "calc", 42)
	if err != nil {
		t.Fatalf("Unregister = %v, want nil", err)
	}
	if len(removed) != 0 {
		t.Fatalf("removed = %+v, want empty", removed)
	}
}

func TestUnregisterAllCourses(t *testing.T) {
	f := newFixture(t)
	mustOpen(t, f, "oop")
	mustOpen(t, f, "calc")

	mustRegister(t, f, "oop", 1, "Alice")
	mustRegister(t, f, "calc", 1, "Alice")
	mustRegister(t, f, "calc", 2, "Bob")

	removed, err := f.eng.Unregister(testGroup, "", 1)
	if err != nil {
		t.Fatalf("Unregister all: %v", err)
	}
	if len(removed) != 2 {
		t.Fatalf("removed %d entries, want 2: %+v", len(removed), removed)
	}
	if got := len(queueOf(t, f, "calc")); got != 1 {
		t.Fatalf("calc queue length = %d, want 1", got)
	}
}

func TestSwapIsSelfInverse(t *testing.T) {
	f := newFixture(t)
	mustOpen(t, f, "calc")

	names := []string{"A", "B", "C", "D", "E"}
	for i, name := range names {
		mustRegister(t, f, "calc", int64(i+1), name)
	}

	if err := f.eng.AdminSwap(testGroup, "calc", 2, 4, adminID); err != nil {
		t.Fatalf("AdminSwap: %v", err)
	}
	queue := queueOf(t, f, "calc")
	want := []string{"A", "D", "C", "B", "E"}
	for i, name := range want {
		if queue[i].FullName != name {
			t.Fatalf("after swap: queue = %+v, want order %v", queue, want)
		}
	}
	checkDense(t, queue)

	// Repeating the swap restores the original order.
	if err := f.eng.AdminSwap(testGroup, "calc", 2, 4, adminID); err != nil {
		t.Fatalf("AdminSwap again: %v", err)
	}
	queue = queueOf(t, f, "calc")
	for i, name := range names {
		if queue[i].FullName != name {
			t.Fatalf("after double swap: queue = %+v, want order %v", queue, names)
		}
	}
	checkDense(t, queue)
}

func TestSwapOutOfRange(t *testing.T) {
	f := newFixture(t)
	mustOpen(t, f, "calc")
	mustRegister(t, f, "calc", 1, "Alice")

	for _, pair := range [][2]int{{0, 1}, {1, 2}, {-1, 1}, {1, 99}} {
		err := f.eng.AdminSwap(testGroup, "calc", pair[0], pair[1], adminID)
		if !errors.Is(err, engine.ErrPositionOutOfRange) {
			t.Fatalf("AdminSwap(%d, %d) = %v, want ErrPositionOutOfRange", pair[0], pair[1], err)
		}
	}
}

func TestAdminAuthorization(t *testing.T) {
	f := newFixture(t)

	if err := f.eng.AdminOpen(testGroup, "oop", strangerID); !errors.Is(err, engine.ErrUnauthorized) {
		t.Fatalf("stranger AdminOpen = %v, want ErrUnauthorized", err)
	}
	// The authorization check runs before any other precondition.
	if err := f.eng.AdminOpen(testGroup, "no-such-course", strangerID); !errors.Is(err, engine.ErrUnauthorized) {
		t.Fatalf("stranger AdminOpen on unknown course = %v, want ErrUnauthorized", err)
	}

	// Dev users have authority over every group.
	if err := f.eng.AdminOpen(testGroup, "oop", devID); err != nil {
		t.Fatalf("dev AdminOpen: %v", err)
	}
	if err := f.eng.AdminClose(testGroup, "oop", adminID); err != nil {
		t.Fatalf("group admin AdminClose: %v", err)
	}
}

func TestScheduledOpenIsIdempotent(t *testing.T) {
	f := newFixture(t)
	mustOpen(t, f, "oop")

	before, err := os.ReadFile(f.dataPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	// Scheduled trigger firing for an already-open course is a no-op and
	// records no duplicate state change.
	if err := f.eng.ScheduledOpen(testGroup, "oop"); err != nil {
		t.Fatalf("ScheduledOpen: %v", err)
	}

	after, err := os.ReadFile(f.dataPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(before) != string(after) {
		t.Fatal("no-op open rewrote the snapshot")
	}

	statuses, _ := f.eng.Status(testGroup, "oop")
	if !statuses[0].Open {
		t.Fatal("course should remain open")
	}
}

func TestScheduledOpenUnknownCourse(t *testing.T) {
	f := newFixture(t)
	if err := f.eng.ScheduledOpen(testGroup, "gone"); !errors.Is(err, engine.ErrUnknownCourse) {
		t.Fatalf("ScheduledOpen = %v, want ErrUnknownCourse", err)
	}
}

func TestCloseBlocksRegisterKeepsQueue(t *testing.T) {
	f := newFixture(t)
	mustOpen(t, f, "oop")
	mustRegister(t, f, "oop", 1, "Alice")

	if err := f.eng.AdminClose(testGroup, "oop", adminID); err != nil {
		t.Fatalf("AdminClose: %v", err)
	}
	if _, err := f.eng.Register(testGroup, "oop", 2, "", "Bob"); !errors.Is(err, engine.ErrCourseClosed) {
		t.Fatalf("register after close = %v, want ErrCourseClosed", err)
	}
	if got := len(queueOf(t, f, "oop")); got != 1 {
		t.Fatalf("closing dropped the queue: length = %d, want 1", got)
	}

	// Unregister still works while closed.
	removed, err := f.eng.Unregister(testGroup, "oop", 1)
	if err != nil || len(removed) != 1 {
		t.Fatalf("Unregister while closed = %v, %+v", err, removed)
	}
}

func TestClearKeepsStatus(t *testing.T) {
	f := newFixture(t)
	mustOpen(t, f, "oop")
	mustRegister(t, f, "oop", 1, "Alice")

	if err := f.eng.AdminClear(testGroup, "oop", adminID); err != nil {
		t.Fatalf("AdminClear: %v", err)
	}
	statuses, _ := f.eng.Status(testGroup, "oop")
	if statuses[0].Count != 0 || !statuses[0].Open {
		t.Fatalf("after clear: %+v, want empty and still open", statuses[0])
	}
}

func TestPersistReloadRoundTrip(t *testing.T) {
	f := newFixture(t)
	mustOpen(t, f, "oop")
	mustRegister(t, f, "oop", 1, "Alice")
	mustRegister(t, f, "oop", 2, "Bob")

	// Release the lock and load through a fresh store, as a restart would.
	if err := f.files.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	files, err := store.Open(f.dataPath, zerolog.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer files.Close()

	state, err := files.Load()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !state.Open(testGroup, "oop") {
		t.Fatal("open flag lost across reload")
	}
	queue := state.Queue(testGroup, "oop")
	if len(queue) != 2 || queue[0].FullName != "Alice" || queue[1].FullName != "Bob" {
		t.Fatalf("queue after reload = %+v", queue)
	}
	for i, e := range queue {
		if e.Position != i+1 {
			t.Fatalf("position %d = %d after reload", i, e.Position)
		}
	}
}

func TestPersistenceFailureRollsBack(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "data")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}

	cfgPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(testConfig), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	cfg, err := config.LoadStore(cfgPath)
	if err != nil {
		t.Fatalf("LoadStore: %v", err)
	}

	files, err := store.Open(filepath.Join(sub, "queue_data.json"), zerolog.Nop())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer files.Close()
	state, _ := files.Load()

	eng := engine.New(cfg, files, state, nil, time.UTC, zerolog.Nop())
	if err := eng.AdminOpen(testGroup, "oop", adminID); err != nil {
		t.Fatalf("AdminOpen: %v", err)
	}

	// Make every further save fail.
	if err := os.RemoveAll(sub); err != nil {
		t.Fatalf("RemoveAll: %v", err)
	}

	if _, err := eng.Register(testGroup, "oop", 1, "", "Alice"); !errors.Is(err, engine.ErrPersistence) {
		t.Fatalf("Register = %v, want ErrPersistence", err)
	}

	// The failed registration must not survive in memory.
	statuses, err := eng.Status(testGroup, "oop")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if statuses[0].Count != 0 {
		t.Fatalf("in-memory queue diverged from disk: %+v", statuses[0])
	}
}

func TestRemoveCourseRollbackKeepsCapacity(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "data")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}

	cfgPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(testConfig), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	cfg, err := config.LoadStore(cfgPath)
	if err != nil {
		t.Fatalf("LoadStore: %v", err)
	}

	files, err := store.Open(filepath.Join(sub, "queue_data.json"), zerolog.Nop())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer files.Close()
	state, _ := files.Load()

	eng := engine.New(cfg, files, state, nil, time.UTC, zerolog.Nop())
	if err := eng.AdminOpen(testGroup, "oop", adminID); err != nil {
		t.Fatalf("AdminOpen: %v", err)
	}
	if _, err := eng.Register(testGroup, "oop", 1, "", "Alice"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	// Config rewrites still work, but the state snapshot cannot be saved.
	if err := os.RemoveAll(sub); err != nil {
		t.Fatalf("RemoveAll: %v", err)
	}

	if err := eng.RemoveCourse(testGroup, "oop", adminID); !errors.Is(err, engine.ErrPersistence) {
		t.Fatalf("RemoveCourse = %v, want ErrPersistence", err)
	}

	// The rollback restores the definition as written: the per-course
	// capacity override of 2 must survive, not reset to the group default.
	def, ok := cfg.Definition(testGroup, "oop")
	if !ok {
		t.Fatal("course definition gone after failed removal")
	}
	if def.Capacity != 2 {
		t.Fatalf("capacity after rollback = %d, want 2", def.Capacity)
	}

	statuses, err := eng.Status(testGroup, "oop")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if statuses[0].Capacity != 2 || statuses[0].Count != 1 || !statuses[0].Open {
		t.Fatalf("snapshot after rollback = %+v", statuses[0])
	}
}

func TestOrphanedQueueRetained(t *testing.T) {
	dir := t.TempDir()

	cfgPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(testConfig), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	cfg, err := config.LoadStore(cfgPath)
	if err != nil {
		t.Fatalf("LoadStore: %v", err)
	}

	// Hand-craft a snapshot referencing a course missing from the config.
	dataPath := filepath.Join(dir, "queue_data.json")
	snapshot := `{
  "group_queues": {"-1001": {"ghost": [
    {"user_id": 5, "username": "u5", "full_name": "Eve", "registered_at": "2025-01-08T20:01:00Z", "position": 1}
  ]}},
  "group_registration_status": {"-1001": {"ghost": false}},
  "last_updated": "2025-01-08T20:01:00Z",
  "format_version": "2.0"
}`
	if err := os.WriteFile(dataPath, []byte(snapshot), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	files, err := store.Open(dataPath, zerolog.Nop())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer files.Close()
	state, err := files.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	eng := engine.New(cfg, files, state, nil, time.UTC, zerolog.Nop())

	statuses, err := eng.Status(testGroup, "")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	var ghost *model.CourseStatus
	for i := range statuses {
		if statuses[i].CourseID == "ghost" {
			ghost = &statuses[i]
		}
	}
	if ghost == nil {
		t.Fatalf("orphaned queue not visible: %+v", statuses)
	}
	if !ghost.Orphaned || ghost.Count != 1 {
		t.Fatalf("ghost snapshot = %+v", ghost)
	}

	// Removal still works on orphaned queues.
	removed, err := eng.Unregister(testGroup, "ghost", 5)
	if err != nil || len(removed) != 1 {
		t.Fatalf("Unregister from orphan = %v, %+v", err, removed)
	}
}

func TestAddCourse(t *testing.T) {
	f := newFixture(t)

	sched := model.Schedule{Day: 0, Time: "09:00"}
	if _, err := f.eng.AddCourse(testGroup, "oop", "Dup", sched, 0, adminID); !errors.Is(err, engine.ErrDuplicateCourseID) {
		t.Fatalf("duplicate AddCourse = %v, want ErrDuplicateCourseID", err)
	}

	course, err := f.eng.AddCourse(testGroup, "db", "Databases", sched, 4, adminID)
	if err != nil {
		t.Fatalf("AddCourse: %v", err)
	}
	if course.Capacity != 4 {
		t.Fatalf("capacity = %d, want 4", course.Capacity)
	}

	// New courses start closed with an empty queue.
	if _, err := f.eng.Register(testGroup, "db", 1, "", "Alice"); !errors.Is(err, engine.ErrCourseClosed) {
		t.Fatalf("register into new course = %v, want ErrCourseClosed", err)
	}
}

func TestRemoveCourseDiscardsQueue(t *testing.T) {
	f := newFixture(t)
	mustOpen(t, f, "oop")
	mustRegister(t, f, "oop", 1, "Alice")

	if err := f.eng.RemoveCourse(testGroup, "nope", adminID); !errors.Is(err, engine.ErrUnknownCourse) {
		t.Fatalf("remove unknown = %v, want ErrUnknownCourse", err)
	}
	if err := f.eng.RemoveCourse(testGroup, "oop", adminID); err != nil {
		t.Fatalf("RemoveCourse: %v", err)
	}
	if _, err := f.eng.Status(testGroup, "oop"); !errors.Is(err, engine.ErrUnknownCourse) {
		t.Fatalf("status after removal = %v, want ErrUnknownCourse", err)
	}
}

func TestBlacklistBlocksRegistration(t *testing.T) {
	f := newFixture(t)
	mustOpen(t, f, "oop")

	if err := f.eng.BlacklistAdd(1, adminID); !errors.Is(err, engine.ErrUnauthorized) {
		t.Fatalf("group admin blacklist = %v, want ErrUnauthorized (dev only)", err)
	}
	if err := f.eng.BlacklistAdd(1, devID); err != nil {
		t.Fatalf("BlacklistAdd: %v", err)
	}

	if _, err := f.eng.Register(testGroup, "oop", 1, "", "Alice"); !errors.Is(err, engine.ErrBlacklisted) {
		t.Fatalf("blacklisted register = %v, want ErrBlacklisted", err)
	}

	if err := f.eng.BlacklistRemove(1, devID); err != nil {
		t.Fatalf("BlacklistRemove: %v", err)
	}
	mustRegister(t, f, "oop", 1, "Alice")
}

func TestMyRegistrations(t *testing.T) {
	f := newFixture(t)
	mustOpen(t, f, "oop")
	mustOpen(t, f, "calc")
	mustRegister(t, f, "oop", 1, "Alice")
	mustRegister(t, f, "calc", 1, "Teammate")

	regs := f.eng.MyRegistrations(1)
	if len(regs) != 2 {
		t.Fatalf("MyRegistrations = %+v, want 2 entries", regs)
	}
	if regs[0].CourseID != "calc" || regs[1].CourseID != "oop" {
		t.Fatalf("unexpected order: %+v", regs)
	}
}
