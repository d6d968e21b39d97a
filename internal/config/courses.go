package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stemsi/regbot/internal/model"
	"github.com/stemsi/regbot/internal/validator"
)

// ErrCorruptConfig marks a course document that exists but cannot be parsed
// or fails validation. Fatal at startup.
var ErrCorruptConfig = errors.New("corrupt course configuration")

// DefaultQueueSize is the queue capacity used when neither the course nor
// its group carries an override.
const DefaultQueueSize = 50

// Document is the on-disk course configuration.
type Document struct {
	Groups          map[int64]GroupConfig `yaml:"groups"`
	GroupAdmins     map[int64][]int64     `yaml:"group_admins"`
	MaxQueueSize    int                   `yaml:"max_queue_size" validate:"omitempty,min=1"`
	GroupQueueSizes map[int64]int         `yaml:"group_queue_sizes,omitempty"`
	Blacklist       []int64               `yaml:"blacklist,omitempty"`
}

// GroupConfig is one chat group's static definition.
type GroupConfig struct {
	Name      string                  `yaml:"name"`
	CreatedAt time.Time               `yaml:"created_at,omitempty"`
	Courses   map[string]CourseConfig `yaml:"courses"`
}

// CourseConfig is one course's static definition.
type CourseConfig struct {
	Name     string         `yaml:"name" validate:"required"`
	Schedule model.Schedule `yaml:"schedule"`
	Capacity int            `yaml:"capacity,omitempty" validate:"omitempty,min=1"`
}

// Store owns the course document and its file. It is not goroutine-safe:
// after startup every access goes through the registration engine, whose
// mutation lock serializes readers and writers.
type Store struct {
	path string
	doc  Document
}

// LoadStore reads and validates the course document. A missing file yields
// an empty document which is written out immediately, so a fresh deployment
// starts without hand-crafting YAML. Any parse or validation failure is
// wrapped in ErrCorruptConfig.
func LoadStore(path string) (*Store, error) {
	s := &Store{path: path}

	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		s.doc = Document{MaxQueueSize: DefaultQueueSize}
		if err := s.Save(); err != nil {
			return nil, err
		}
		return s, nil
	}
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(raw, &s.doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptConfig, path, err)
	}
	if err := s.validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptConfig, path, err)
	}
	if s.doc.MaxQueueSize == 0 {
		s.doc.MaxQueueSize = DefaultQueueSize
	}
	return s, nil
}

func (s *Store) validate() error {
	if err := validator.Struct(s.doc); err != nil {
		return err
	}
	for gid, g := range s.doc.Groups {
		for cid, c := range g.Courses {
			if err := validator.Struct(c); err != nil {
				return fmt.Errorf("group %d course %q: %v", gid, cid, err)
			}
			if err := c.Schedule.Validate(); err != nil {
				return fmt.Errorf("group %d course %q: %v", gid, cid, err)
			}
		}
	}
	return nil
}

// Save writes the document atomically: temp file in the same directory,
// then rename over the original.
func (s *Store) Save() error {
	raw, err := yaml.Marshal(&s.doc)
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}

// ─── Read access ─────────────────────────────────────────────────────────

// Course resolves a course definition with its effective capacity.
func (s *Store) Course(groupID int64, courseID string) (model.Course, bool) {
	g, ok := s.doc.Groups[groupID]
	if !ok {
		return model.Course{}, false
	}
	c, ok := g.Courses[courseID]
	if !ok {
		return model.Course{}, false
	}
	return model.Course{
		ID:       courseID,
		Name:     c.Name,
		GroupID:  groupID,
		Schedule: c.Schedule,
		Capacity: s.capacityFor(groupID, c),
	}, true
}

// Definition returns the raw course entry as written in the document, with
// the capacity override unresolved (0 means "inherit the group default").
func (s *Store) Definition(groupID int64, courseID string) (CourseConfig, bool) {
	g, ok := s.doc.Groups[groupID]
	if !ok {
		return CourseConfig{}, false
	}
	c, ok := g.Courses[courseID]
	return c, ok
}

// Courses lists a group's courses sorted by id.
func (s *Store) Courses(groupID int64) []model.Course {
	g, ok := s.doc.Groups[groupID]
	if !ok {
		return nil
	}
	out := make([]model.Course, 0, len(g.Courses))
	for id := range g.Courses {
		c, _ := s.Course(groupID, id)
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AllCourses lists every course across all groups, sorted by group then id.
func (s *Store) AllCourses() []model.Course {
	var out []model.Course
	for gid := range s.doc.Groups {
		out = append(out, s.Courses(gid)...)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].GroupID != out[j].GroupID {
			return out[i].GroupID < out[j].GroupID
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// HasGroup reports whether the group is configured.
func (s *Store) HasGroup(groupID int64) bool {
	_, ok := s.doc.Groups[groupID]
	return ok
}

// GroupName returns the group's display name, or its id when unnamed.
func (s *Store) GroupName(groupID int64) string {
	if g, ok := s.doc.Groups[groupID]; ok && g.Name != "" {
		return g.Name
	}
	return fmt.Sprintf("group %d", groupID)
}

// GroupIDs lists configured group ids in ascending order.
func (s *Store) GroupIDs() []int64 {
	ids := make([]int64, 0, len(s.doc.Groups))
	for gid := range s.doc.Groups {
		ids = append(ids, gid)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// IsGroupAdmin reports whether userID administers the given group.
func (s *Store) IsGroupAdmin(userID, groupID int64) bool {
	for _, id := range s.doc.GroupAdmins[groupID] {
		if id == userID {
			return true
		}
	}
	return false
}

// QueueSize returns the effective default capacity for a group's courses.
func (s *Store) QueueSize(groupID int64) int {
	if size, ok := s.doc.GroupQueueSizes[groupID]; ok && size > 0 {
		return size
	}
	if s.doc.MaxQueueSize > 0 {
		return s.doc.MaxQueueSize
	}
	return DefaultQueueSize
}

// IsBlacklisted reports whether the user is barred from registering.
func (s *Store) IsBlacklisted(userID int64) bool {
	for _, id := range s.doc.Blacklist {
		if id == userID {
			return true
		}
	}
	return false
}

// Blacklist returns a copy of the blacklisted user ids.
func (s *Store) Blacklist() []int64 {
	return append([]int64(nil), s.doc.Blacklist...)
}

func (s *Store) capacityFor(groupID int64, c CourseConfig) int {
	if c.Capacity > 0 {
		return c.Capacity
	}
	return s.QueueSize(groupID)
}

// ─── Mutation (serialized by the engine lock) ────────────────────────────

// Every mutator rolls its in-memory change back when the rewrite fails, so
// the document in memory never silently runs ahead of the file on disk.

// EnsureGroup registers a group definition if absent. Used when the bot is
// added to a chat it has never seen.
func (s *Store) EnsureGroup(groupID int64, name string) error {
	if s.doc.Groups == nil {
		s.doc.Groups = make(map[int64]GroupConfig)
	}
	if _, ok := s.doc.Groups[groupID]; ok {
		return nil
	}
	s.doc.Groups[groupID] = GroupConfig{
		Name:      name,
		CreatedAt: time.Now().UTC(),
		Courses:   make(map[string]CourseConfig),
	}
	if err := s.Save(); err != nil {
		delete(s.doc.Groups, groupID)
		return err
	}
	return nil
}

// AddCourse inserts a course definition and rewrites the document. The
// caller has already checked for duplicates and authorization.
func (s *Store) AddCourse(groupID int64, courseID, name string, sched model.Schedule, capacity int) error {
	if err := sched.Validate(); err != nil {
		return err
	}
	if s.doc.Groups == nil {
		s.doc.Groups = make(map[int64]GroupConfig)
	}
	g, hadGroup := s.doc.Groups[groupID]
	if !hadGroup {
		g = GroupConfig{
			Name:      fmt.Sprintf("group %d", groupID),
			CreatedAt: time.Now().UTC(),
			Courses:   make(map[string]CourseConfig),
		}
	}
	if g.Courses == nil {
		g.Courses = make(map[string]CourseConfig)
	}
	g.Courses[courseID] = CourseConfig{Name: name, Schedule: sched, Capacity: capacity}
	s.doc.Groups[groupID] = g

	if err := s.Save(); err != nil {
		delete(g.Courses, courseID)
		if !hadGroup {
			delete(s.doc.Groups, groupID)
		}
		return err
	}
	return nil
}

// RemoveCourse deletes a course definition and rewrites the document.
func (s *Store) RemoveCourse(groupID int64, courseID string) error {
	g, ok := s.doc.Groups[groupID]
	if !ok {
		return nil
	}
	removed, had := g.Courses[courseID]
	if !had {
		return nil
	}
	delete(g.Courses, courseID)

	if err := s.Save(); err != nil {
		g.Courses[courseID] = removed
		return err
	}
	return nil
}

// SetGroupQueueSize overrides the default capacity for one group.
func (s *Store) SetGroupQueueSize(groupID int64, size int) error {
	if size < 1 {
		return fmt.Errorf("queue size %d: want >= 1", size)
	}
	if s.doc.GroupQueueSizes == nil {
		s.doc.GroupQueueSizes = make(map[int64]int)
	}
	prev, had := s.doc.GroupQueueSizes[groupID]
	s.doc.GroupQueueSizes[groupID] = size

	if err := s.Save(); err != nil {
		if had {
			s.doc.GroupQueueSizes[groupID] = prev
		} else {
			delete(s.doc.GroupQueueSizes, groupID)
		}
		return err
	}
	return nil
}

// AddBlacklist adds a user id to the blacklist. Idempotent.
func (s *Store) AddBlacklist(userID int64) error {
	if s.IsBlacklisted(userID) {
		return nil
	}
	s.doc.Blacklist = append(s.doc.Blacklist, userID)

	if err := s.Save(); err != nil {
		s.doc.Blacklist = s.doc.Blacklist[:len(s.doc.Blacklist)-1]
		return err
	}
	return nil
}

// RemoveBlacklist drops a user id from the blacklist. Idempotent.
func (s *Store) RemoveBlacklist(userID int64) error {
	prev := s.doc.Blacklist
	kept := make([]int64, 0, len(prev))
	for _, id := range prev {
		if id != userID {
			kept = append(kept, id)
		}
	}
	if len(kept) == len(prev) {
		return nil
	}
	s.doc.Blacklist = kept

	if err := s.Save(); err != nil {
		s.doc.Blacklist = prev
		return err
	}
	return nil
}
