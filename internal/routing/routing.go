// Package routing decides which calendar a task is written to.
package routing

import (
	"fmt"
	"sort"
	"strings"

	"github.com/tasksync/tasksync/internal/reconcile"
	"github.com/tasksync/tasksync/internal/schema"
)

// Rules maps tasks to calendar names. Tags match case-insensitively and take
// precedence over path prefixes; the longest matching prefix wins.
type Rules struct {
	DefaultCalendar string            `mapstructure:"default_calendar"`
	Tags            map[string]string `mapstructure:"tags"`
	Paths           map[string]string `mapstructure:"paths"`
}

// Collection is a calendar known to the remote side.
type Collection struct {
	ID      string
	Name    string
	Primary bool
}

// Router resolves rules against the calendars listed this cycle.
type Router struct {
	rules    Rules
	byName   map[string]string
	byID     map[string]bool
	tags     map[string]string
	fallback string
	prefixes []string
}

// New builds a router. The fallback calendar is the primary collection, or
// the first one listed when none is primary.
func New(rules Rules, collections []Collection) *Router {
	r := &Router{
		rules:  rules,
		byName: make(map[string]string, len(collections)),
		byID:   make(map[string]bool, len(collections)),
		tags:   make(map[string]string, len(rules.Tags)),
	}
	for tag, name := range rules.Tags {
		r.tags[strings.ToLower(strings.TrimPrefix(tag, "#"))] = name
	}
	for _, c := range collections {
		r.byName[strings.ToLower(c.Name)] = c.ID
		r.byID[c.ID] = true
		if c.Primary && r.fallback == "" {
			r.fallback = c.ID
		}
	}
	if r.fallback == "" && len(collections) > 0 {
		r.fallback = collections[0].ID
	}

	for p := range rules.Paths {
		r.prefixes = append(r.prefixes, p)
	}
	sort.Slice(r.prefixes, func(i, j int) bool {
		if len(r.prefixes[i]) != len(r.prefixes[j]) {
			return len(r.prefixes[i]) > len(r.prefixes[j])
		}
		return r.prefixes[i] < r.prefixes[j]
	})
	return r
}

// Resolve implements reconcile.TargetResolver.
func (r *Router) Resolve(rec *schema.TaskRecord) reconcile.Target {
	name := r.calendarName(rec)
	if name == "" {
		return r.defaultTarget(rec)
	}
	if id, ok := r.lookup(name); ok {
		return reconcile.Target{CollectionID: id}
	}

	t := r.defaultTarget(rec)
	msg := fmt.Sprintf("calendar %q for task %q not found; using %q", name, rec.Title, t.CollectionID)
	if t.Warning != "" {
		msg += "; " + t.Warning
	}
	t.Warning = msg
	return t
}

func (r *Router) calendarName(rec *schema.TaskRecord) string {
	for _, tag := range rec.Tags {
		if name, ok := r.tags[strings.ToLower(strings.TrimPrefix(tag, "#"))]; ok {
			return name
		}
	}
	for _, p := range r.prefixes {
		if strings.HasPrefix(rec.FilePath, p) {
			return r.rules.Paths[p]
		}
	}
	return ""
}

func (r *Router) defaultTarget(rec *schema.TaskRecord) reconcile.Target {
	if r.rules.DefaultCalendar == "" {
		return reconcile.Target{CollectionID: r.fallback}
	}
	if id, ok := r.lookup(r.rules.DefaultCalendar); ok {
		return reconcile.Target{CollectionID: id}
	}
	return reconcile.Target{
		CollectionID: r.fallback,
		Warning:      fmt.Sprintf("default calendar %q not found; using %q", r.rules.DefaultCalendar, r.fallback),
	}
}

// lookup accepts either a calendar ID or a case-insensitive name.
func (r *Router) lookup(name string) (string, bool) {
	if r.byID[name] {
		return name, true
	}
	id, ok := r.byName[strings.ToLower(name)]
	return id, ok
}
