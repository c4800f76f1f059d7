// Package rooms maintains the named group directory: which groups exist and
// which display names belong to each, in join order. A group with zero
// members is deleted eagerly and is never observable in a snapshot.
//
// Like the presence registry, the Directory is NOT goroutine-safe on its own;
// the hub router serializes all access under its single lock.
package rooms

import (
	"errors"
	"sort"
)

// Errors returned by Directory operations. The hub maps these to user-facing
// error messages.
var (
	ErrEmptyName     = errors.New("rooms: group name cannot be empty")
	ErrAlreadyExists = errors.New("rooms: group already exists")
	ErrNotFound      = errors.New("rooms: group not found")
)

// Directory maps group names to ordered member display-name lists.
type Directory struct {
	groups map[string][]string
}

// NewDirectory creates an empty Directory.
func NewDirectory() *Directory {
	return &Directory{groups: make(map[string][]string)}
}

// Create makes a new group with the creator as its only member. It returns
// ErrEmptyName for an empty group name and ErrAlreadyExists if the name is
// taken.
func (d *Directory) Create(group, creator string) error {
	if group == "" {
		return ErrEmptyName
	}
	if _, ok := d.groups[group]; ok {
		return ErrAlreadyExists
	}
	d.groups[group] = []string{creator}
	return nil
}

// Join appends the member to the group. Joining a group the member already
// belongs to is a silent no-op: it returns joined=false and no error, and no
// duplicate entry is created. ErrNotFound is returned if the group does not
// exist.
func (d *Directory) Join(group, member string) (joined bool, err error) {
	members, ok := d.groups[group]
	if !ok {
		return false, ErrNotFound
	}
	for _, m := range members {
		if m == member {
			return false, nil
		}
	}
	d.groups[group] = append(members, member)
	return true, nil
}

// Leave removes the member from the group. If the removal empties the group,
// the group itself is deleted and deleted=true is returned. removed=false
// means the member was not in the group (or the group does not exist).
func (d *Directory) Leave(group, member string) (removed, deleted bool) {
	members, ok := d.groups[group]
	if !ok {
		return false, false
	}
	for i, m := range members {
		if m != member {
			continue
		}
		members = append(members[:i], members[i+1:]...)
		if len(members) == 0 {
			delete(d.groups, group)
			return true, true
		}
		d.groups[group] = members
		return true, false
	}
	return false, false
}

// Departure records one group a member left during LeaveAll, and whether the
// group was deleted because it became empty.
type Departure struct {
	Group   string
	Deleted bool
}

// LeaveAll removes the member from every group it belongs to, applying the
// empty-group deletion rule per group. It returns the affected groups in
// sorted order; the hub uses this on disconnect to drive the notification
// fan-out.
func (d *Directory) LeaveAll(member string) []Departure {
	var out []Departure
	for _, group := range d.Names() {
		removed, deleted := d.Leave(group, member)
		if removed {
			out = append(out, Departure{Group: group, Deleted: deleted})
		}
	}
	return out
}

// Members returns a copy of the group's member list in join order, or nil if
// the group does not exist.
func (d *Directory) Members(group string) []string {
	members, ok := d.groups[group]
	if !ok {
		return nil
	}
	out := make([]string, len(members))
	copy(out, members)
	return out
}

// Exists reports whether the group exists.
func (d *Directory) Exists(group string) bool {
	_, ok := d.groups[group]
	return ok
}

// Names returns all group names, sorted.
func (d *Directory) Names() []string {
	names := make([]string, 0, len(d.groups))
	for name := range d.groups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Snapshot returns a deep copy of the full directory state for broadcasting.
// Empty groups never appear: they are deleted at removal time.
func (d *Directory) Snapshot() map[string][]string {
	out := make(map[string][]string, len(d.groups))
	for name, members := range d.groups {
		cp := make([]string, len(members))
		copy(cp, members)
		out[name] = cp
	}
	return out
}

// Len returns the number of groups.
func (d *Directory) Len() int {
	return len(d.groups)
}
