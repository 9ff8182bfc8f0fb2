// Package roster parses the two CSV input feeds and builds the normalized
// desired-state map consumed by the reconciler.
package roster

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strings"
)

// WildcardScope marks a mapping scope that resolves to the organization-root
// scope. Resolution happens at comparison time so the CSV path and the SCIM
// adapter share one rule.
const WildcardScope = "*"

// MalformedInputError reports an unparseable CSV row. Row is 1-based and
// counts data rows, not the header. It is fatal to a sync run and reported
// before any mutation.
type MalformedInputError struct {
	File string
	Row  int
	Err  error
}

func (e *MalformedInputError) Error() string {
	return fmt.Sprintf("malformed %s input at row %d: %v", e.File, e.Row, e.Err)
}

func (e *MalformedInputError) Unwrap() error { return e.Err }

// Row is one line of the user roster feed.
type Row struct {
	Name  string
	Email string
	Group string
}

// RoleSet is a set of role slugs. The set of roles held within one scope is
// the unit of comparison: order is irrelevant and duplicates collapse.
type RoleSet map[string]struct{}

// NewRoleSet builds a set from slugs, dropping empties.
func NewRoleSet(slugs ...string) RoleSet {
	set := make(RoleSet, len(slugs))
	for _, slug := range slugs {
		slug = strings.TrimSpace(slug)
		if slug != "" {
			set[slug] = struct{}{}
		}
	}
	return set
}

// Contains reports membership.
func (s RoleSet) Contains(slug string) bool {
	_, ok := s[slug]
	return ok
}

// Union merges other into a copy of s.
func (s RoleSet) Union(other RoleSet) RoleSet {
	merged := make(RoleSet, len(s)+len(other))
	for slug := range s {
		merged[slug] = struct{}{}
	}
	for slug := range other {
		merged[slug] = struct{}{}
	}
	return merged
}

// Equal reports set equality.
func (s RoleSet) Equal(other RoleSet) bool {
	if len(s) != len(other) {
		return false
	}
	for slug := range s {
		if !other.Contains(slug) {
			return false
		}
	}
	return true
}

// Slugs returns the sorted members, for stable log lines.
func (s RoleSet) Slugs() []string {
	slugs := make([]string, 0, len(s))
	for slug := range s {
		slugs = append(slugs, slug)
	}
	sort.Strings(slugs)
	return slugs
}

// Mapping associates a directory group with one or more authorization scopes
// and the role set granted on each of them.
type Mapping struct {
	Group  string
	Scopes []string
	Roles  RoleSet
}

// MappingSet is an immutable group-name keyed snapshot of the mapping feed,
// loaded once per sync invocation (or once at service start for the SCIM
// adapter). The reconciler never updates it.
type MappingSet map[string]Mapping

// GroupNames returns the mapped group names in sorted order.
func (m MappingSet) GroupNames() []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DesiredUser is the target configuration for one roster user: the first-seen
// username literal and the union of mapped role sets per scope.
type DesiredUser struct {
	Email    string
	Username string
	Scopes   map[string]RoleSet
}

// DesiredState maps lower-cased emails to their desired assignment. A user
// whose group has no mapping entry is still desired (present users are never
// deactivated), just with no scopes.
type DesiredState struct {
	Users map[string]*DesiredUser
}

// Emails returns the desired emails (lower-cased) in sorted order.
func (d *DesiredState) Emails() []string {
	emails := make([]string, 0, len(d.Users))
	for email := range d.Users {
		emails = append(emails, email)
	}
	sort.Strings(emails)
	return emails
}

// ParseRoster reads the user roster feed (columns: name, email, group).
// Header matching is case-insensitive; fields are trimmed. Empty fields stay
// as empty strings rather than dropping the row.
func ParseRoster(r io.Reader) ([]Row, error) {
	records, header, err := readCSV(r, "roster")
	if err != nil {
		return nil, err
	}

	nameCol, emailCol, groupCol := header["name"], header["email"], header["group"]
	if emailCol < 0 || groupCol < 0 || nameCol < 0 {
		return nil, &MalformedInputError{File: "roster", Row: 0, Err: fmt.Errorf("header must contain name, email and group columns")}
	}

	rows := make([]Row, 0, len(records))
	for _, rec := range records {
		rows = append(rows, Row{
			Name:  strings.TrimSpace(rec[nameCol]),
			Email: strings.TrimSpace(rec[emailCol]),
			Group: strings.TrimSpace(rec[groupCol]),
		})
	}
	return rows, nil
}

// ParseMappings reads the group mapping feed (columns: group, scope, roles).
// The scope column supports comma-separated multi-scope values; the roles
// column is a comma-separated slug list. Duplicate group rows union their
// role sets and append their scopes.
func ParseMappings(r io.Reader) (MappingSet, error) {
	records, header, err := readCSV(r, "mapping")
	if err != nil {
		return nil, err
	}

	groupCol, scopeCol, rolesCol := header["group"], header["scope"], header["roles"]
	if groupCol < 0 || scopeCol < 0 || rolesCol < 0 {
		return nil, &MalformedInputError{File: "mapping", Row: 0, Err: fmt.Errorf("header must contain group, scope and roles columns")}
	}

	set := make(MappingSet)
	for _, rec := range records {
		group := strings.TrimSpace(rec[groupCol])
		scopes := splitList(rec[scopeCol])
		roles := NewRoleSet(strings.Split(rec[rolesCol], ",")...)

		existing, ok := set[group]
		if !ok {
			set[group] = Mapping{Group: group, Scopes: scopes, Roles: roles}
			continue
		}
		existing.Scopes = appendMissing(existing.Scopes, scopes)
		existing.Roles = existing.Roles.Union(roles)
		set[group] = existing
	}
	return set, nil
}

// BuildDesired resolves every roster row through the mapping set and merges
// the results into a desired-state map. Unmapped groups are logged and
// skipped; the returned log lines record them. Multiple rows for the same
// user and scope union their role sets. The first-seen name literal per email
// wins.
func BuildDesired(rows []Row, mappings MappingSet) (*DesiredState, []string) {
	desired := &DesiredState{Users: make(map[string]*DesiredUser)}
	var logs []string

	for _, row := range rows {
		if row.Email == "" {
			continue
		}
		key := strings.ToLower(row.Email)

		user, ok := desired.Users[key]
		if !ok {
			user = &DesiredUser{
				Email:    row.Email,
				Username: row.Name,
				Scopes:   make(map[string]RoleSet),
			}
			desired.Users[key] = user
		}

		mapping, ok := mappings[row.Group]
		if !ok {
			logs = append(logs, fmt.Sprintf("No mapping found for group %s (user %s); skipping role assignment.", row.Group, row.Email))
			continue
		}

		for _, scope := range mapping.Scopes {
			user.Scopes[scope] = user.Scopes[scope].Union(mapping.Roles)
		}
	}

	return desired, logs
}

// readCSV decodes a header-keyed CSV stream. The returned header map holds
// lower-cased column names to indexes, -1 when absent.
func readCSV(r io.Reader, file string) ([][]string, map[string]int, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	headerRec, err := reader.Read()
	if err == io.EOF {
		return nil, nil, &MalformedInputError{File: file, Row: 0, Err: fmt.Errorf("empty input")}
	}
	if err != nil {
		return nil, nil, &MalformedInputError{File: file, Row: 0, Err: err}
	}

	header := map[string]int{"name": -1, "email": -1, "group": -1, "scope": -1, "roles": -1}
	for i, col := range headerRec {
		header[strings.ToLower(strings.TrimSpace(col))] = i
	}

	var records [][]string
	row := 0
	for {
		rec, err := reader.Read()
		if err == io.EOF {
			break
		}
		row++
		if err != nil {
			return nil, nil, &MalformedInputError{File: file, Row: row, Err: err}
		}
		records = append(records, rec)
	}
	return records, header, nil
}

// splitList splits a comma-separated value, trimming and dropping empties.
func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// appendMissing appends the values of extra not already present in base.
func appendMissing(base, extra []string) []string {
	for _, v := range extra {
		found := false
		for _, b := range base {
			if b == v {
				found = true
				break
			}
		}
		if !found {
			base = append(base, v)
		}
	}
	return base
}
