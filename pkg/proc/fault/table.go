// Package fault implements interception of faults raised at known
// instruction addresses.
//
// A Table maps the address of each instruction that is expected to fault
// to the address execution should resume at. Listeners built on top of a
// table absorb the faults they recognize by rewriting the program counter
// of the faulting context and let every other fault propagate.
package fault

import (
	"fmt"

	"github.com/go-delve/faultcheck/pkg/proc"
)

// Site is an expected fault: the address of the instruction that faults
// and the address execution resumes at after the fault is intercepted.
type Site struct {
	Name  string
	IP    uint64
	FixIP uint64

	observed bool
}

// Observed returns true if a fault was intercepted at this site and the
// exception address reported for it matched the faulting instruction.
// A site can be handled without being observed.
func (s *Site) Observed() bool {
	return s.observed
}

// DuplicateSiteError is returned when a fault site is added at an address
// already used by another site of the same table.
type DuplicateSiteError struct {
	IP       uint64
	Existing string
}

func (err *DuplicateSiteError) Error() string {
	return fmt.Sprintf("fault site at %#x already registered as %q", err.IP, err.Existing)
}

// Table is an ordered collection of fault sites of one category, looked up
// by exact address. Tables are populated before any fault can be delivered
// and are not safe for concurrent modification.
type Table struct {
	category proc.Category
	sites    []*Site
	byIP     map[uint64]*Site
}

// NewTable returns an empty table for faults of category c.
func NewTable(c proc.Category) *Table {
	return &Table{category: c, byIP: make(map[uint64]*Site)}
}

// Category returns the category of fault the table describes.
func (t *Table) Category() proc.Category {
	return t.category
}

// Add registers a new fault site.
func (t *Table) Add(name string, ip, fixIP uint64) (*Site, error) {
	if s, exists := t.byIP[ip]; exists {
		return nil, &DuplicateSiteError{IP: ip, Existing: s.Name}
	}
	s := &Site{Name: name, IP: ip, FixIP: fixIP}
	t.sites = append(t.sites, s)
	t.byIP[ip] = s
	return s, nil
}

// Lookup returns the site whose faulting instruction is at pc.
func (t *Table) Lookup(pc uint64) (*Site, bool) {
	s, ok := t.byIP[pc]
	return s, ok
}

// Sites returns all sites in the order they were added.
func (t *Table) Sites() []*Site {
	return t.sites
}

// AllObserved returns true if every site of the table has been observed.
// An empty table is never considered observed.
func (t *Table) AllObserved() bool {
	if len(t.sites) == 0 {
		return false
	}
	for _, s := range t.sites {
		if !s.observed {
			return false
		}
	}
	return true
}
