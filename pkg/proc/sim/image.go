package sim

import (
	"fmt"

	"github.com/derekparker/trie"

	"github.com/go-delve/faultcheck/pkg/proc"
)

// Routine is a function of an image.
type Routine struct {
	Name string
	Addr uint64
	Code []byte

	// Faults maps the address of each instruction of Code that faults
	// when it is executed to the category of the fault.
	Faults map[uint64]proc.Category
	// Body, if not nil, is run instead of walking the instructions of
	// Code.
	Body func(h *Host, t *Thread) error

	after []func(t *Thread) error
	at    map[uint64][]AnalysisFunc
}

// AnalysisFunc is a call inserted in the middle of a routine. It runs with
// a copy of the context of the thread: the host spills and restores the
// application's registers around the call.
type AnalysisFunc func(ctx proc.Context, tid int) error

// InsertCallAfter arranges for fn to be called every time the routine
// returns.
func (r *Routine) InsertCallAfter(fn func(t *Thread) error) {
	r.after = append(r.after, fn)
}

// InsertCallAt arranges for fn to be called every time the instruction at
// pc has executed.
func (r *Routine) InsertCallAt(pc uint64, fn AnalysisFunc) {
	if r.at == nil {
		r.at = make(map[uint64][]AnalysisFunc)
	}
	r.at[pc] = append(r.at[pc], fn)
}

func (r *Routine) contains(pc uint64) bool {
	if pc == r.Addr {
		return true
	}
	return pc > r.Addr && pc < r.Addr+uint64(len(r.Code))
}

// Image is a loaded executable or library, its routines are looked up by
// name.
type Image struct {
	Name string

	routines *trie.Trie
	order    []*Routine
}

// NewImage returns an image without routines.
func NewImage(name string) *Image {
	return &Image{Name: name, routines: trie.New()}
}

// AddRoutine adds a routine to the image.
func (img *Image) AddRoutine(r *Routine) error {
	if _, exists := img.routines.Find(r.Name); exists {
		return fmt.Errorf("routine %s already defined in %s", r.Name, img.Name)
	}
	img.routines.Add(r.Name, r)
	img.order = append(img.order, r)
	return nil
}

// MustAddRoutine is like AddRoutine but panics if the routine is already
// defined. It is meant for images built from fixed tables.
func (img *Image) MustAddRoutine(r *Routine) {
	if err := img.AddRoutine(r); err != nil {
		panic(err)
	}
}

// FindRoutine returns the routine called name.
func (img *Image) FindRoutine(name string) (*Routine, bool) {
	node, ok := img.routines.Find(name)
	if !ok {
		return nil, false
	}
	return node.Meta().(*Routine), true
}

// RoutinesWithPrefix returns all routines whose name starts with prefix, in
// the order they were added.
func (img *Image) RoutinesWithPrefix(prefix string) []*Routine {
	names := make(map[string]bool)
	for _, name := range img.routines.PrefixSearch(prefix) {
		names[name] = true
	}
	var r []*Routine
	for _, rtn := range img.order {
		if names[rtn.Name] {
			r = append(r, rtn)
		}
	}
	return r
}

// Routines returns all routines of the image in the order they were added.
func (img *Image) Routines() []*Routine {
	return img.order
}

// RoutineAt returns the routine containing pc.
func (img *Image) RoutineAt(pc uint64) (*Routine, bool) {
	for _, r := range img.order {
		if r.contains(pc) {
			return r, true
		}
	}
	return nil, false
}
