// ABOUTME: Station directory kept by the receiver
// ABOUTME: Tracks stations seen in discovery replies, evicts silent ones, picks the active one
package directory

import (
	"cmp"
	"net/netip"
	"slices"
	"sync"
	"time"
)

// StaleAfter is how long a station may stay silent before it is evicted
const StaleAfter = 20 * time.Second

// Key identifies a station
type Key struct {
	Name  string
	Group netip.AddrPort
}

// Station is one discovered broadcast
type Station struct {
	Name     string
	Group    netip.AddrPort
	Control  netip.AddrPort // where retransmission requests go
	LastSeen time.Time
}

// Key returns the directory key of s
func (s Station) Key() Key {
	return Key{Name: s.Name, Group: s.Group}
}

// Eviction reports the outcome of EvictStale
type Eviction struct {
	Evicted    []Station
	ActiveLost bool
	Lost       Station // the evicted active station when ActiveLost
}

// Directory is safe for concurrent use
type Directory struct {
	mu       sync.Mutex
	stations map[string]map[netip.AddrPort]*Station
	active   *Key
	onChange func()
}

// New creates an empty directory
func New() *Directory {
	return &Directory{stations: make(map[string]map[netip.AddrPort]*Station)}
}

// OnChange registers fn to run after every mutation, outside the lock
func (d *Directory) OnChange(fn func()) {
	d.mu.Lock()
	d.onChange = fn
	d.mu.Unlock()
}

func (d *Directory) changed() {
	d.mu.Lock()
	fn := d.onChange
	d.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Observe refreshes or inserts a station and reports whether it was new
func (d *Directory) Observe(name string, group, control netip.AddrPort, now time.Time) bool {
	d.mu.Lock()
	byGroup, ok := d.stations[name]
	if !ok {
		byGroup = make(map[netip.AddrPort]*Station)
		d.stations[name] = byGroup
	}

	st, ok := byGroup[group]
	if ok {
		st.LastSeen = now
		if control.IsValid() {
			st.Control = control
		}
	} else {
		byGroup[group] = &Station{Name: name, Group: group, Control: control, LastSeen: now}
	}
	d.mu.Unlock()

	d.changed()
	return !ok
}

// EvictStale drops stations not seen for more than StaleAfter
func (d *Directory) EvictStale(now time.Time) Eviction {
	var ev Eviction

	d.mu.Lock()
	for name, byGroup := range d.stations {
		for group, st := range byGroup {
			if now.Sub(st.LastSeen) <= StaleAfter {
				continue
			}
			ev.Evicted = append(ev.Evicted, *st)
			delete(byGroup, group)

			if d.active != nil && *d.active == st.Key() {
				ev.ActiveLost = true
				ev.Lost = *st
				d.active = nil
			}
		}
		if len(byGroup) == 0 {
			delete(d.stations, name)
		}
	}
	d.mu.Unlock()

	if len(ev.Evicted) > 0 {
		sortStations(ev.Evicted)
		d.changed()
	}
	return ev
}

// PickDefault returns the first station ordered by name, then group
func (d *Directory) PickDefault() (Station, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var best *Station
	for _, byGroup := range d.stations {
		for _, st := range byGroup {
			if best == nil || compareStations(*st, *best) < 0 {
				best = st
			}
		}
	}
	if best == nil {
		return Station{}, false
	}
	return *best, true
}

// Pick returns the first station called name, ordered by group
func (d *Directory) Pick(name string) (Station, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var best *Station
	for _, st := range d.stations[name] {
		if best == nil || compareStations(*st, *best) < 0 {
			best = st
		}
	}
	if best == nil {
		return Station{}, false
	}
	return *best, true
}

// SetActive marks key as the station being played. It reports false when
// the station is unknown, leaving the active one unchanged.
func (d *Directory) SetActive(key Key) bool {
	d.mu.Lock()
	if _, ok := d.stations[key.Name][key.Group]; !ok {
		d.mu.Unlock()
		return false
	}
	d.active = &key
	d.mu.Unlock()

	d.changed()
	return true
}

// ClearActive forgets the active station
func (d *Directory) ClearActive() {
	d.mu.Lock()
	d.active = nil
	d.mu.Unlock()
	d.changed()
}

// Active returns the station currently being played
func (d *Directory) Active() (Station, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.active == nil {
		return Station{}, false
	}
	st, ok := d.stations[d.active.Name][d.active.Group]
	if !ok {
		return Station{}, false
	}
	return *st, true
}

// Get looks up one station
func (d *Directory) Get(key Key) (Station, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	st, ok := d.stations[key.Name][key.Group]
	if !ok {
		return Station{}, false
	}
	return *st, true
}

// Stations returns a sorted snapshot
func (d *Directory) Stations() []Station {
	d.mu.Lock()
	out := make([]Station, 0, d.lenLocked())
	for _, byGroup := range d.stations {
		for _, st := range byGroup {
			out = append(out, *st)
		}
	}
	d.mu.Unlock()

	sortStations(out)
	return out
}

// Len returns the number of known stations
func (d *Directory) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lenLocked()
}

func (d *Directory) lenLocked() int {
	n := 0
	for _, byGroup := range d.stations {
		n += len(byGroup)
	}
	return n
}

func compareStations(a, b Station) int {
	if c := cmp.Compare(a.Name, b.Name); c != 0 {
		return c
	}
	if c := a.Group.Addr().Compare(b.Group.Addr()); c != 0 {
		return c
	}
	return cmp.Compare(a.Group.Port(), b.Group.Port())
}

func sortStations(s []Station) {
	slices.SortFunc(s, compareStations)
}
