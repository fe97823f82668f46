package ttmsdk

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Frame is one socket message.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// MissionView is a local copy of the missions a session can see, kept current
// from REST snapshots and socket frames. Frames merge by mission id and only
// overwrite the fields they carry, so applying the same frame twice leaves the
// view as applying it once.
type MissionView struct {
	mu        sync.RWMutex
	missions  map[int64]Mission
	positions map[int64]PositionSample
}

func NewMissionView() *MissionView {
	return &MissionView{
		missions:  map[int64]Mission{},
		positions: map[int64]PositionSample{},
	}
}

// Replace swaps in a REST snapshot. Positions for missions no longer present
// are dropped.
func (v *MissionView) Replace(items []Mission) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.missions = make(map[int64]Mission, len(items))
	for _, m := range items {
		v.missions[m.ID] = cloneMission(m)
	}
	for id := range v.positions {
		if m, ok := v.missions[id]; !ok || m.Status.Terminal() {
			delete(v.positions, id)
		}
	}
}

// Upsert stores a full record, typically the response of a mutation.
func (v *MissionView) Upsert(m Mission) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.missions[m.ID] = cloneMission(m)
	if m.Status.Terminal() {
		delete(v.positions, m.ID)
	}
}

// Apply merges a socket frame. It reports whether the view changed shape;
// financial and unknown events are ignored.
func (v *MissionView) Apply(f Frame) (bool, error) {
	switch f.Event {
	case EventMissionCreated, EventMissionUpdated, EventMissionStatusChanged:
		return v.merge(f)
	case EventMissionDeleted:
		id, err := frameID(f)
		if err != nil {
			return false, err
		}
		v.mu.Lock()
		defer v.mu.Unlock()
		_, ok := v.missions[id]
		delete(v.missions, id)
		delete(v.positions, id)
		return ok, nil
	case EventPositionUpdate:
		var sample PositionSample
		if err := json.Unmarshal(f.Data, &sample); err != nil {
			return false, fmt.Errorf("%s: %w", f.Event, err)
		}
		if sample.MissionID == 0 {
			return false, fmt.Errorf("%s: missing requestId", f.Event)
		}
		v.mu.Lock()
		defer v.mu.Unlock()
		v.positions[sample.MissionID] = sample
		return true, nil
	}
	return false, nil
}

func (v *MissionView) merge(f Frame) (bool, error) {
	id, err := frameID(f)
	if err != nil {
		return false, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	current, ok := v.missions[id]
	if !ok && f.Event == EventMissionStatusChanged {
		// a bare status for a mission we never loaded; the next resync brings it
		return false, nil
	}
	next := cloneMission(current)
	if err := json.Unmarshal(f.Data, &next); err != nil {
		return false, fmt.Errorf("%s: %w", f.Event, err)
	}
	v.missions[id] = next
	if next.Status.Terminal() {
		delete(v.positions, id)
	}
	return true, nil
}

func (v *MissionView) Get(id int64) (Mission, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	m, ok := v.missions[id]
	return cloneMission(m), ok
}

// List returns the missions newest first.
func (v *MissionView) List() []Mission {
	v.mu.RLock()
	out := make([]Mission, 0, len(v.missions))
	for _, m := range v.missions {
		out = append(out, cloneMission(m))
	}
	v.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out
}

func (v *MissionView) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.missions)
}

// Position returns the latest operator sample for a mission.
func (v *MissionView) Position(id int64) (PositionSample, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	p, ok := v.positions[id]
	return p, ok
}

func frameID(f Frame) (int64, error) {
	var head struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal(f.Data, &head); err != nil {
		return 0, fmt.Errorf("%s: %w", f.Event, err)
	}
	if head.ID == 0 {
		return 0, fmt.Errorf("%s: missing id", f.Event)
	}
	return head.ID, nil
}

// cloneMission copies pointer fields so merges never write through to a
// record a caller still holds.
func cloneMission(m Mission) Mission {
	if m.OperatorRef != nil {
		op := *m.OperatorRef
		m.OperatorRef = &op
	}
	if m.Price != nil {
		p := *m.Price
		m.Price = &p
	}
	if m.Distance != nil {
		d := *m.Distance
		m.Distance = &d
	}
	return m
}
