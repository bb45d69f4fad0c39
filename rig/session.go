package rig

import "sync"

// Gas identifies the channel an analyzer measures.
type Gas uint8

const (
	CO2 Gas = iota + 1
	O2
)

func (g Gas) String() string {
	switch g {
	case CO2:
		return "CO2"
	case O2:
		return "O2"
	default:
		return "unknown"
	}
}

// Session holds the readings and rotation position shared by the subsystems
// of one rig. Each field has a single writer: the analyzers write their own
// reading and the flow controller writes the cage index.
type Session struct {
	mu         sync.RWMutex
	lastOxygen float64
	hasOxygen  bool
	lastCarbon float64
	hasCarbon  bool
	cageIndex  int
}

// LastOxygen returns the latest O2 reading, and false before the first one.
func (s *Session) LastOxygen() (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.lastOxygen, s.hasOxygen
}

// LastCarbon returns the latest CO2 reading, and false before the first one.
func (s *Session) LastCarbon() (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.lastCarbon, s.hasCarbon
}

// CageIndex returns the position of the active cage in the selected list.
func (s *Session) CageIndex() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.cageIndex
}

// record stores v as the latest reading of g and returns the one it replaced.
func (s *Session) record(g Gas, v float64) (prev float64, had bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch g {
	case CO2:
		prev, had = s.lastCarbon, s.hasCarbon
		s.lastCarbon, s.hasCarbon = v, true
	case O2:
		prev, had = s.lastOxygen, s.hasOxygen
		s.lastOxygen, s.hasOxygen = v, true
	}

	return prev, had
}

func (s *Session) setCageIndex(i int) {
	s.mu.Lock()
	s.cageIndex = i
	s.mu.Unlock()
}

// Reset clears readings and rewinds the rotation.
func (s *Session) Reset() {
	s.mu.Lock()
	s.lastOxygen, s.hasOxygen = 0, false
	s.lastCarbon, s.hasCarbon = 0, false
	s.cageIndex = 0
	s.mu.Unlock()
}
