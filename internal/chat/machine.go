// Package chat drives an AI chat web application through one generation:
// attachments, prompt submission, completion detection and extraction.
package chat

import (
	"errors"
	"fmt"
)

// Phase is a state of the completion state machine.
type Phase string

const (
	PhaseIdle                Phase = "idle"
	PhaseResearchPolling     Phase = "research_polling"
	PhaseChatCompletionCheck Phase = "chat_completion_check"
	PhaseArtifactDetected    Phase = "artifact_detected"
	PhaseGenerationPolling   Phase = "generation_polling"
	PhaseArtifactStabilizing Phase = "artifact_stabilizing"
	PhaseDone                Phase = "done"
	PhaseTimedOut            Phase = "timed_out"
	PhaseFailed              Phase = "failed"
)

// Terminal reports whether no further transitions are possible.
func (p Phase) Terminal() bool {
	return p == PhaseDone || p == PhaseTimedOut || p == PhaseFailed
}

// Mode says where the generated content lives and therefore how it is
// extracted.
type Mode string

const (
	// ModeChat content is the last chat response.
	ModeChat Mode = "chat"
	// ModeArtifact content is a side-panel document.
	ModeArtifact Mode = "artifact"
)

// ErrInvalidTransition is returned for an event the current phase does not
// accept.
var ErrInvalidTransition = errors.New("invalid phase transition")

// Limits are the iteration ceilings of the machine. Every loop it drives is
// bounded by one of them.
type Limits struct {
	// ResearchCeiling is the number of research polls before giving up.
	ResearchCeiling int
	// GraceTicks is how many ticks an artifact may take to appear after the
	// chat looked complete.
	GraceTicks int
	// StabilityThreshold is the number of consecutive unchanged samples that
	// count as stable.
	StabilityThreshold int
	// StabilityCeiling bounds the number of samples taken.
	StabilityCeiling int
}

// Observation is one research poll.
type Observation struct {
	Artifact bool
	Complete bool
}

// Machine is the completion state machine. It holds no clock and performs no
// I/O; the caller feeds it observations and sleeps between them.
type Machine struct {
	limits Limits

	phase      Phase
	mode       Mode
	degraded   bool
	polls      int
	graceTicks int
	samples    int
	unchanged  int
	last       string
}

// NewMachine creates a machine in PhaseIdle. Ceilings below one are raised
// to one so every loop terminates.
func NewMachine(l Limits) *Machine {
	if l.ResearchCeiling < 1 {
		l.ResearchCeiling = 1
	}
	if l.GraceTicks < 1 {
		l.GraceTicks = 1
	}
	if l.StabilityThreshold < 1 {
		l.StabilityThreshold = 1
	}
	if l.StabilityCeiling < l.StabilityThreshold {
		l.StabilityCeiling = l.StabilityThreshold
	}
	return &Machine{limits: l, phase: PhaseIdle, mode: ModeChat}
}

func (m *Machine) Phase() Phase   { return m.phase }
func (m *Machine) Mode() Mode     { return m.mode }
func (m *Machine) Degraded() bool { return m.degraded }

// Polls is the number of research polls taken.
func (m *Machine) Polls() int { return m.polls }

// Samples is the number of artifact samples taken.
func (m *Machine) Samples() int { return m.samples }

// Snapshot is the last sampled artifact content.
func (m *Machine) Snapshot() string { return m.last }

// ContentLength is the length of Snapshot in bytes.
func (m *Machine) ContentLength() int { return len(m.last) }

func (m *Machine) expect(event string, allowed ...Phase) error {
	for _, p := range allowed {
		if m.phase == p {
			return nil
		}
	}
	return fmt.Errorf("%w: %s in %s", ErrInvalidTransition, event, m.phase)
}

// Start moves Idle to ResearchPolling once the prompt is submitted.
func (m *Machine) Start() error {
	if err := m.expect("start", PhaseIdle); err != nil {
		return err
	}
	m.phase = PhaseResearchPolling
	return nil
}

// OnResearchPoll records one research poll. An artifact wins over chat
// completion; reaching the ceiling without either times out.
func (m *Machine) OnResearchPoll(o Observation) (Phase, error) {
	if err := m.expect("research poll", PhaseResearchPolling); err != nil {
		return m.phase, err
	}
	m.polls++
	switch {
	case o.Artifact:
		m.phase = PhaseArtifactDetected
		m.mode = ModeArtifact
	case o.Complete:
		m.phase = PhaseChatCompletionCheck
	case m.polls >= m.limits.ResearchCeiling:
		m.phase = PhaseTimedOut
		m.degraded = true
	}
	return m.phase, nil
}

// OnGraceTick records one tick of the grace period after chat completion.
// An artifact may still appear; if none does the chat response is final.
func (m *Machine) OnGraceTick(artifact bool) (Phase, error) {
	if err := m.expect("grace tick", PhaseChatCompletionCheck); err != nil {
		return m.phase, err
	}
	m.graceTicks++
	switch {
	case artifact:
		m.phase = PhaseArtifactDetected
		m.mode = ModeArtifact
	case m.graceTicks >= m.limits.GraceTicks:
		m.phase = PhaseDone
		m.mode = ModeChat
	}
	return m.phase, nil
}

// BeginStabilizing starts watching a detected artifact for changes.
func (m *Machine) BeginStabilizing() (Phase, error) {
	if err := m.expect("begin stabilizing", PhaseArtifactDetected); err != nil {
		return m.phase, err
	}
	m.phase = PhaseGenerationPolling
	return m.phase, nil
}

// OnSample records one artifact content sample. Empty or changed content
// keeps the machine generating and resets the unchanged count. Content equal
// to the previous sample counts toward the threshold.
func (m *Machine) OnSample(content string) (Phase, error) {
	if err := m.expect("sample", PhaseGenerationPolling, PhaseArtifactStabilizing); err != nil {
		return m.phase, err
	}
	m.samples++

	if content == "" || content != m.last {
		m.unchanged = 0
		m.last = content
		m.phase = PhaseGenerationPolling
	} else {
		m.unchanged++
		m.phase = PhaseArtifactStabilizing
	}

	switch {
	case m.unchanged >= m.limits.StabilityThreshold:
		m.phase = PhaseDone
	case m.samples >= m.limits.StabilityCeiling:
		m.phase = PhaseDone
		m.degraded = true
	}
	return m.phase, nil
}

// Fail moves any non-terminal phase to Failed.
func (m *Machine) Fail() {
	if !m.phase.Terminal() {
		m.phase = PhaseFailed
	}
}
