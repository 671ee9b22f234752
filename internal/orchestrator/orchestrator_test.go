package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/normanking/cortexconverse/internal/avatar"
	"github.com/normanking/cortexconverse/internal/bus"
	"github.com/normanking/cortexconverse/internal/dispatch"
	"github.com/normanking/cortexconverse/internal/frames"
	"github.com/normanking/cortexconverse/internal/session"
	"github.com/normanking/cortexconverse/internal/simulator"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAgent struct {
	id, name string

	mu         sync.Mutex
	sent       []string
	talking    bool
	blocked    bool
	interrupts int
}

func newFakeAgent(id, name string) *fakeAgent { return &fakeAgent{id: id, name: name} }

func (f *fakeAgent) AgentID() string { return f.id }
func (f *fakeAgent) Name() string    { return f.name }

func (f *fakeAgent) SendText(_ context.Context, text string, _ *frames.ActionConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeAgent) IsTalking() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.talking
}

func (f *fakeAgent) CanRelay() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.blocked
}

func (f *fakeAgent) Interrupt() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interrupts++
}

func (f *fakeAgent) Sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func speak(eb *bus.EventBus, agentID string, lines ...string) {
	for _, l := range lines {
		eb.PublishSync(bus.Event{Type: bus.EventTypeAgentTranscript, AgentID: agentID, Data: map[string]any{"text": l}})
	}
	eb.PublishSync(bus.Event{Type: bus.EventTypeResponseComplete, AgentID: agentID})
}

func setup(t *testing.T) (*Orchestrator, *bus.EventBus, *Pair, *fakeAgent, *fakeAgent) {
	t.Helper()
	eb := bus.NewEventBus()
	o := New(Config{Seed: 7}, eb, nil, zerolog.Nop())
	a := newFakeAgent("a", "Ada")
	b := newFakeAgent("b", "Bo")
	p, err := o.AddPair("p1", "the ocean", a, b)
	require.NoError(t, err)
	return o, eb, p, a, b
}

func split(p *Pair, a, b *fakeAgent) (speaker, listener *fakeAgent) {
	if p.CurrentSpeaker().AgentID() == a.id {
		return a, b
	}
	return b, a
}

func TestComposeRelayPrompt(t *testing.T) {
	related := ComposeRelayPrompt("Ada", "Whales sing.", "the ocean", false)
	assert.Equal(t, `Ada said "Whales sing." to you. Reply to it. Talk about something related to Whales sing.. `+
		`Definitely, reply to the message. Dont address speaker. Keep the reply short. Do not repeat the same message, or keep asking same question.`, related)

	steer := ComposeRelayPrompt("Ada", "Whales sing.", "the ocean", true)
	assert.Contains(t, steer, `Talk about something other than "Whales sing." but related to the ocean. Gently change the conversation topic. `)
	assert.True(t, strings.HasPrefix(steer, `Ada said "Whales sing." to you. Reply to it. `))
	assert.True(t, strings.HasSuffix(steer, "keep asking same question."))
}

func TestResume_OpensTopicWithOneSpeaker(t *testing.T) {
	o, _, p, a, b := setup(t)

	require.NoError(t, o.SetObserverNear("p1", true))

	speaker, listener := split(p, a, b)
	assert.Equal(t, []string{"Talk about the ocean."}, speaker.Sent())
	assert.Empty(t, listener.Sent())
	assert.False(t, p.Paused())
}

func TestRelay_DeliversTranscriptToOtherAgent(t *testing.T) {
	o, eb, p, a, b := setup(t)
	var relayed []bus.Event
	eb.Subscribe(bus.EventTypeConversationRelayed, func(e bus.Event) { relayed = append(relayed, e) })

	require.NoError(t, o.Resume("p1"))
	speaker, listener := split(p, a, b)

	speak(eb, speaker.id, "Whales sing.", "Dolphins click.")
	o.Wait()

	sent := listener.Sent()
	require.Len(t, sent, 1)
	assert.True(t, strings.HasPrefix(sent[0], speaker.name+` said "Whales sing. Dolphins click." to you.`))
	assert.Equal(t, listener.id, p.CurrentSpeaker().AgentID())
	assert.Equal(t, "Whales sing. Dolphins click.", p.PendingRelay())
	require.Len(t, relayed, 1)
	assert.Equal(t, "p1", relayed[0].String("pair"))
}

func TestRelay_IgnoresOtherAgentsAndEmptySpeech(t *testing.T) {
	o, eb, p, a, b := setup(t)
	require.NoError(t, o.Resume("p1"))
	speaker, listener := split(p, a, b)

	speak(eb, listener.id, "Out of turn.")
	speak(eb, speaker.id)
	o.Wait()

	assert.Empty(t, listener.Sent())
	assert.Equal(t, speaker.id, p.CurrentSpeaker().AgentID())
}

func TestRelay_SkippedWhenReceiverCannotRelay(t *testing.T) {
	o, eb, p, a, b := setup(t)
	require.NoError(t, o.Resume("p1"))
	speaker, listener := split(p, a, b)
	listener.blocked = true

	speak(eb, speaker.id, "Hello.")
	o.Wait()

	assert.Empty(t, listener.Sent())
}

func TestPause_HoldsRelayUntilResume(t *testing.T) {
	o, eb, p, a, b := setup(t)
	require.NoError(t, o.Resume("p1"))
	speaker, listener := split(p, a, b)

	require.NoError(t, o.SetObserverNear("p1", false))
	speak(eb, speaker.id, "Tides turn.")
	o.Wait()

	assert.Empty(t, listener.Sent())
	assert.Equal(t, "Tides turn.", p.PendingRelay())
	assert.Equal(t, listener.id, p.CurrentSpeaker().AgentID())

	require.NoError(t, o.SetObserverNear("p1", true))
	sent := listener.Sent()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0], `said "Tides turn." to you`)
	assert.Equal(t, listener.id, p.CurrentSpeaker().AgentID(), "resume does not switch speakers")
	assert.Len(t, speaker.Sent(), 1)
}

func TestResume_WaitsWhileAgentTalking(t *testing.T) {
	o, _, p, a, b := setup(t)
	a.talking = true

	require.NoError(t, o.Resume("p1"))

	assert.Empty(t, a.Sent())
	assert.Empty(t, b.Sent())
	assert.Nil(t, p.CurrentSpeaker())
}

func TestEndConversation(t *testing.T) {
	o, eb, p, a, b := setup(t)
	var torn []string
	o.OnTeardown(func(p *Pair) { torn = append(torn, p.ID) })
	ended := 0
	eb.Subscribe(bus.EventTypeConversationEnded, func(bus.Event) { ended++ })

	require.NoError(t, o.Resume("p1"))
	require.NoError(t, o.EndConversation("p1"))

	assert.True(t, p.Ended())
	assert.Equal(t, 1, a.interrupts)
	assert.Equal(t, 1, b.interrupts)
	assert.Equal(t, []string{"p1"}, torn)
	assert.Equal(t, 1, ended)
	assert.ErrorIs(t, o.EndConversation("p1"), ErrPairEnded)

	// Late completions after the end are not relayed.
	speaker, listener := split(p, a, b)
	speak(eb, speaker.id, "Still here.")
	o.Wait()
	assert.Empty(t, listener.Sent())

	require.NoError(t, o.Resume("p1"))
	assert.False(t, p.Ended())
	total := len(a.Sent()) + len(b.Sent())
	assert.Equal(t, 2, total, "a fresh opening is sent")
}

func TestAddPair_Validation(t *testing.T) {
	o, _, _, a, _ := setup(t)

	_, err := o.AddPair("p2", "x", a, newFakeAgent("c", "Cy"))
	assert.ErrorIs(t, err, ErrAgentInPair)

	_, err = o.AddPair("p3", "x", newFakeAgent("d", "D"), newFakeAgent("d", "D"))
	assert.ErrorIs(t, err, ErrSameAgentPair)

	_, err = o.Pair("missing")
	assert.ErrorIs(t, err, ErrUnknownPair)
}

func TestLoadPairs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pairs.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
pairs:
  - agent_a: ada
    agent_b: bo
    topic: the ocean
  - id: lab
    agent_a: cy
    agent_b: di
    topic: chemistry
`), 0o644))

	pairs, err := LoadPairs(path)
	require.NoError(t, err)
	require.Len(t, pairs, 2)
	assert.Equal(t, PairConfig{ID: "ada+bo", AgentA: "ada", AgentB: "bo", Topic: "the ocean"}, pairs[0])
	assert.Equal(t, "lab", pairs[1].ID)

	require.NoError(t, os.WriteFile(path, []byte("pairs:\n  - agent_a: x\n    agent_b: x\n"), 0o644))
	_, err = LoadPairs(path)
	assert.Error(t, err)
}

func TestOrchestrator_RelaysBetweenSessions(t *testing.T) {
	sim := simulator.New(simulator.Config{Responder: func(agentID, input string) string {
		if agentID == "a" {
			return "Coral reefs are alive."
		}
		return "Kelp forests too."
	}}, zerolog.Nop())
	eb := bus.NewEventBus()
	ctrl := session.NewController(session.DefaultConfig(), sim.Client(nil), dispatch.Immediate{}, eb, nil, nil, zerolog.Nop())

	sa, err := ctrl.AddAgent(session.AgentConfig{ID: "a", Name: "Ada"}, avatar.NewRecorder())
	require.NoError(t, err)
	sb, err := ctrl.AddAgent(session.AgentConfig{ID: "b", Name: "Bo"}, avatar.NewRecorder())
	require.NoError(t, err)

	o := New(Config{Seed: 3}, eb, nil, zerolog.Nop())
	_, err = o.AddPair("reef", "the ocean", sa, sb)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	ctrl.Start(ctx)
	o.Start(ctx)
	t.Cleanup(func() {
		_ = o.EndConversation("reef")
		ctrl.Close()
		cancel()
		o.Wait()
	})

	require.NoError(t, o.Resume("reef"))

	require.Eventually(t, func() bool { return len(sim.Turns()) >= 2 }, 5*time.Second, 10*time.Millisecond)
	turns := sim.Turns()
	first, second := turns[0], turns[1]
	assert.Equal(t, "Talk about the ocean.", first.Input)
	assert.NotEqual(t, first.AgentID, second.AgentID)

	spoken := map[string]string{"a": "Coral reefs are alive.", "b": "Kelp forests too."}
	assert.Contains(t, second.Input, `said "`+spoken[first.AgentID]+`" to you`)
}
