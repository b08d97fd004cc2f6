// Package arbiter owns the single "currently speaking" slot, at most one
// pending slot, and the generation counter that lets asynchronous worker
// feedback be reconciled against the request that caused it.
package arbiter

import (
	"fmt"
	"log"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/mouthpiece/internal/gate"
	"github.com/ent0n29/mouthpiece/internal/observability"
	"github.com/ent0n29/mouthpiece/internal/protocol"
	"github.com/ent0n29/mouthpiece/internal/worker"
)

// Result reasons surfaced on say_result and dropped broadcasts.
const (
	ReasonControllerStopped = "controller_stopped"
	ReasonInvalidPayload    = "invalid_payload"
	ReasonTTLExpired        = "ttl_expired"
	ReasonWorkerUnavailable = "worker_unavailable"
	ReasonWorkerSendFailed  = "worker_send_failed"
)

// Lifecycle phases broadcast as tts_state.
const (
	PhaseQueued             = "queued"
	PhasePlayStart          = "play_start"
	PhasePlayStop           = "play_stop"
	PhaseDropped            = "dropped"
	PhaseError              = "error"
	PhaseInterruptRequested = "interrupt_requested"
	PhaseWorkerReady        = "worker_ready"
	PhaseWorkerError        = "worker_error"
	PhaseWorkerUnavailable  = "worker_unavailable"
)

// Broadcaster publishes an outbound payload to every connected client.
type Broadcaster interface {
	Broadcast(payload any) bool
}

// Worker is the dispatch side of the synthesis subprocess.
type Worker interface {
	Send(v any) bool
	Stop()
}

// Entry is one accepted speech request. Immutable once created; a superseding
// request produces a new Entry with a new generation.
type Entry struct {
	Generation  int64
	SessionID   string
	UtteranceID string
	MessageID   string
	Revision    int64
	Text        string
	Priority    int
	Policy      string
	TTLMs       int64
	CreatedAt   int64
	DedupeKey   string
}

func (e *Entry) expiresAt() int64 {
	return e.CreatedAt + e.TTLMs
}

func (e *Entry) expired(atMs int64) bool {
	return atMs > e.expiresAt()
}

// Config tunes one Controller.
type Config struct {
	DefaultTTL time.Duration
	// AutoInterruptAfter promotes replace-policy requests to an interrupt once
	// the active entry has been holding the slot at least this long. Zero
	// disables the promotion.
	AutoInterruptAfter time.Duration
	Now                func() time.Time
}

// Controller sequences dispatch to the worker and reconciles its feedback.
// Every mutation of Active/Pending/Gate state funnels through one mutex, which
// is what makes "at most one Active, at most one Pending" enforceable.
type Controller struct {
	mu sync.Mutex

	cfg       Config
	gate      *gate.Gate
	worker    Worker
	broadcast Broadcaster
	metrics   *observability.Metrics

	stopped     bool
	workerReady bool
	generation  int64

	active              *Entry
	activeQueuedAt      int64
	activePlayStartedAt int64
	pending             *Entry
}

func New(cfg Config, g *gate.Gate, w Worker, b Broadcaster, metrics *observability.Metrics) *Controller {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 60 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if g == nil {
		g = gate.New(gate.Options{})
	}
	c := &Controller{
		cfg:       cfg,
		gate:      g,
		worker:    w,
		broadcast: b,
		metrics:   metrics,
	}

	// Health probe; the worker may still announce ready asynchronously.
	c.sendWorker(worker.PingCommand{ID: fmt.Sprintf("ping-%d", c.nowMs()), Op: "ping"})
	return c
}

// Run drains worker feedback until the stream closes. Call it in its own
// goroutine; it funnels every event through the controller mutex.
func (c *Controller) Run(events <-chan worker.Event) {
	for ev := range events {
		if ev.Exited {
			c.HandleWorkerExit(ev.Reason)
			continue
		}
		if ev.Msg != nil {
			c.HandleWorkerMessage(*ev.Msg)
		}
	}
}

// HandleSay arbitrates one inbound say payload and returns the say_result
// envelope to broadcast. It never returns an error: every outcome is a typed
// result mirrored as a tts_state broadcast.
func (c *Controller) HandleSay(say protocol.Say) protocol.SayResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	acceptedAt := c.cfg.Now()
	acceptedAtMs := acceptedAt.UnixMilli()

	messageID := strings.TrimSpace(say.MessageID)
	if messageID == "" {
		messageID = uuid.NewString()
	}
	createdAt := acceptedAtMs
	if say.TS != nil {
		createdAt = *say.TS
	}
	revision := createdAt
	if say.Revision != nil {
		revision = *say.Revision
	}
	sessionID := protocol.NormalizeSessionID(say.SessionID)

	result := protocol.SayResult{
		V:           protocol.Version,
		Type:        protocol.TypeSayResult,
		SessionID:   sessionID,
		UtteranceID: strings.TrimSpace(say.UtteranceID),
		MessageID:   messageID,
		Revision:    revision,
	}

	if c.stopped {
		result.Reason = ReasonControllerStopped
		return c.finishSay(result)
	}

	entry := c.normalizeEntry(say, c.generation+1, createdAt, messageID, revision, sessionID)
	if entry == nil {
		result.Reason = ReasonInvalidPayload
		return c.finishSay(result)
	}

	if entry.expired(acceptedAtMs) {
		c.emitDropped(entry, ReasonTTLExpired)
		result.Reason = ReasonTTLExpired
		return c.finishSay(result)
	}

	gateResult := c.gate.Check(gate.Request{
		SessionID: entry.SessionID,
		Priority:  entry.Priority,
		DedupeKey: entry.DedupeKey,
	}, acceptedAt)
	if !gateResult.Allow {
		if c.metrics != nil {
			c.metrics.AdmissionDenials.WithLabelValues(gateResult.Reason).Inc()
		}
		c.emitDropped(entry, gateResult.Reason)
		result.Reason = gateResult.Reason
		return c.finishSay(result)
	}

	// Commit: denied and expired requests never consume a generation slot.
	c.generation = entry.Generation

	forceInterrupt := entry.Policy == "interrupt" || entry.Priority >= 3
	autoInterrupt := c.shouldAutoInterrupt(entry, acceptedAtMs)

	if forceInterrupt || autoInterrupt {
		c.pending = nil
		reason := "superseded"
		dispatchReason := "interrupt"
		if autoInterrupt {
			reason = "auto_interrupt"
			dispatchReason = "auto_interrupt"
		}
		if c.active != nil {
			c.interruptActiveLocked(reason, entry.Generation)
		}
		return c.finishSay(c.dispatchSpeakLocked(entry, dispatchReason, result))
	}

	if c.active != nil {
		// Latest wins: a newer pending silently displaces the old one.
		c.pending = entry
		c.emitState(protocol.TTSState{
			SessionID:   entry.SessionID,
			UtteranceID: entry.UtteranceID,
			Phase:       PhaseQueued,
			Reason:      "pending_replace",
			Generation:  entry.Generation,
			MessageID:   entry.MessageID,
			Revision:    entry.Revision,
		})
		result.Accepted = true
		result.Spoken = true
		result.Queued = true
		result.Generation = entry.Generation
		return c.finishSay(result)
	}

	return c.finishSay(c.dispatchSpeakLocked(entry, "immediate", result))
}

// InterruptCurrent asks the worker to stop the active generation without
// touching the pending slot.
func (c *Controller) InterruptCurrent(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return
	}
	if strings.TrimSpace(reason) == "" {
		reason = "manual_interrupt"
	}
	c.interruptActiveLocked(reason, c.generation)
}

// Stop is idempotent: drops pending, force-clears active, terminates the
// worker. Further says are rejected with controller_stopped.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.pending = nil
	c.clearActiveLocked()
	w := c.worker
	c.mu.Unlock()

	if w != nil {
		w.Stop()
	}
}

// Snapshot reports controller state for the status endpoint.
type Snapshot struct {
	WorkerReady       bool   `json:"worker_ready"`
	Generation        int64  `json:"generation"`
	ActiveGeneration  *int64 `json:"active_generation"`
	PendingGeneration *int64 `json:"pending_generation"`
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := Snapshot{WorkerReady: c.workerReady, Generation: c.generation}
	if c.active != nil {
		gen := c.active.Generation
		snap.ActiveGeneration = &gen
	}
	if c.pending != nil {
		gen := c.pending.Generation
		snap.PendingGeneration = &gen
	}
	return snap
}

// HandleWorkerMessage reconciles one feedback message against the active
// generation. Stale generations are ignored outright.
func (c *Controller) HandleWorkerMessage(msg worker.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.metrics != nil && strings.TrimSpace(msg.Type) != "" {
		c.metrics.WorkerMessages.WithLabelValues(msg.Type).Inc()
	}

	switch msg.Type {
	case "ready":
		c.workerReady = true
		backend := msg.PlaybackBackend
		if strings.TrimSpace(backend) == "" {
			backend = "unknown"
		}
		voice := msg.Voice
		if strings.TrimSpace(voice) == "" {
			voice = "af_heart"
		}
		engine := msg.Engine
		if strings.TrimSpace(engine) == "" {
			engine = "kokoro"
		}
		c.emitState(protocol.TTSState{
			SessionID:       "-",
			Phase:           PhaseWorkerReady,
			Voice:           voice,
			Engine:          engine,
			PlaybackBackend: backend,
		})
		if backend == "silent" {
			log.Printf("tts worker ready (silent backend: no audio device)")
		} else {
			log.Printf("tts worker ready (backend=%s)", backend)
		}
		c.maybeStartPendingLocked()

	case "response":
		// Acknowledgements carry no state.

	case "error":
		message := msg.ErrorMessage
		if strings.TrimSpace(message) == "" {
			message = "unknown"
		}
		c.emitState(protocol.TTSState{
			SessionID: "-",
			Phase:     PhaseWorkerError,
			Reason:    message,
		})
		log.Printf("tts worker error: %s", message)

	case "mouth":
		if c.active == nil || msg.Generation == nil || *msg.Generation != c.active.Generation {
			return
		}
		c.emitMouth(c.active, msg.Open)

	case "event":
		c.handleWorkerEventLocked(msg)
	}
}

// HandleWorkerExit force-clears both slots; respawn is owned by an external
// process supervisor.
func (c *Controller) HandleWorkerExit(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.workerReady = false
	c.clearActiveLocked()
	c.pending = nil

	if strings.TrimSpace(reason) == "" {
		reason = "exit:unknown"
	}
	c.emitState(protocol.TTSState{
		SessionID: "-",
		Phase:     PhaseWorkerUnavailable,
		Reason:    reason,
	})
	log.Printf("tts worker exited (%s)", reason)
}

func (c *Controller) handleWorkerEventLocked(msg worker.Message) {
	phase := msg.Phase
	if strings.TrimSpace(phase) == "" {
		phase = "unknown"
	}

	// Feedback tagged with a generation other than the active one is provably
	// stale; it must not mutate state or be rebroadcast.
	if c.active != nil && msg.Generation != nil && *msg.Generation != c.active.Generation {
		return
	}

	state := protocol.TTSState{Phase: phase, Reason: msg.Reason}
	if msg.Generation != nil {
		state.Generation = *msg.Generation
	}
	if c.active != nil {
		state.SessionID = c.active.SessionID
		state.UtteranceID = c.active.UtteranceID
		state.MessageID = c.active.MessageID
		state.Revision = c.active.Revision
	} else {
		state.SessionID = msg.SessionID
		state.UtteranceID = msg.UtteranceID
		state.MessageID = msg.MessageID
	}
	if msg.Revision != nil {
		state.Revision = *msg.Revision
	}
	c.emitState(state)

	if phase == PhasePlayStart && c.active != nil {
		if msg.TS != nil {
			c.activePlayStartedAt = *msg.TS
		} else {
			c.activePlayStartedAt = c.nowMs()
		}
	}

	if phase == PhasePlayStop || phase == PhaseDropped || phase == PhaseError {
		c.clearActiveLocked()
		c.maybeStartPendingLocked()
	}
}

// normalizeEntry builds the immutable candidate Entry, or nil when the text
// is missing or empty.
func (c *Controller) normalizeEntry(say protocol.Say, generation, createdAt int64, messageID string, revision int64, sessionID string) *Entry {
	text := strings.TrimSpace(say.Text)
	if text == "" {
		return nil
	}

	ttlMs := c.cfg.DefaultTTL.Milliseconds()
	if say.TTLMs != nil && *say.TTLMs >= 1 {
		ttlMs = *say.TTLMs
	}
	utteranceID := strings.TrimSpace(say.UtteranceID)
	if utteranceID == "" {
		utteranceID = fmt.Sprintf("%s:%d", sessionID, generation)
	}

	return &Entry{
		Generation:  generation,
		SessionID:   sessionID,
		UtteranceID: utteranceID,
		MessageID:   messageID,
		Revision:    revision,
		Text:        normalizeSpeechText(text),
		Priority:    protocol.ClampPriority(say.Priority),
		Policy:      protocol.NormalizePolicy(say.Policy),
		TTLMs:       ttlMs,
		CreatedAt:   createdAt,
		DedupeKey:   strings.TrimSpace(say.DedupeKey),
	}
}

func (c *Controller) shouldAutoInterrupt(entry *Entry, acceptedAtMs int64) bool {
	if c.active == nil || c.cfg.AutoInterruptAfter <= 0 {
		return false
	}
	if entry.Policy != "replace" || entry.Priority >= 3 {
		return false
	}
	anchor := c.activePlayStartedAt
	if anchor == 0 {
		anchor = c.activeQueuedAt
	}
	if anchor == 0 {
		return false
	}
	return acceptedAtMs-anchor >= c.cfg.AutoInterruptAfter.Milliseconds()
}

// dispatchSpeakLocked sends a speak command and takes the active slot. The
// returned result is optimistic: actual playback is asynchronous.
func (c *Controller) dispatchSpeakLocked(entry *Entry, reason string, result protocol.SayResult) protocol.SayResult {
	if c.stopped {
		result.Reason = ReasonControllerStopped
		return result
	}
	if !c.workerReady {
		c.emitDropped(entry, ReasonWorkerUnavailable)
		result.Reason = ReasonWorkerUnavailable
		return result
	}
	if entry.expired(c.nowMs()) {
		c.emitDropped(entry, ReasonTTLExpired)
		result.Reason = ReasonTTLExpired
		return result
	}

	sent := c.sendWorker(worker.SpeakCommand{
		ID:          fmt.Sprintf("speak-%d-%d", entry.Generation, c.nowMs()),
		Op:          "speak",
		Generation:  entry.Generation,
		SessionID:   entry.SessionID,
		UtteranceID: entry.UtteranceID,
		Text:        entry.Text,
		Priority:    entry.Priority,
		Policy:      entry.Policy,
		TS:          entry.CreatedAt,
		TTLMs:       entry.TTLMs,
		ExpiresAt:   entry.expiresAt(),
		MessageID:   entry.MessageID,
		Revision:    entry.Revision,
	})
	if !sent {
		c.emitDropped(entry, ReasonWorkerSendFailed)
		result.Reason = ReasonWorkerSendFailed
		return result
	}

	c.active = entry
	c.activeQueuedAt = c.nowMs()
	c.activePlayStartedAt = 0
	c.emitState(protocol.TTSState{
		SessionID:   entry.SessionID,
		UtteranceID: entry.UtteranceID,
		Phase:       PhaseQueued,
		Reason:      reason,
		Generation:  entry.Generation,
		ExpiresAt:   entry.expiresAt(),
		MessageID:   entry.MessageID,
		Revision:    entry.Revision,
	})

	result.Accepted = true
	result.Spoken = true
	result.Generation = entry.Generation
	result.Reason = ""
	return result
}

func (c *Controller) maybeStartPendingLocked() {
	if c.active != nil || c.pending == nil {
		return
	}
	next := c.pending
	c.pending = nil
	c.dispatchSpeakLocked(next, "dequeued", protocol.SayResult{})
}

func (c *Controller) interruptActiveLocked(reason string, byGeneration int64) {
	if c.active == nil {
		return
	}
	c.sendWorker(worker.InterruptCommand{
		ID:         fmt.Sprintf("interrupt-%d-%d", c.active.Generation, c.nowMs()),
		Op:         "interrupt",
		Generation: c.active.Generation,
		Reason:     reason,
	})
	c.emitState(protocol.TTSState{
		SessionID:    c.active.SessionID,
		UtteranceID:  c.active.UtteranceID,
		Phase:        PhaseInterruptRequested,
		Reason:       reason,
		Generation:   c.active.Generation,
		ByGeneration: byGeneration,
		MessageID:    c.active.MessageID,
		Revision:     c.active.Revision,
	})
}

// clearActiveLocked zeroes the mouth before releasing the slot so renderers
// never hold a stale viseme.
func (c *Controller) clearActiveLocked() {
	if c.active == nil {
		return
	}
	c.emitMouth(c.active, 0)
	c.active = nil
	c.activeQueuedAt = 0
	c.activePlayStartedAt = 0
}

func (c *Controller) sendWorker(v any) bool {
	if c.worker == nil {
		return false
	}
	if !c.worker.Send(v) {
		log.Printf("tts worker send failed")
		c.workerReady = false
		return false
	}
	return true
}

func (c *Controller) emitDropped(entry *Entry, reason string) {
	c.emitState(protocol.TTSState{
		SessionID:   entry.SessionID,
		UtteranceID: entry.UtteranceID,
		Phase:       PhaseDropped,
		Reason:      reason,
		Generation:  entry.Generation,
		MessageID:   entry.MessageID,
		Revision:    entry.Revision,
	})
}

func (c *Controller) emitState(state protocol.TTSState) {
	state.V = protocol.Version
	state.Type = protocol.TypeTTSState
	state.SessionID = protocol.NormalizeSessionID(state.SessionID)
	state.TS = c.nowMs()
	if c.broadcast != nil {
		c.broadcast.Broadcast(state)
	}
}

func (c *Controller) emitMouth(entry *Entry, open float64) {
	if open < 0 || math.IsNaN(open) {
		open = 0
	}
	if open > 1 {
		open = 1
	}
	if c.broadcast == nil {
		return
	}
	c.broadcast.Broadcast(protocol.TTSMouth{
		V:           protocol.Version,
		Type:        protocol.TypeTTSMouth,
		SessionID:   entry.SessionID,
		UtteranceID: entry.UtteranceID,
		Generation:  entry.Generation,
		MessageID:   entry.MessageID,
		Revision:    entry.Revision,
		Open:        open,
		TS:          c.nowMs(),
	})
}

func (c *Controller) finishSay(result protocol.SayResult) protocol.SayResult {
	result.TS = c.nowMs()
	if c.metrics != nil {
		outcome := result.Reason
		switch {
		case result.Queued:
			outcome = "queued"
		case result.Accepted:
			outcome = "accepted"
		case outcome == "":
			outcome = "rejected"
		}
		c.metrics.SayRequests.WithLabelValues(outcome).Inc()
	}
	return result
}

func (c *Controller) nowMs() int64 {
	return c.cfg.Now().UnixMilli()
}
