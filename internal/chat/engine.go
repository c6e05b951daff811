// Package chat keeps a session's view of a project's chat log in sync with
// the message store: it bootstraps an empty log with a greeting, shows sent
// messages before the store confirms them, and asks the assistant for replies.
package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"taskpilot/internal/models"
	"taskpilot/internal/readiness"
)

// ApologyReply is appended when the assistant produced nothing usable.
const ApologyReply = "Sorry, I wasn't able to come up with a reply just now. Please try asking again in a moment."

// DefaultMatchWindow bounds the clock distance between a local message and
// its stored copy.
const DefaultMatchWindow = 2 * time.Minute

var (
	// ErrEmptyMessage is returned for blank message content.
	ErrEmptyMessage = errors.New("message content must not be empty")
	// ErrEngineClosed is returned by operations on a closed engine.
	ErrEngineClosed = errors.New("chat engine closed")
	// ErrUnknownMessage is returned by Resend for an id that is not an unsent message.
	ErrUnknownMessage = errors.New("no unsent message with that id")
)

// State is the engine's bootstrap progress.
type State string

const (
	StateEmpty         State = "empty"
	StateBootstrapping State = "bootstrapping"
	StatePopulated     State = "populated"
)

// MessageLog appends to the authoritative message log.
type MessageLog interface {
	AppendMessage(ctx context.Context, projectID string, msg models.ChatMessage) (models.ChatMessage, error)
}

// Subscriber delivers ordered message log snapshots. A non-nil error means
// the log could not be read and the accompanying messages are empty.
type Subscriber interface {
	SubscribeMessages(ctx context.Context, projectID string, fn func([]models.ChatMessage, error)) func()
}

// Assistant answers user messages.
type Assistant interface {
	GenerateReply(ctx context.Context, userMessage string, history []models.ChatMessage, project models.Project) (string, error)
}

// Message is a displayed log entry. Entries the store has not confirmed carry
// a LocalID and are Pending while their append is in flight, or Unsent once it
// has failed.
type Message struct {
	models.ChatMessage
	LocalID string `json:"local_id,omitempty"`
	Pending bool   `json:"pending,omitempty"`
	Unsent  bool   `json:"unsent,omitempty"`
}

// Snapshot is what the engine shows at a point in time.
type Snapshot struct {
	State    State     `json:"state"`
	Messages []Message `json:"messages"`
}

// Option customizes Engine construction.
type Option func(*Engine)

// WithClock overrides the timestamp source for local messages.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithLogger injects a logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMatchWindow sets how far apart a local message and its stored copy may
// be timestamped.
func WithMatchWindow(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.window = d
		}
	}
}

type localMessage struct {
	localID  string
	msg      models.ChatMessage
	storedID string
	unsent   bool
}

// Engine syncs one project's chat log for one session.
type Engine struct {
	session   *Session
	log       MessageLog
	subs      Subscriber
	assistant Assistant
	now       func() time.Time
	logger    *slog.Logger
	window    time.Duration

	mu          sync.Mutex
	project     models.Project
	state       State
	confirmed   []models.ChatMessage
	seen        map[string]struct{}
	local       []*localMessage
	started     bool
	closed      bool
	unsubscribe func()
	populated   chan struct{}

	emitMu   sync.Mutex
	watchers map[int]func(Snapshot)
	nextID   int
}

// New creates an engine for project within session. Start begins syncing.
func New(session *Session, project models.Project, log MessageLog, subs Subscriber, assistant Assistant, opts ...Option) *Engine {
	e := &Engine{
		session:   session,
		log:       log,
		subs:      subs,
		assistant: assistant,
		now:       time.Now,
		logger:    slog.Default(),
		window:    DefaultMatchWindow,
		project:   project,
		state:     StateEmpty,
		confirmed: []models.ChatMessage{},
		seen:      map[string]struct{}{},
		populated: make(chan struct{}),
		watchers:  map[int]func(Snapshot){},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	e.logger = e.logger.With(slog.String("project", project.ID))
	return e
}

// Start subscribes to the project's message log. Calling it again is a no-op.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.started || e.closed {
		e.mu.Unlock()
		return
	}
	e.started = true
	e.mu.Unlock()

	unsubscribe := e.subs.SubscribeMessages(ctx, e.projectID(), e.applySnapshot)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		unsubscribe()
		return
	}
	e.unsubscribe = unsubscribe
	e.mu.Unlock()
}

// Wait blocks until the engine holds a non-empty log.
func (e *Engine) Wait(ctx context.Context) error {
	select {
	case <-e.populated:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the bootstrap state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Messages returns the displayed log: confirmed messages in store order
// followed by local ones the store has not confirmed.
func (e *Engine) Messages() []Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.messagesLocked()
}

// Current returns the state and displayed log together.
func (e *Engine) Current() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Snapshot{State: e.state, Messages: e.messagesLocked()}
}

// SetProject refreshes the project details used for greetings, replies and
// the generation gate.
func (e *Engine) SetProject(p models.Project) {
	e.mu.Lock()
	e.project = p
	e.mu.Unlock()
}

// CanGenerate reports whether a roadmap may be generated, counting user
// messages that are confirmed or still in flight.
func (e *Engine) CanGenerate() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return readiness.CanGenerate(e.project, e.historyLocked())
}

// SendUserMessage shows content at once and appends it to the store. A failed
// append leaves the message in place flagged as unsent.
func (e *Engine) SendUserMessage(ctx context.Context, content string) (Message, error) {
	return e.send(ctx, models.RoleUser, content)
}

// RequestReply asks the assistant to answer userMessage given the full
// ordered history and appends the reply under the assistant role.
func (e *Engine) RequestReply(ctx context.Context, userMessage string) (Message, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return Message{}, ErrEngineClosed
	}
	project := e.project
	history := e.historyLocked()
	e.mu.Unlock()

	userMessage = strings.TrimSpace(userMessage)
	if n := len(history); userMessage != "" && (n == 0 || history[n-1].Role != models.RoleUser || history[n-1].Content != userMessage) {
		history = append(history, models.ChatMessage{Role: models.RoleUser, Content: userMessage, CreatedAt: e.now().UTC()})
	}

	reply, err := e.assistant.GenerateReply(ctx, userMessage, history, project)
	if err != nil || strings.TrimSpace(reply) == "" {
		if err != nil {
			e.logger.Warn("assistant reply failed", slog.String("error", err.Error()))
		}
		reply = ApologyReply
	}
	return e.send(ctx, models.RoleAssistant, reply)
}

// Send appends a user message and, once it is stored, the assistant's reply.
func (e *Engine) Send(ctx context.Context, content string) (Message, Message, error) {
	sent, err := e.SendUserMessage(ctx, content)
	if err != nil {
		return sent, Message{}, err
	}
	reply, err := e.RequestReply(ctx, sent.Content)
	return sent, reply, err
}

// Resend retries the append of an unsent message.
func (e *Engine) Resend(ctx context.Context, localID string) (Message, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return Message{}, ErrEngineClosed
	}
	lm := e.findLocalLocked(localID)
	if lm == nil || !lm.unsent {
		e.mu.Unlock()
		return Message{}, ErrUnknownMessage
	}
	lm.unsent = false
	lm.msg.CreatedAt = e.now().UTC()
	e.mu.Unlock()
	e.publish()

	return e.commit(ctx, lm)
}

// Watch calls fn with the current snapshot and after every change. The
// returned func removes the watcher.
func (e *Engine) Watch(fn func(Snapshot)) func() {
	e.emitMu.Lock()
	id := e.nextID
	e.nextID++
	e.watchers[id] = fn
	fn(e.Current())
	e.emitMu.Unlock()

	return func() {
		e.emitMu.Lock()
		delete(e.watchers, id)
		e.emitMu.Unlock()
	}
}

// Close unsubscribes. Snapshots delivered afterwards, including the one
// produced by an in-flight bootstrap, are dropped.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	unsubscribe := e.unsubscribe
	e.unsubscribe = nil
	e.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}

func (e *Engine) send(ctx context.Context, role models.Role, content string) (Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return Message{}, ErrEmptyMessage
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return Message{}, ErrEngineClosed
	}
	lm := &localMessage{
		localID: uuid.NewString(),
		msg:     models.ChatMessage{Role: role, Content: content, CreatedAt: e.now().UTC()},
	}
	e.local = append(e.local, lm)
	e.mu.Unlock()
	e.publish()

	return e.commit(ctx, lm)
}

// commit appends a local message to the store and records the outcome.
func (e *Engine) commit(ctx context.Context, lm *localMessage) (Message, error) {
	stored, err := e.log.AppendMessage(ctx, e.projectID(), lm.msg)

	e.mu.Lock()
	if err != nil {
		lm.unsent = true
		out := Message{ChatMessage: lm.msg, LocalID: lm.localID, Unsent: true}
		e.mu.Unlock()
		e.logger.Warn("message append failed", slog.String("role", string(lm.msg.Role)), slog.String("error", err.Error()))
		e.publish()
		return out, err
	}
	lm.storedID = stored.ID
	if _, ok := e.seen[stored.ID]; ok {
		e.dropLocalLocked(lm)
	}
	e.mu.Unlock()
	e.publish()
	return Message{ChatMessage: stored}, nil
}

func (e *Engine) applySnapshot(delivered []models.ChatMessage, readErr error) {
	msgs := dedupeGreetings(delivered)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	if readErr != nil {
		// An unreadable log is shown empty but is not known to be empty, so
		// it is neither greeted nor used to settle local messages.
		e.confirmed = []models.ChatMessage{}
		e.mu.Unlock()
		e.logger.Warn("message log unavailable", slog.String("error", readErr.Error()))
		e.publish()
		return
	}

	bootstrap := false
	switch e.state {
	case StateEmpty:
		if len(msgs) > 0 {
			e.enterPopulatedLocked()
		} else if e.session.claim(e.project.ID) {
			e.state = StateBootstrapping
			bootstrap = true
		}
	case StateBootstrapping:
		if len(msgs) > 0 {
			e.enterPopulatedLocked()
		}
	}

	e.reconcileLocked(msgs)
	e.confirmed = msgs
	project := e.project
	e.mu.Unlock()
	e.publish()

	if bootstrap {
		e.bootstrap(project)
	}
}

// bootstrap appends the greeting. The session guard is already held, so no
// other engine in the session attempts the same write.
func (e *Engine) bootstrap(project models.Project) {
	greeting := models.ChatMessage{
		Role:      models.RoleAssistant,
		Content:   Greeting(project),
		Marker:    GreetingMarker,
		CreatedAt: e.now().UTC(),
	}
	if _, err := e.log.AppendMessage(context.Background(), project.ID, greeting); err != nil {
		e.logger.Error("greeting append failed", slog.String("error", err.Error()))
		e.session.release(project.ID)
		e.mu.Lock()
		if e.state == StateBootstrapping {
			e.state = StateEmpty
		}
		e.mu.Unlock()
		e.publish()
		return
	}
	e.logger.Info("chat bootstrapped")
}

// reconcileLocked drops local messages whose stored copy arrived in msgs. A
// message with a known stored id matches by id; otherwise it matches a newly
// seen message of the same role and content within the match window.
func (e *Engine) reconcileLocked(msgs []models.ChatMessage) {
	ids := make(map[string]struct{}, len(msgs))
	for _, m := range msgs {
		ids[m.ID] = struct{}{}
	}
	claimed := map[string]struct{}{}

	kept := e.local[:0]
	for _, lm := range e.local {
		if lm.unsent {
			kept = append(kept, lm)
			continue
		}
		if lm.storedID != "" {
			if _, ok := ids[lm.storedID]; ok {
				continue
			}
			kept = append(kept, lm)
			continue
		}
		if id, ok := e.matchLocked(lm, msgs, claimed); ok {
			claimed[id] = struct{}{}
			continue
		}
		kept = append(kept, lm)
	}
	for i := len(kept); i < len(e.local); i++ {
		e.local[i] = nil
	}
	e.local = kept
	e.seen = ids
}

func (e *Engine) matchLocked(lm *localMessage, msgs []models.ChatMessage, claimed map[string]struct{}) (string, bool) {
	for _, m := range msgs {
		if _, old := e.seen[m.ID]; old {
			continue
		}
		if _, taken := claimed[m.ID]; taken {
			continue
		}
		if m.Role != lm.msg.Role || m.Content != lm.msg.Content {
			continue
		}
		if d := m.CreatedAt.Sub(lm.msg.CreatedAt); d > e.window || d < -e.window {
			continue
		}
		return m.ID, true
	}
	return "", false
}

func (e *Engine) enterPopulatedLocked() {
	e.state = StatePopulated
	close(e.populated)
}

// historyLocked is the ordered log the assistant sees: confirmed messages and
// local ones still in flight.
func (e *Engine) historyLocked() []models.ChatMessage {
	history := make([]models.ChatMessage, 0, len(e.confirmed)+len(e.local))
	history = append(history, e.confirmed...)
	for _, lm := range e.local {
		if !lm.unsent {
			history = append(history, lm.msg)
		}
	}
	return history
}

func (e *Engine) messagesLocked() []Message {
	out := make([]Message, 0, len(e.confirmed)+len(e.local))
	for _, m := range e.confirmed {
		out = append(out, Message{ChatMessage: m})
	}
	for _, lm := range e.local {
		out = append(out, Message{ChatMessage: lm.msg, LocalID: lm.localID, Pending: !lm.unsent, Unsent: lm.unsent})
	}
	return out
}

func (e *Engine) findLocalLocked(localID string) *localMessage {
	for _, lm := range e.local {
		if lm.localID == localID {
			return lm
		}
	}
	return nil
}

func (e *Engine) dropLocalLocked(target *localMessage) {
	for i, lm := range e.local {
		if lm == target {
			e.local = append(e.local[:i], e.local[i+1:]...)
			return
		}
	}
}

func (e *Engine) projectID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.project.ID
}

func (e *Engine) publish() {
	e.emitMu.Lock()
	defer e.emitMu.Unlock()
	if len(e.watchers) == 0 {
		return
	}
	snap := e.Current()
	for _, fn := range e.watchers {
		fn(snap)
	}
}
