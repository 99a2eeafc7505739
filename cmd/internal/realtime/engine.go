package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"trendnet/cmd/identity"
	"trendnet/cmd/internal/audit"
	"trendnet/cmd/internal/observability"
	v1 "trendnet/shared/contracts/realtime/v1"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Persona is an automated participant with its conversation openers.
type Persona struct {
	Participant identity.Participant
	Intro       []string
}

// PersonaDirectory looks up automated personas by participant id.
type PersonaDirectory interface {
	Persona(id string) (Persona, bool)
}

// EngineConfig wires an Engine. Store is required.
type EngineConfig struct {
	Log           *slog.Logger
	Store         Store
	Resolver      Resolver
	Personas      PersonaDirectory
	Audit         audit.Sink
	SendQueueSize int
}

// Engine is the server half of the realtime protocol: it binds sessions to
// the registry, validates client events, persists messages, and routes every
// outcome through the fan-out.
//
// Handle is safe to call concurrently for different sessions; events from a
// single session must be handled in arrival order by one goroutine.
type Engine struct {
	log       *slog.Logger
	store     Store
	resolver  Resolver
	personas  PersonaDirectory
	audit     audit.Sink
	queueSize int

	sessions  *Registry
	fanout    *Fanout
	mutations *Mutations
	history   *History
	tracer    trace.Tracer
	now       func() time.Time

	// seedMu serializes dm.seed so two devices cannot seed the same pair twice.
	seedMu sync.Mutex
}

// NewEngine constructs an Engine from cfg.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errors.New("realtime: nil store")
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	sink := cfg.Audit
	if sink == nil {
		sink = audit.Nop{}
	}

	sessions := NewRegistry()
	fan := NewFanout(log, sessions)

	return &Engine{
		log:       log,
		store:     cfg.Store,
		resolver:  cfg.Resolver,
		personas:  cfg.Personas,
		audit:     sink,
		queueSize: cfg.SendQueueSize,
		sessions:  sessions,
		fanout:    fan,
		mutations: NewMutations(log, cfg.Store, fan),
		history:   NewHistory(cfg.Store, cfg.Resolver),
		tracer:    otel.Tracer("trendnet/realtime"),
		now:       time.Now,
	}, nil
}

// Sessions exposes the session registry.
func (e *Engine) Sessions() *Registry { return e.sessions }

// History exposes the history service.
func (e *Engine) History() *History { return e.history }

// Presence returns the current online list.
func (e *Engine) Presence() []identity.Participant { return e.sessions.Presence() }

// Connect registers a live session for p. The first queued frame is
// session.ready; history.initial follows the presence broadcast.
func (e *Engine) Connect(ctx context.Context, p identity.Participant) (*Session, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	now := e.now().UTC()
	s := NewSession(NewSessionID(now), p, e.queueSize)

	e.reply(s, v1.TypeSessionReady, "", v1.SessionReadyPayload{
		SessionID:   s.ID,
		Participant: wireParticipant(p),
	})

	cameOnline := e.sessions.Add(s)
	e.log.Info("session.connect", "session_id", s.ID, "participant_id", p.ID, "automated", p.Automated, "came_online", cameOnline)

	e.broadcastPresence()

	recent, err := e.history.Recent(ctx, p.ID, initialHistoryLimit)
	if err != nil {
		e.log.Warn("session.initial_history.fail", "session_id", s.ID, "err", err)
		recent = nil
	}
	e.reply(s, v1.TypeHistoryInitial, "", v1.MessageListPayload{Messages: WireList(recent)})

	e.recordCounts()
	e.audit.Emit(audit.Event{EventType: audit.EventSessionConnected, ParticipantID: p.ID, SessionID: s.ID})
	return s, nil
}

// Disconnect unregisters s, notifies the rooms it had joined, and refreshes
// presence when its participant went offline.
func (e *Engine) Disconnect(s *Session) {
	if s == nil {
		return
	}

	// Removal precedes Close so fan-out never targets a closing session.
	rooms, wentOffline := e.sessions.Remove(s)
	s.Close()

	for _, room := range rooms {
		env, err := v1.NewEnvelope(v1.TypeRoomLeft, NewEnvelopeID(), "", e.now().UTC(), v1.RoomNoticePayload{
			Room:          room,
			ParticipantID: s.Participant.ID,
			DisplayName:   s.Participant.DisplayName,
		})
		if err != nil {
			continue
		}
		e.fanout.Deliver(Audience{Room: room}, env)
	}

	if wentOffline {
		e.broadcastPresence()
	}

	e.log.Info("session.disconnect", "session_id", s.ID, "participant_id", s.Participant.ID, "rooms", len(rooms), "went_offline", wentOffline)
	e.recordCounts()
	e.audit.Emit(audit.Event{EventType: audit.EventSessionDisconnected, ParticipantID: s.Participant.ID, SessionID: s.ID})
}

// Handle dispatches one client envelope. Panics are contained to the event.
func (e *Engine) Handle(ctx context.Context, s *Session, env v1.Envelope) {
	start := time.Now()
	result := "ok"

	ctx, span := e.tracer.Start(ctx, "ws.event", trace.WithAttributes(
		attribute.String("event.type", env.Type),
		attribute.String("session.id", s.ID),
	))

	defer func() {
		if r := recover(); r != nil {
			result = "panic"
			span.SetStatus(codes.Error, "panic")
			e.log.Error("event.panic", "type", env.Type, "session_id", s.ID, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			e.replyError(s, env.ID, v1.CodeInternal, "internal error")
		}
		span.End()
		observability.ObserveWSEvent(env.Type, result, time.Since(start))
	}()

	payload, err := v1.Decode(env)
	if err != nil {
		result = "invalid"
		e.rejectPayload(s, env, err)
		return
	}

	switch p := payload.(type) {
	case v1.RoomJoinPayload:
		e.onJoin(s, env.ID, p)
	case v1.MessageSendPayload:
		e.onSend(ctx, s, env, p.ClientMsgID, Draft{
			ClientMsgID: p.ClientMsgID,
			Sender:      s.Participant,
			Text:        p.Text,
			Room:        p.Room,
			TargetID:    p.TargetID,
		})
	case v1.FileSendPayload:
		e.onSend(ctx, s, env, p.ClientMsgID, Draft{
			ClientMsgID: p.ClientMsgID,
			Sender:      s.Participant,
			Text:        p.Text,
			File:        &File{Name: p.FileName, Type: p.FileType, DataURL: p.DataURL, URL: p.URL},
			Room:        p.Room,
			TargetID:    p.TargetID,
		})
	case v1.TypingPayload:
		e.onTyping(s, p)
	case v1.MessageReadPayload:
		err = e.mutations.MarkRead(ctx, p.MessageID, s.Participant.ID)
	case v1.MessageReactPayload:
		err = e.mutations.React(ctx, p.MessageID, p.Emoji, s.Participant.ID, p.Adding())
	case v1.HistoryFetchPayload:
		err = e.onHistory(ctx, s, env, p)
	case v1.MessageSearchPayload:
		err = e.onSearch(ctx, s, env, p)
	case v1.DMSeedPayload:
		err = e.onDMSeed(ctx, s, env, p)
	default:
		result = "invalid"
		e.replyError(s, env.ID, v1.CodeUnsupported, "unsupported type: "+env.Type)
		return
	}

	if err != nil {
		result = "error"
		span.RecordError(err)
		e.log.Warn("event.fail", "type", env.Type, "session_id", s.ID, "err", err)
	}
}

// rejectPayload answers a payload that failed boundary validation. Sends get
// a negative ack so the client can mark the message failed.
func (e *Engine) rejectPayload(s *Session, env v1.Envelope, err error) {
	code, msg := v1.CodeBadPayload, err.Error()
	var pe *v1.PayloadError
	if errors.As(err, &pe) {
		code, msg = pe.Code, pe.Message
	}

	switch env.Type {
	case v1.TypeMessageSend, v1.TypeFileSend:
		e.reply(s, v1.TypeMessageAck, env.ID, v1.MessageAckPayload{
			OK:          false,
			ClientMsgID: peekClientMsgID(env),
			Error:       code,
		})
	case v1.TypeHistoryFetch:
		e.reply(s, v1.TypeHistoryChunk, env.ID, v1.HistoryChunkPayload{OK: false, Messages: []v1.Message{}, Error: code})
	case v1.TypeMessageSearch:
		e.reply(s, v1.TypeSearchResult, env.ID, v1.SearchResultPayload{OK: false, Messages: []v1.Message{}, Error: code})
	case v1.TypeDMSeed:
		e.reply(s, v1.TypeDMSeedResult, env.ID, v1.DMSeedResultPayload{OK: false, Error: code})
	default:
		e.replyError(s, env.ID, code, msg)
	}
}

// ---- handlers ----

func (e *Engine) onJoin(s *Session, ref string, p v1.RoomJoinPayload) {
	first := e.sessions.JoinRoom(s, p.Room)
	notice := v1.RoomNoticePayload{
		Room:          p.Room,
		ParticipantID: s.Participant.ID,
		DisplayName:   s.Participant.DisplayName,
	}

	// The joiner always gets a confirmation; other members hear only the first join.
	e.reply(s, v1.TypeRoomJoined, ref, notice)
	if !first {
		return
	}
	env, err := v1.NewEnvelope(v1.TypeRoomJoined, NewEnvelopeID(), "", e.now().UTC(), notice)
	if err != nil {
		return
	}
	e.fanout.Deliver(SignalAudience(s, RoomScope(p.Room)), env)
	e.log.Debug("room.join", "session_id", s.ID, "room", p.Room)
}

func (e *Engine) onSend(ctx context.Context, s *Session, env v1.Envelope, clientMsgID string, d Draft) {
	res, err := e.persist(ctx, d)
	if err != nil {
		e.log.Warn("message.persist.fail", "session_id", s.ID, "err", err)
		code := v1.CodeInternal
		if errors.Is(err, ErrClosed) {
			code = v1.CodeUnavailable
		}
		e.reply(s, v1.TypeMessageAck, env.ID, v1.MessageAckPayload{OK: false, ClientMsgID: clientMsgID, Error: code})
		return
	}

	wire := res.Message.Wire()
	e.reply(s, v1.TypeMessageAck, env.ID, v1.MessageAckPayload{OK: true, ClientMsgID: clientMsgID, Message: &wire})

	if res.Duplicated {
		return
	}
	e.deliverMessage(res.Message)
}

func (e *Engine) onTyping(s *Session, p v1.TypingPayload) {
	env, err := v1.NewEnvelope(v1.TypeTypingUpdate, NewEnvelopeID(), "", e.now().UTC(), v1.TypingUpdatePayload{
		ParticipantID: s.Participant.ID,
		DisplayName:   s.Participant.DisplayName,
		IsTyping:      p.IsTyping,
		Room:          p.Room,
		TargetID:      p.TargetID,
	})
	if err != nil {
		return
	}
	e.fanout.Deliver(SignalAudience(s, Scope{Room: p.Room, TargetID: p.TargetID}), env)
}

func (e *Engine) onHistory(ctx context.Context, s *Session, env v1.Envelope, p v1.HistoryFetchPayload) error {
	page, err := e.history.LoadOlder(ctx, s.Participant.ID, Scope{Room: p.Room, TargetID: p.TargetID}, p.Before, p.Limit)
	if err != nil {
		e.reply(s, v1.TypeHistoryChunk, env.ID, v1.HistoryChunkPayload{OK: false, Messages: []v1.Message{}, Error: v1.CodeInternal})
		return err
	}
	e.reply(s, v1.TypeHistoryChunk, env.ID, v1.HistoryChunkPayload{
		OK:       true,
		Messages: WireList(page.Messages),
		HasMore:  page.HasMore,
	})
	return nil
}

func (e *Engine) onSearch(ctx context.Context, s *Session, env v1.Envelope, p v1.MessageSearchPayload) error {
	msgs, err := e.history.Search(ctx, s.Participant.ID, Scope{Room: p.Room, TargetID: p.TargetID}, p.Query, p.Limit)
	if err != nil {
		e.reply(s, v1.TypeSearchResult, env.ID, v1.SearchResultPayload{OK: false, Messages: []v1.Message{}, Error: v1.CodeInternal})
		return err
	}
	e.reply(s, v1.TypeSearchResult, env.ID, v1.SearchResultPayload{OK: true, Messages: WireList(msgs)})
	return nil
}

func (e *Engine) onDMSeed(ctx context.Context, s *Session, env v1.Envelope, p v1.DMSeedPayload) error {
	var (
		persona Persona
		ok      bool
	)
	if e.personas != nil {
		persona, ok = e.personas.Persona(p.TargetID)
	}
	if !ok || !persona.Participant.Automated {
		e.reply(s, v1.TypeDMSeedResult, env.ID, v1.DMSeedResultPayload{OK: false, Error: v1.CodeNotABot})
		return nil
	}

	seeded, err := e.SeedDM(ctx, persona, s.Participant.ID)
	if err != nil {
		e.reply(s, v1.TypeDMSeedResult, env.ID, v1.DMSeedResultPayload{OK: false, Error: v1.CodeSeedFailed})
		return err
	}
	e.reply(s, v1.TypeDMSeedResult, env.ID, v1.DMSeedResultPayload{OK: true, Seeded: seeded, AlreadySeeded: !seeded})
	return nil
}

// SeedDM opens a direct conversation from persona to participant with the
// persona's intro lines, unless the pair already exchanged messages.
func (e *Engine) SeedDM(ctx context.Context, persona Persona, participantID string) (bool, error) {
	e.seedMu.Lock()
	defer e.seedMu.Unlock()

	match := e.resolver.Matcher(participantID, DMScope(persona.Participant.ID))
	existing, err := e.store.Filter(ctx, match)
	if err != nil {
		return false, err
	}
	if len(existing) > 0 {
		return false, nil
	}

	for _, line := range persona.Intro {
		if _, err := e.Post(ctx, Draft{Sender: persona.Participant, Text: line, TargetID: participantID}); err != nil {
			return false, err
		}
	}
	return true, nil
}

// Post persists d and delivers it. Automated producers and seeding use it.
func (e *Engine) Post(ctx context.Context, d Draft) (AppendResult, error) {
	res, err := e.persist(ctx, d)
	if err != nil {
		return AppendResult{}, err
	}
	if !res.Duplicated {
		e.deliverMessage(res.Message)
	}
	return res, nil
}

// ---- internals ----

func (e *Engine) persist(ctx context.Context, d Draft) (AppendResult, error) {
	res, err := e.store.Append(ctx, d)
	if err != nil {
		return AppendResult{}, err
	}
	if res.Duplicated {
		e.log.Info("message.persist.duplicate", "message_id", res.Message.ID, "sender_id", d.Sender.ID, "client_msg_id", d.ClientMsgID)
		return res, nil
	}

	m := res.Message
	scope := m.Scope().Label()
	observability.IncMessagePersisted(scope)
	e.log.Debug("message.persist", "message_id", m.ID, "sender_id", m.SenderID, "scope", scope)
	e.audit.Emit(audit.Event{
		EventType:     audit.EventMessagePersisted,
		ParticipantID: m.SenderID,
		Attrs:         map[string]string{"message_id": m.ID, "scope": scope, "room": m.Room, "target_id": m.TargetID},
	})
	return res, nil
}

func (e *Engine) deliverMessage(m Message) {
	env, err := v1.NewEnvelope(v1.TypeMessageNew, NewEnvelopeID(), "", e.now().UTC(), v1.MessageNewPayload{Message: m.Wire()})
	if err != nil {
		e.log.Error("message.encode.fail", "message_id", m.ID, "err", err)
		return
	}
	e.fanout.Deliver(MessageAudience(m), env)
}

func (e *Engine) broadcastPresence() {
	online := e.sessions.Presence()
	list := make([]v1.Participant, 0, len(online))
	for _, p := range online {
		list = append(list, wireParticipant(p))
	}

	env, err := v1.NewEnvelope(v1.TypePresenceUpdate, NewEnvelopeID(), "", e.now().UTC(), v1.PresenceUpdatePayload{Participants: list})
	if err != nil {
		return
	}
	e.fanout.Deliver(Audience{}, env)
}

func (e *Engine) recordCounts() {
	observability.SetSessions(e.sessions.Counts())
}

func (e *Engine) reply(s *Session, typ, ref string, payload any) {
	env, err := v1.NewEnvelope(typ, NewEnvelopeID(), ref, e.now().UTC(), payload)
	if err != nil {
		e.log.Error("reply.encode.fail", "type", typ, "err", err)
		return
	}
	e.fanout.DeliverTo(s, env)
}

func (e *Engine) replyError(s *Session, ref, code, msg string) {
	e.reply(s, v1.TypeError, ref, v1.ErrorPayload{Code: code, Message: msg})
}

func wireParticipant(p identity.Participant) v1.Participant {
	return v1.Participant{ID: p.ID, DisplayName: p.DisplayName, Automated: p.Automated}
}

// peekClientMsgID recovers the correlation id from a payload that failed validation.
func peekClientMsgID(env v1.Envelope) string {
	var probe struct {
		ClientMsgID string `json:"client_msg_id"`
	}
	_ = json.Unmarshal(env.Payload, &probe)
	return probe.ClientMsgID
}
