package session

import (
	"context"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/drakyn/agent/backend/internal/model/chat"
	"github.com/drakyn/agent/backend/internal/model/user"
	chatservice "github.com/drakyn/agent/backend/internal/service/chat"
)

// State is the position of a session in its lifecycle.
type State int32

const (
	StateAwaitingAuth State = iota
	StateReady
	StateStreaming
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitingAuth:
		return "AWAITING_AUTH"
	case StateReady:
		return "READY"
	case StateStreaming:
		return "STREAMING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Transport is one persistent client connection.
// Receive blocks until the next frame; Close must unblock it.
type Transport interface {
	Receive() ([]byte, error)
	Send(Event) error
	Close(code int, reason string) error
}

// Authenticator validates the bearer credential of the first frame.
type Authenticator interface {
	Validate(ctx context.Context, token string) (user.Identity, error)
}

// MessageStore is the part of the conversation store a session writes to.
type MessageStore interface {
	GetConversation(ctx context.Context, id string) (chat.Conversation, error)
	Append(ctx context.Context, conversationID string, role chat.Role, content string) (chat.Message, error)
	List(ctx context.Context, conversationID string) ([]chat.Message, error)
}

// CompletionProvider streams assistant text for an ordered history.
type CompletionProvider interface {
	Stream(ctx context.Context, history []chat.Message) (*schema.StreamReader[string], error)
}

// Deps are the collaborators shared by every session.
type Deps struct {
	Authenticator Authenticator
	Store         MessageStore
	Provider      CompletionProvider
	Registry      *Registry
}

// Config tunes a session.
type Config struct {
	// AuthTimeout bounds the wait for the token frame.
	AuthTimeout time.Duration
	// PersistTimeout bounds saving a partial reply after the client is gone.
	PersistTimeout time.Duration
}

const (
	defaultAuthTimeout    = 10 * time.Second
	defaultPersistTimeout = 5 * time.Second
)

// Session binds one client connection to one conversation.
type Session struct {
	id             string
	conversationID string
	transport      Transport
	deps           Deps
	cfg            Config
	log            zerolog.Logger

	state    atomic.Int32
	identity user.Identity

	mu       sync.Mutex
	cancel   context.CancelFunc
	cause    error
	stopOnce sync.Once
	done     chan struct{}

	ignored atomic.Int64
}

// New creates a session in AWAITING_AUTH. Call Run to drive it.
func New(conversationID string, transport Transport, deps Deps, cfg Config) *Session {
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = defaultAuthTimeout
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = defaultPersistTimeout
	}

	id := uuid.NewString()
	return &Session{
		id:             id,
		conversationID: conversationID,
		transport:      transport,
		deps:           deps,
		cfg:            cfg,
		done:           make(chan struct{}),
		log: log.With().
			Str("component", "session").
			Str("session_id", id).
			Str("conv_id", conversationID).
			Logger(),
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) ConversationID() string { return s.conversationID }

func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(state State) { s.state.Store(int32(state)) }

// Done is closed once Run has torn the session down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the cause the session was stopped with.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cause
}

// Run drives the session until the connection closes. It returns nil when the
// client went away, otherwise the reason the server closed the connection.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	frames := make(chan []byte)
	readErr := make(chan error, 1)
	go s.readLoop(ctx, frames, readErr)

	err := s.serve(ctx, frames, readErr)
	s.teardown(err)

	cause := s.Err()
	if cause == nil || errors.Is(cause, errClientGone) {
		return nil
	}
	return cause
}

func (s *Session) readLoop(ctx context.Context, frames chan<- []byte, readErr chan<- error) {
	for {
		data, err := s.transport.Receive()
		if err != nil {
			readErr <- err
			return
		}
		select {
		case frames <- data:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) serve(ctx context.Context, frames <-chan []byte, readErr <-chan error) error {
	if err := s.authenticate(ctx, frames, readErr); err != nil {
		return err
	}
	if err := s.deps.Registry.Register(s.conversationID, s); err != nil {
		return err
	}
	s.log.Info().Str("email", s.identity.Email).Msg("session ready")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return errors.Wrap(errClientGone, err.Error())
		case data := <-frames:
			text, err := s.nextMessage(data)
			if err != nil {
				return err
			}
			if text == "" {
				s.log.Debug().Msg("ignoring empty message")
				continue
			}
			if err := s.runTurn(ctx, text, frames, readErr); err != nil {
				return err
			}
		}
	}
}

func (s *Session) authenticate(ctx context.Context, frames <-chan []byte, readErr <-chan error) error {
	timer := time.NewTimer(s.cfg.AuthTimeout)
	defer timer.Stop()

	var data []byte
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-readErr:
		return errors.Wrap(errClientGone, err.Error())
	case <-timer.C:
		return errors.Wrap(ErrProtocolViolation, "no token before timeout")
	case data = <-frames:
	}

	frame, err := decodeFrame(data)
	if err != nil {
		return err
	}
	if frame.Token == nil {
		return errors.Wrap(ErrProtocolViolation, "first frame must carry a token")
	}

	identity, err := s.deps.Authenticator.Validate(ctx, *frame.Token)
	if err != nil {
		return errors.Wrap(ErrAuthRejected, err.Error())
	}

	conv, err := s.deps.Store.GetConversation(ctx, s.conversationID)
	if errors.Is(err, chatservice.ErrNotFound) {
		return errors.Wrap(ErrAuthRejected, "conversation not found")
	}
	if err != nil {
		return errors.Wrap(err, "load conversation")
	}
	if !strings.EqualFold(conv.Owner, identity.Email) {
		return errors.Wrap(ErrAuthRejected, "conversation belongs to another user")
	}

	s.identity = identity
	return nil
}

// nextMessage decodes a frame received after authentication and returns its
// trimmed text.
func (s *Session) nextMessage(data []byte) (string, error) {
	frame, err := decodeFrame(data)
	if err != nil {
		return "", err
	}
	if frame.Message == nil {
		return "", errors.Wrap(ErrProtocolViolation, "token already accepted")
	}
	return strings.TrimSpace(*frame.Message), nil
}

// runTurn handles one user message. A non-nil return closes the session.
func (s *Session) runTurn(ctx context.Context, text string, frames <-chan []byte, readErr <-chan error) error {
	if err := s.deps.Registry.beginTurn(s); err != nil {
		return err
	}
	defer s.deps.Registry.endTurn(s)

	if _, err := s.deps.Store.Append(ctx, s.conversationID, chat.RoleUser, text); err != nil {
		s.log.Error().Err(err).Msg("append user message failed")
		return s.send(ErrorEvent("message could not be saved"))
	}

	var reply strings.Builder
	fatal := s.streamReply(ctx, text, &reply, frames, readErr)
	s.persistReply(ctx, reply.String(), fatal != nil)
	if fatal != nil {
		return fatal
	}
	return s.send(EndEvent())
}

type fragment struct {
	text string
	err  error
}

// streamReply forwards provider fragments to the client and accumulates them.
// Provider failures end the reply early and return nil; only a lost client,
// a protocol violation or cancellation is returned.
func (s *Session) streamReply(ctx context.Context, text string, reply *strings.Builder, frames <-chan []byte, readErr <-chan error) error {
	if err := s.send(UserMessageEvent(text)); err != nil {
		return err
	}
	if err := s.send(StartEvent()); err != nil {
		return err
	}

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	history, err := s.deps.Store.List(streamCtx, s.conversationID)
	if err != nil {
		s.log.Error().Err(err).Msg("load history failed")
		return nil
	}
	stream, err := s.deps.Provider.Stream(streamCtx, history)
	if err != nil {
		s.log.Error().Err(err).Msg("open completion stream failed")
		return nil
	}

	fragments := make(chan fragment)
	go pump(streamCtx, stream, fragments)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return errors.Wrap(errClientGone, err.Error())
		case data := <-frames:
			if _, err := s.nextMessage(data); err != nil {
				return err
			}
			s.ignored.Add(1)
			s.log.Debug().Msg("ignoring message while streaming")
		case frag, ok := <-fragments:
			if !ok {
				return nil
			}
			if frag.err != nil {
				s.log.Warn().Err(frag.err).Int("partial_len", reply.Len()).Msg("completion failed mid-stream")
				return nil
			}
			reply.WriteString(frag.text)
			if err := s.send(ChunkEvent(frag.text)); err != nil {
				return err
			}
		}
	}
}

// pump moves fragments from the provider stream onto out, closing out on EOF.
func pump(ctx context.Context, stream *schema.StreamReader[string], out chan<- fragment) {
	defer close(out)
	defer stream.Close()

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return
		}
		select {
		case out <- fragment{text: chunk, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// persistReply appends the assistant message. When the client is gone the
// write runs detached from ctx, bounded by PersistTimeout.
func (s *Session) persistReply(ctx context.Context, content string, detached bool) {
	if detached {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), s.cfg.PersistTimeout)
		defer cancel()
	}

	if _, err := s.deps.Store.Append(ctx, s.conversationID, chat.RoleAssistant, content); err != nil {
		s.log.Error().Err(err).Int("len", len(content)).Bool("detached", detached).Msg("persist assistant message failed")
	}
}

func (s *Session) send(event Event) error {
	if err := s.transport.Send(event); err != nil {
		return errors.Wrap(errClientGone, err.Error())
	}
	return nil
}

// stop records cause, cancels the running session and closes its transport.
// Only the first call has any effect.
func (s *Session) stop(cause error) {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.cause = cause
		cancel := s.cancel
		s.mu.Unlock()

		if cancel != nil {
			cancel()
		}

		code, reason := closeStatus(cause)
		if err := s.transport.Close(code, reason); err != nil {
			s.log.Debug().Err(err).Msg("close transport")
		}
	})
}

func (s *Session) teardown(err error) {
	s.stop(err)
	s.deps.Registry.Unregister(s.conversationID, s)
	s.setState(StateClosed)
	close(s.done)

	cause := s.Err()
	if cause != nil && !errors.Is(cause, errClientGone) {
		s.log.Warn().Err(cause).Int64("ignored", s.ignored.Load()).Msg("session closed")
		return
	}
	s.log.Info().Int64("ignored", s.ignored.Load()).Msg("session closed")
}

func closeStatus(cause error) (int, string) {
	switch {
	case cause == nil, errors.Is(cause, errClientGone):
		return websocket.CloseNormalClosure, ""
	case errors.Is(cause, ErrAuthRejected):
		return websocket.ClosePolicyViolation, "authentication failed"
	case errors.Is(cause, ErrProtocolViolation):
		return websocket.ClosePolicyViolation, "protocol violation"
	case errors.Is(cause, ErrAlreadyStreaming):
		return websocket.CloseTryAgainLater, "conversation is streaming"
	case errors.Is(cause, ErrSuperseded):
		return websocket.CloseNormalClosure, "superseded"
	case errors.Is(cause, ErrEvicted):
		return websocket.CloseNormalClosure, "conversation deleted"
	case errors.Is(cause, ErrShuttingDown), errors.Is(cause, context.Canceled):
		return websocket.CloseGoingAway, "server shutting down"
	default:
		return websocket.CloseInternalServerErr, "internal error"
	}
}
