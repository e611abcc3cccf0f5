package acp

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chatloop/internal/conversation"
	"chatloop/internal/engine"
	"chatloop/internal/metrics"
)

// ServerConfig configures a Server.
type ServerConfig struct {
	// Engine is the template for every session's Controller. Prompter,
	// Confirmer, Sink and ConversationID are filled in per session.
	Engine engine.Config
	// NewSink, if set, adds a sink per session, such as a transcript.
	NewSink func(conversationID string) engine.Sink
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// Server routes protocol requests to session actors.
type Server struct {
	cfg     ServerConfig
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewServer constructs a server.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{cfg: cfg, metrics: cfg.Metrics, logger: logger}
}

// ServeConn serves one client until it disconnects or ctx ends. Sessions
// opened on the connection end with it.
func (s *Server) ServeConn(ctx context.Context, t Transport) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	r := &router{server: s, ctx: ctx, sessions: make(map[string]*session)}
	r.conn = NewConn(t, r, s.logger)
	err := r.conn.Run(ctx)
	cancel()
	r.wg.Wait()
	return err
}

// router is the per-connection handler.
type router struct {
	server *Server
	conn   *Conn
	ctx    context.Context

	mu       sync.Mutex
	sessions map[string]*session
	wg       sync.WaitGroup
}

func (r *router) HandleRequest(ctx context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case methodInitialize:
		return initializeResult{
			ProtocolVersion:   ProtocolVersion,
			AgentCapabilities: agentCapabilities{LoadSession: false},
			AuthMethods:       []json.RawMessage{},
		}, nil
	case methodSessionNew:
		return r.newSession()
	case methodSessionPrompt:
		var p promptParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		sess, err := r.lookup(p.SessionID)
		if err != nil {
			return nil, err
		}
		var parts []string
		for _, block := range p.Prompt {
			if block.Type == "text" {
				parts = append(parts, block.Text)
			}
		}
		reason, err := sess.prompt(ctx, strings.Join(parts, "\n"))
		if err != nil {
			return nil, err
		}
		return promptResult{StopReason: reason}, nil
	case methodSessionSetModel:
		var p setModelParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		if strings.TrimSpace(p.ModelID) == "" {
			return nil, invalidParams("modelId is required")
		}
		sess, err := r.lookup(p.SessionID)
		if err != nil {
			return nil, err
		}
		sess.ctrl.SetModel(strings.TrimSpace(p.ModelID))
		return struct{}{}, nil
	case methodSessionCancel:
		r.HandleNotification(ctx, method, params)
		return nil, nil
	default:
		return nil, &RPCError{Code: CodeMethodNotFound, Message: "method not found: " + method}
	}
}

func (r *router) HandleNotification(_ context.Context, method string, params json.RawMessage) {
	if method != methodSessionCancel {
		r.server.logger.Debug("acp notification ignored", zap.String("method", method))
		return
	}
	var p sessionParams
	if err := decodeParams(params, &p); err != nil {
		return
	}
	if sess, err := r.lookup(p.SessionID); err == nil {
		sess.cancel()
	}
}

func (r *router) newSession() (any, error) {
	id := uuid.NewString()
	sess := newSession(id, r.conn, r.server.logger)

	cfg := r.server.cfg.Engine
	cfg.Prompter = sess
	cfg.Confirmer = sess
	cfg.ConversationID = conversation.NewConversationID()
	cfg.Sink = sess
	if r.server.cfg.NewSink != nil {
		if extra := r.server.cfg.NewSink(cfg.ConversationID); extra != nil {
			cfg.Sink = engine.MultiSink{sess, extra}
		}
	}
	ctrl := engine.New(cfg)
	sess.ctrl = ctrl

	r.mu.Lock()
	if r.ctx.Err() != nil {
		r.mu.Unlock()
		return nil, ErrConnClosed
	}
	r.sessions[id] = sess
	r.wg.Add(1)
	r.mu.Unlock()

	r.server.metrics.SessionOpened()
	sess.logger.Info("session opened", zap.String("conversation_id", ctrl.ConversationID()))
	go func() {
		defer r.wg.Done()
		defer r.server.metrics.SessionClosed()
		sess.run(r.ctx)
		r.mu.Lock()
		delete(r.sessions, id)
		r.mu.Unlock()
		sess.logger.Info("session closed")
	}()
	return newSessionResult{SessionID: id}, nil
}

func (r *router) lookup(id string) (*session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[id]
	if !ok {
		return nil, invalidParams("unknown session %q", id)
	}
	return sess, nil
}

func decodeParams(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return invalidParams("params are required")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return invalidParams("malformed params: %v", err)
	}
	return nil
}
