package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Prismer-AI/threadsync"
	"github.com/Prismer-AI/threadsync/natspush"
)

// session is everything a command needs to talk to the backend.
type session struct {
	cfg    *Config
	auth   *threadsync.TokenAuth
	engine *threadsync.Engine
	logger *zap.Logger
}

func (s *session) Close() {
	s.engine.Close()
	s.logger.Sync()
}

// newLogger builds a zap logger for level. debug gets the development
// encoder; anything else the production JSON encoder on stderr.
func newLogger(level string) (*zap.Logger, error) {
	if level == "" {
		level = "warn"
	}
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid log level %q", level)
	}
	var zcfg zap.Config
	if lvl == zapcore.DebugLevel {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
		zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}

// transportFactory maps the [realtime] section to a transport.
func transportFactory(rc ConfigRealtime) (threadsync.TransportFactory, error) {
	switch rc.Transport {
	case "", "websocket":
		return threadsync.WebSocketTransport, nil
	case "sse":
		return threadsync.EventStreamTransport, nil
	case "nats":
		if rc.NATSURL == "" {
			return nil, errors.New("realtime.transport is nats but realtime.nats_url is not set")
		}
		return natspush.Factory(rc.NATSURL, rc.NATSPrefix), nil
	default:
		return nil, errors.Errorf("unknown realtime transport %q", rc.Transport)
	}
}

func clientOptions(cfg *Config, logger *zap.Logger) []threadsync.ClientOption {
	opts := []threadsync.ClientOption{threadsync.WithClientLogger(logger)}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, threadsync.WithBaseURL(cfg.Default.BaseURL))
	} else if cfg.Default.Environment != "" && cfg.Default.Environment != string(threadsync.Production) {
		opts = append(opts, threadsync.WithEnvironment(threadsync.Environment(cfg.Default.Environment)))
	}
	return opts
}

// openSession loads config and builds an engine for the stored session.
func openSession(extra ...threadsync.EngineOption) (*session, error) {
	cfg, err := loadEffectiveConfig()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}
	if cfg.Auth.Token == "" {
		return nil, errors.New("no session token. Run 'threadsync init <token>' first")
	}
	level := logLevel
	if level == "" {
		level = cfg.Default.LogLevel
	}
	logger, err := newLogger(level)
	if err != nil {
		return nil, err
	}
	factory, err := transportFactory(cfg.Realtime)
	if err != nil {
		return nil, err
	}

	auth := threadsync.NewTokenAuth(cfg.Auth.Token)
	if auth.CurrentUserID() == "" && cfg.Auth.UserID != "" {
		auth.SetUserID(cfg.Auth.UserID)
	}
	client := threadsync.NewClient(cfg.Auth.Token, clientOptions(cfg, logger)...)
	opts := append([]threadsync.EngineOption{
		threadsync.WithLogger(logger),
		threadsync.WithTransportFactory(factory),
	}, extra...)

	return &session{
		cfg:    cfg,
		auth:   auth,
		engine: threadsync.NewEngine(client, auth, opts...),
		logger: logger,
	}, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// shortTime renders an RFC 3339 timestamp compactly and passes anything else through.
func shortTime(ts string) string {
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return ts
	}
	return t.Local().Format("2006-01-02 15:04")
}

// maskKey shows the first 8 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:8] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
