// Command worlds runs the multi-agent world runtime behind a small HTTP
// surface: world/agent/chat management, message publishing, and a
// Server-Sent Events stream per world.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	worlds "github.com/nivara/worlds"
	"github.com/nivara/worlds/internal/config"
	"github.com/nivara/worlds/observer"
	"github.com/nivara/worlds/provider/resolve"
	"github.com/nivara/worlds/store/file"
	"github.com/nivara/worlds/store/memory"
	"github.com/nivara/worlds/store/postgres"
	"github.com/nivara/worlds/store/sqlite"
	"github.com/nivara/worlds/tools/builtin"
)

func main() {
	// 1. Load config
	cfg := config.Load(os.Getenv("AGENT_WORLD_CONFIG"))
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. Select storage backend
	storage, closeStorage, err := openStorage(ctx, cfg)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}
	defer closeStorage()

	// 3. Tracing (optional)
	opts := []worlds.RuntimeOption{worlds.WithLogger(logger)}
	if cfg.Observer.Enabled {
		tracer, shutdown, err := observer.Init(ctx, cfg.Observer.ServiceName)
		if err != nil {
			log.Fatalf("observer: %v", err)
		}
		defer shutdown(context.Background())
		opts = append(opts, worlds.WithTracer(tracer))
	}

	// 4. Skills + built-in tools
	skills := worlds.NewSkillRegistry(cfg.Skills.GlobalDir, cfg.Skills.ProjectDir,
		worlds.WithSkillLogger(logger))
	if _, err := skills.Sync(); err != nil {
		logger.Warn("skill sync failed", "error", err)
	}
	toolSet := builtin.New(skills)
	opts = append(opts,
		worlds.WithSkillRegistry(skills),
		worlds.WithToolFactory(toolSet.Factory()),
	)

	// 5. Provider resolver from configured keys
	resolver := resolve.Resolver(func(name string) (apiKey, baseURL string) {
		pc := cfg.Providers[name]
		return pc.APIKey, pc.BaseURL
	})

	rt := worlds.NewRuntime(storage, resolver, opts...)
	defer rt.Close()

	addr := os.Getenv("AGENT_WORLD_ADDR")
	if addr == "" {
		addr = ":8787"
	}
	srv := &http.Server{Addr: addr, Handler: routes(rt, toolSet, logger)}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()

	logger.Info("listening", "addr", addr, "storage", cfg.Storage.Backend)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
}

func openStorage(ctx context.Context, cfg config.Config) (worlds.Storage, func(), error) {
	switch cfg.Storage.Backend {
	case "memory":
		return memory.New(), func() {}, nil
	case "sqlite":
		st := sqlite.New(cfg.Storage.DataPath)
		if err := st.Init(ctx); err != nil {
			return nil, nil, err
		}
		return st, func() { st.Close() }, nil
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Storage.PostgresURL)
		if err != nil {
			return nil, nil, err
		}
		st := postgres.New(pool)
		if err := st.Init(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return st, pool.Close, nil
	default:
		st, err := file.New(cfg.Storage.DataPath)
		if err != nil {
			return nil, nil, err
		}
		return st, func() {}, nil
	}
}

// routes exposes the facade operations needed by a thin client. This is a
// demonstration surface, not a full transport layer.
func routes(rt *worlds.Runtime, toolSet *builtin.Set, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /worlds", func(w http.ResponseWriter, r *http.Request) {
		list, err := rt.ListWorlds(r.Context())
		respond(w, list, err)
	})
	mux.HandleFunc("POST /worlds", func(w http.ResponseWriter, r *http.Request) {
		var params worlds.WorldParams
		if !decode(w, r, &params) {
			return
		}
		world, err := rt.CreateWorld(r.Context(), params)
		respond(w, world, err)
	})
	mux.HandleFunc("GET /worlds/{id}", func(w http.ResponseWriter, r *http.Request) {
		world, err := rt.GetWorld(r.Context(), r.PathValue("id"))
		respond(w, world, err)
	})
	mux.HandleFunc("DELETE /worlds/{id}", func(w http.ResponseWriter, r *http.Request) {
		err := rt.DeleteWorld(r.Context(), r.PathValue("id"))
		toolSet.Forget(r.PathValue("id"))
		respond(w, map[string]bool{"deleted": err == nil}, err)
	})

	mux.HandleFunc("POST /worlds/{id}/agents", func(w http.ResponseWriter, r *http.Request) {
		var params worlds.AgentParams
		if !decode(w, r, &params) {
			return
		}
		agent, err := rt.CreateAgent(r.Context(), r.PathValue("id"), params)
		respond(w, agent, err)
	})

	mux.HandleFunc("POST /worlds/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Content string `json:"content"`
			Sender  string `json:"sender"`
			ChatID  string `json:"chat_id"`
		}
		if !decode(w, r, &body) {
			return
		}
		messageID, err := rt.PublishMessage(r.Context(), r.PathValue("id"), body.Content, body.Sender, body.ChatID)
		respond(w, map[string]string{"message_id": messageID}, err)
	})
	mux.HandleFunc("POST /worlds/{id}/stop", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			ChatID string `json:"chat_id"`
		}
		if !decode(w, r, &body) {
			return
		}
		err := rt.StopMessageProcessing(r.Context(), r.PathValue("id"), body.ChatID)
		respond(w, map[string]bool{"stopped": err == nil}, err)
	})

	mux.HandleFunc("GET /worlds/{id}/chats", func(w http.ResponseWriter, r *http.Request) {
		chats, err := rt.ListChats(r.Context(), r.PathValue("id"))
		respond(w, chats, err)
	})
	mux.HandleFunc("POST /worlds/{id}/chats", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Name string `json:"name"`
		}
		if !decode(w, r, &body) {
			return
		}
		chat, err := rt.NewChat(r.Context(), r.PathValue("id"), body.Name)
		respond(w, chat, err)
	})

	mux.HandleFunc("POST /worlds/{id}/hitl", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			RequestID string `json:"request_id"`
			OptionID  string `json:"option_id"`
		}
		if !decode(w, r, &body) {
			return
		}
		err := rt.SubmitWorldOptionResponse(r.Context(), r.PathValue("id"), body.RequestID, body.OptionID)
		respond(w, map[string]bool{"accepted": err == nil}, err)
	})

	mux.HandleFunc("GET /worlds/{id}/shell-history", func(w http.ResponseWriter, r *http.Request) {
		respond(w, toolSet.ShellHistory(r.PathValue("id")), nil)
	})

	mux.HandleFunc("GET /worlds/{id}/events", func(w http.ResponseWriter, r *http.Request) {
		if err := worlds.ServeSSE(r.Context(), w, rt, r.PathValue("id")); err != nil {
			logger.Warn("sse stream ended", "world_id", r.PathValue("id"), "error", err)
		}
	})

	return mux
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, `{"error":"invalid json"}`, http.StatusBadRequest)
		return false
	}
	return true
}

// respond maps the error-message prefixes (404/409/400) onto HTTP status
// codes and writes JSON.
func respond(w http.ResponseWriter, v any, err error) {
	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		status := http.StatusInternalServerError
		msg := err.Error()
		switch {
		case strings.HasPrefix(msg, "404 "):
			status = http.StatusNotFound
		case strings.HasPrefix(msg, "409 "):
			status = http.StatusConflict
		case strings.HasPrefix(msg, "400 "):
			status = http.StatusBadRequest
		}
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}
