package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cloudwego/eino/components/retriever"
	"github.com/joho/godotenv"

	"github.com/csec/ragchat/backend/internal/auth"
	"github.com/csec/ragchat/backend/internal/config"
	"github.com/csec/ragchat/backend/internal/handler"
	"github.com/csec/ragchat/backend/internal/handler/ws"
	"github.com/csec/ragchat/backend/internal/model/account"
	"github.com/csec/ragchat/backend/internal/service/ai"
	chatservice "github.com/csec/ragchat/backend/internal/service/chat"
	"github.com/csec/ragchat/backend/internal/service/rag"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	accountStore := buildAccountStore(cfg.Auth)
	if cfg.Auth.JWTSecret == "change-me" {
		log.Println("warning: JWT_SECRET is using the insecure default")
	}
	authenticator := auth.New(cfg.Auth.JWTSecret, accountStore)

	store := chatservice.NewService()
	ragSvc := rag.NewService(buildKnowledgeRetriever())

	var generator ws.Generator
	if cfg.AI.Enabled() {
		aiSvc, err := ai.NewService(ctx, cfg.AI)
		if err != nil {
			log.Printf("warning: failed to initialize generation service: %v", err)
			log.Println("continuing without generation - chat turns will report missing_openai_key")
		} else {
			log.Println("generation service initialized successfully")
			generator = ws.GeneratorFunc(func(ctx context.Context, systemPrompt, userMessage string) (ws.TokenStream, error) {
				stream, err := aiSvc.Stream(ctx, systemPrompt, userMessage)
				if err != nil {
					return nil, err
				}
				return stream, nil
			})
		}
	} else {
		log.Println("OPENAI_API_KEY not configured, chat turns will report missing_openai_key")
	}

	gateway := ws.New(authenticator, store, ragSvc, generator, ws.Config{
		RateWindow:     cfg.Chat.RateWindow,
		RateMax:        cfg.Chat.RateMax,
		HistoryLimit:   cfg.Chat.HistoryLimit,
		RetrievalTopK:  cfg.Chat.RetrievalTopK,
		AccumulatorCap: cfg.Chat.AccumulatorCap,
	})

	router := handler.NewRouter(gateway)

	startServer(ctx, cfg.Server, router)
}

// buildAccountStore loads the account registry from CHAT_ACCOUNTS, falling
// back to a seeded development account so a fresh checkout can connect.
func buildAccountStore(cfg config.AuthConfig) account.Store {
	if cfg.Accounts != "" {
		items := account.Parse(cfg.Accounts)
		log.Printf("loaded %d account(s) from CHAT_ACCOUNTS", len(items))
		return account.NewMemoryStore(items)
	}

	seeded := account.Seed()
	log.Printf("CHAT_ACCOUNTS not set, seeded development account id=%s", seeded[0].ID)
	return account.NewMemoryStore(seeded)
}

// buildKnowledgeRetriever indexes the optional local knowledge file. A
// production deployment swaps this for a vector-backed retriever component;
// returning nil simply disables retrieval.
func buildKnowledgeRetriever() retriever.Retriever {
	path := strings.TrimSpace(os.Getenv("CHAT_KNOWLEDGE_FILE"))
	if path == "" {
		return nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		log.Printf("warning: failed to read CHAT_KNOWLEDGE_FILE %s: %v", path, err)
		return nil
	}

	snippets := strings.Split(string(raw), "\n\n")
	log.Printf("indexed %d knowledge snippet(s) from %s", len(snippets), path)
	return rag.NewMemoryRetriever(snippets)
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Printf("chat gateway listening on %s", addr)
	if err := runServer(ctx, srv); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
