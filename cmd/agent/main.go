package main

import (
	"context"
	"encoding/base64"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"schoolsync/internal/config"
	"schoolsync/internal/gateway"
	"schoolsync/internal/httpmiddleware"
	"schoolsync/internal/journal"
	"schoolsync/internal/receipts"
	"schoolsync/internal/session"
	"schoolsync/internal/store"
	"schoolsync/internal/stream"
)

// The agent keeps one class channel synchronized against the school API,
// drains read receipts in the background, and exposes a small local HTTP
// surface the admin dashboard talks to.
func main() {
	cfg := config.Load()

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := run(cfg); err != nil {
		log.Fatalf("agent failed: %v", err)
	}
}

func run(cfg config.App) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sess, redisStore, err := loadSession(ctx, cfg)
	if err != nil {
		return err
	}
	if sess.Expired(time.Now()) {
		log.Printf("warning: session token is expired; API calls will fail until a new login is stored")
	}
	log.Printf("session loaded for %s (%s)", sess.User.Name, sess.User.Role)

	gw := gateway.New(cfg.APIBaseURL, func() string { return sess.Token }, cfg.APITimeout)

	var rq receipts.Queue
	if cfg.ReceiptBackend == "memory" || redisStore == nil {
		rq = receipts.NewMemory(256)
	} else {
		rq = receipts.NewRedisQueue(redisStore.Client(), cfg.ReceiptQueueKey)
	}

	var db *store.DB
	var jr *journal.Repository
	if cfg.DatabaseURL != "" {
		db, err = store.NewDB(cfg.DatabaseURL)
		if err != nil {
			log.Printf("warning: journal db not reachable: %v", err)
			db = nil
		} else {
			jr = journal.NewRepository(db.Client)
		}
	}
	defer func() {
		if db != nil {
			_ = db.Close()
		}
	}()

	syncer := stream.New(gw, sess, rq, cfg.SyncInterval)
	go func() {
		if err := syncer.Run(ctx); err != nil {
			log.Printf("synchronizer stopped: %v", err)
		}
	}()

	worker := receipts.NewWorker(rq, gw)
	go func() {
		if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("receipt worker stopped: %v", err)
		}
	}()

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisStore == nil || redisStore.Healthy(c.Request.Context())
		status := http.StatusOK
		if !redisHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"status":  "ok",
			"redis":   redisHealthy,
			"journal": db.Healthy(c.Request.Context()),
			"state":   syncer.State().String(),
			"class":   syncer.ClassID(),
		})
	})

	v1 := r.Group("/v1", httpmiddleware.NewTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin).GinMiddleware())

	v1.GET("/stream", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"state":    syncer.State().String(),
			"class":    syncer.ClassID(),
			"messages": syncer.Messages(),
		})
	})

	v1.POST("/messages", func(c *gin.Context) {
		var req struct {
			Content    string `json:"content"`
			Attachment *struct {
				Filename string `json:"filename"`
				MIME     string `json:"mime"`
				Data     string `json:"data"`
			} `json:"attachment"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		var att *gateway.Upload
		if req.Attachment != nil {
			data, derr := base64.StdEncoding.DecodeString(req.Attachment.Data)
			if derr != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "attachment data must be base64"})
				return
			}
			att = &gateway.Upload{Filename: req.Attachment.Filename, MIME: req.Attachment.MIME, Data: data}
		}
		msg, err := syncer.Send(c.Request.Context(), req.Content, att)
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		if err := jr.RecordMessageEvent(c.Request.Context(), syncer.ClassID(), msg.ID, journal.KindSend, sess.User.ID); err != nil {
			log.Printf("journal: record send failed: %v", err)
		}
		c.JSON(http.StatusCreated, msg)
	})

	v1.POST("/polls", func(c *gin.Context) {
		var req struct {
			Question string   `json:"question"`
			Options  []string `json:"options"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		msg, err := syncer.CreatePoll(c.Request.Context(), req.Question, req.Options)
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		if err := jr.RecordMessageEvent(c.Request.Context(), syncer.ClassID(), msg.ID, journal.KindPoll, sess.User.ID); err != nil {
			log.Printf("journal: record poll failed: %v", err)
		}
		c.JSON(http.StatusCreated, msg)
	})

	v1.POST("/messages/:id/vote", func(c *gin.Context) {
		var req struct {
			OptionIndex int `json:"optionIndex"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := syncer.Vote(c.Request.Context(), c.Param("id"), req.OptionIndex); err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"voted": true})
	})

	v1.DELETE("/messages/:id", func(c *gin.Context) {
		id := c.Param("id")
		if err := syncer.Delete(c.Request.Context(), id); err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		if err := jr.RecordMessageEvent(c.Request.Context(), syncer.ClassID(), id, journal.KindDelete, sess.User.ID); err != nil {
			log.Printf("journal: record delete failed: %v", err)
		}
		c.JSON(http.StatusOK, gin.H{"deleted": true})
	})

	v1.GET("/journal", func(c *gin.Context) {
		if jr == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "journal not configured"})
			return
		}
		subs, err := jr.ListSubmissions(c.Request.Context(), c.Query("classId"), 50)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		events, err := jr.ListMessageEvents(c.Request.Context(), c.Query("classId"), 50)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"submissions": subs, "message_events": events})
	})

	srv := &http.Server{
		Addr:         ":" + cfg.AgentPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("agent listening on :%s (class sync every %s)", cfg.AgentPort, cfg.SyncInterval)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("server forced shutdown: %v", err)
	}

	log.Println("agent exited")
	return nil
}

// loadSession resolves the login either from the shared Redis store (the
// normal path, the app writes it at login) or from SESSION_TOKEN for dev
// runs, deriving the identity from the token claims.
func loadSession(ctx context.Context, cfg config.App) (session.Session, *session.RedisStore, error) {
	var redisStore *session.RedisStore
	if cfg.SessionBackend != "memory" {
		redisStore = session.NewRedisStore(cfg.RedisAddr)
	}

	if cfg.SessionToken != "" {
		claims, err := session.TokenClaims(cfg.SessionToken)
		if err != nil {
			return session.Session{}, nil, err
		}
		sess := session.Session{
			Token: cfg.SessionToken,
			User:  session.Identity{ID: claims.Subject, Role: claims.Role},
		}
		return sess, redisStore, nil
	}

	if redisStore == nil {
		return session.Session{}, nil, errors.New("no SESSION_TOKEN and session backend is memory; nothing to load")
	}
	sess, err := session.Load(ctx, redisStore)
	if err != nil {
		return session.Session{}, nil, err
	}
	return sess, redisStore, nil
}

// statusFor maps engine errors onto HTTP statuses for the local API.
func statusFor(err error) int {
	switch {
	case errors.Is(err, stream.ErrEmptyMessage),
		errors.Is(err, stream.ErrPollQuestion),
		errors.Is(err, stream.ErrPollOptions),
		errors.Is(err, stream.ErrBadOption),
		errors.Is(err, stream.ErrNotPoll):
		return http.StatusBadRequest
	case errors.Is(err, stream.ErrUnknownMessage):
		return http.StatusNotFound
	case errors.Is(err, stream.ErrNotAllowed):
		return http.StatusForbidden
	case errors.Is(err, stream.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, gateway.ErrUnauthorized):
		return http.StatusUnauthorized
	}
	var gwErr *gateway.Error
	if errors.As(err, &gwErr) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
