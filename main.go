package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/mailnotes/internal/archive/sqlite"
	"github.com/Martian-dev/mailnotes/internal/config"
	"github.com/Martian-dev/mailnotes/internal/events"
	"github.com/Martian-dev/mailnotes/internal/ledger"
	"github.com/Martian-dev/mailnotes/internal/mail"
	"github.com/Martian-dev/mailnotes/internal/notes"
	"github.com/Martian-dev/mailnotes/internal/oauth"
	"github.com/Martian-dev/mailnotes/internal/providers/gmail"
	"github.com/Martian-dev/mailnotes/internal/providers/outlook"
	syncengine "github.com/Martian-dev/mailnotes/internal/sync"
)

func main() {
	_ = godotenv.Load()

	logger := logrus.New()
	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Fatal("invalid configuration")
	}

	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}
	log := logger.WithField("app", "mailnotes")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Providers
	gmailProvider := gmail.New(
		cfg.Gmail.ClientID,
		oauth.NewFileCredentialStore(cfg.DataDir, "gmail"),
		cfg.CallbackPort,
		log.WithField("provider", "gmail"),
	)
	outlookProvider := outlook.New(
		cfg.Outlook.ClientID,
		cfg.Outlook.ClientSecret,
		oauth.NewFileCredentialStore(cfg.DataDir, "outlook"),
		cfg.CallbackPort,
		log.WithField("provider", "outlook"),
	)

	providers := []mail.Provider{gmailProvider, outlookProvider}
	enabled := map[mail.Source]bool{
		mail.SourceGmail:   cfg.Gmail.Enabled,
		mail.SourceOutlook: cfg.Outlook.Enabled,
	}

	// Dedup ledger and note materialization
	stateLedger := ledger.Open(cfg.DataDir, log.WithField("component", "ledger"))
	creator := notes.NewCreator(cfg.NotesDir, log.WithField("component", "notes"))

	// Message archive plus optional note-created event publisher
	archive, err := sqlite.Open(filepath.Join(cfg.DataDir, "archive.db"))
	if err != nil {
		logger.WithError(err).Fatal("failed to open archive")
	}
	defer archive.Close()

	if cfg.NATSURL != "" {
		publisher, err := events.NewPublisher(cfg.NATSURL)
		if err != nil {
			log.WithError(err).Warn("NATS unavailable, note events disabled")
		} else {
			defer publisher.Close()
			if err := publisher.EnsureStream(ctx); err != nil {
				log.WithError(err).Warn("failed to ensure NATS stream")
			}
			dispatcher := events.NewDispatcher(archive, publisher, log.WithField("component", "dispatcher"))
			go dispatcher.Run(ctx)
		}
	}

	engine := syncengine.NewEngine(providers, enabled, stateLedger, creator, archive, log.WithField("component", "sync"))

	scheduler := syncengine.NewScheduler(engine, time.Duration(cfg.SyncIntervalMinutes)*time.Minute, log.WithField("component", "scheduler"))
	scheduler.Start(ctx)
	defer scheduler.Stop()

	r := gin.Default()

	// Manual "sync now" trigger; coalesced when a cycle is running
	r.POST("/sync", func(c *gin.Context) {
		result, err := engine.Run(c.Request.Context())
		if err != nil {
			if errors.Is(err, syncengine.ErrSyncInProgress) {
				c.JSON(http.StatusConflict, gin.H{"error": "sync already in progress"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, result)
	})

	r.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, engine.Status())
	})

	r.POST("/auth/:provider", func(c *gin.Context) {
		provider := findProvider(providers, c.Param("provider"))
		if provider == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown provider"})
			return
		}

		if err := provider.Authenticate(c.Request.Context()); err != nil {
			status := http.StatusBadGateway
			if errors.Is(err, oauth.ErrConfiguration) {
				status = http.StatusBadRequest
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"authenticated": true})
	})

	r.GET("/providers", func(c *gin.Context) {
		out := make([]gin.H, 0, len(providers))
		for _, p := range providers {
			info := gin.H{
				"name":          string(p.Name()),
				"enabled":       enabled[p.Name()],
				"authenticated": p.IsAuthenticated(),
			}
			if p.IsAuthenticated() {
				if email, err := p.UserEmail(c.Request.Context()); err == nil && email != "" {
					info["account"] = email
				}
			}
			out = append(out, info)
		}
		c.JSON(http.StatusOK, out)
	})

	r.GET("/messages", func(c *gin.Context) {
		limit := 100
		if raw := c.Query("limit"); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil && n > 0 {
				limit = n
			}
		}
		messages, err := archive.ListMessages(c.Request.Context(), c.Query("provider"), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, messages)
	})

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: r}
	go func() {
		log.WithField("addr", cfg.ListenAddr).Info("control API listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("control API failed")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func findProvider(providers []mail.Provider, name string) mail.Provider {
	for _, p := range providers {
		if string(p.Name()) == name {
			return p
		}
	}
	return nil
}
