package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/9qeklajc/nmcpparrot/src/conversation"
	"github.com/9qeklajc/nmcpparrot/src/keypair"
	"github.com/9qeklajc/nmcpparrot/src/logging"
	"github.com/9qeklajc/nmcpparrot/src/memory"
)

// httpAPI exposes the core operations over a local REST API, for
// collaborators that would rather speak HTTP than link the packages.
type httpAPI struct {
	Engine *conversation.Engine
	Store  *memory.Store
	Target string
}

func middleWareHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		logging.Log.Debugf("%v %v %v", c.Request.RemoteAddr, c.Request.Method, c.Request.URL)
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Next()
	}
}

// Run serves until the context is cancelled.
func (api httpAPI) Run(ctx context.Context, port string) (err error) {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(middleWareHandler(), gin.Recovery())
	r.HEAD("/", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})
	r.POST("/api/v1/send", api.handleSend)
	r.GET("/api/v1/wait", api.handleWait)
	r.POST("/api/v1/memory", api.handleStoreMemory)
	r.GET("/api/v1/memory", api.handleRetrieveMemory)
	r.GET("/api/v1/memory/stats", api.handleMemoryStats)
	r.DELETE("/api/v1/memory/:id", api.handleExpireMemory)

	srv := &http.Server{Addr: ":" + port, Handler: r}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	logging.Log.Infof("listening on :%s", port)
	if err = srv.ListenAndServe(); err == http.ErrServerClosed {
		err = nil
	}
	return
}

func (api httpAPI) handleSend(c *gin.Context) {
	var body struct {
		Target  string `json:"target"`
		Message string `json:"message" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		api.apiErrorHandler(c, http.StatusBadRequest, err)
		return
	}
	target, err := api.resolveTarget(body.Target)
	if err != nil {
		api.apiErrorHandler(c, http.StatusBadRequest, err)
		return
	}
	if err := api.Engine.Send(c.Request.Context(), target, body.Message); err != nil {
		api.apiErrorHandler(c, http.StatusBadGateway, err)
		return
	}
	api.apiSuccessHandler(c, gin.H{})
}

func (api httpAPI) handleWait(c *gin.Context) {
	timeout := 30 * time.Second
	if raw := c.Query("timeout"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			api.apiErrorHandler(c, http.StatusBadRequest, err)
			return
		}
		timeout = parsed
	}
	sender := api.Target
	if raw := c.Query("sender"); raw != "" {
		parsed, err := keypair.ParsePublicKey(raw)
		if err != nil {
			api.apiErrorHandler(c, http.StatusBadRequest, err)
			return
		}
		sender = parsed
	}
	msg, err := api.Engine.ReceiveNext(c.Request.Context(), sender, timeout)
	if err == conversation.ErrTimedOut {
		api.apiErrorHandler(c, http.StatusGatewayTimeout, err)
		return
	}
	if err != nil {
		api.apiErrorHandler(c, http.StatusBadGateway, err)
		return
	}
	api.apiSuccessHandler(c, gin.H{"message": msg.Content, "sender": msg.Sender, "sent_at": msg.SentAt})
}

func (api httpAPI) handleStoreMemory(c *gin.Context) {
	var e memory.Entry
	if err := c.ShouldBindJSON(&e); err != nil {
		api.apiErrorHandler(c, http.StatusBadRequest, err)
		return
	}
	if err := api.Store.Store(c.Request.Context(), &e); err != nil {
		api.apiErrorHandler(c, http.StatusBadRequest, err)
		return
	}
	api.apiSuccessHandler(c, gin.H{"entry": e})
}

func (api httpAPI) handleRetrieveMemory(c *gin.Context) {
	f := memory.Filter{
		Type:           c.Query("type"),
		Category:       c.Query("category"),
		Query:          c.Query("query"),
		Tags:           c.QueryArray("tag"),
		IncludeExpired: c.Query("include_expired") == "true",
	}
	if raw := c.Query("limit"); raw != "" {
		fmt.Sscanf(raw, "%d", &f.Limit)
	}
	entries, err := api.Store.Retrieve(c.Request.Context(), f)
	if err != nil {
		api.apiErrorHandler(c, http.StatusBadGateway, err)
		return
	}
	api.apiSuccessHandler(c, gin.H{"entries": entries, "total": len(entries)})
}

func (api httpAPI) handleMemoryStats(c *gin.Context) {
	stats, err := api.Store.Stats(c.Request.Context())
	if err != nil {
		api.apiErrorHandler(c, http.StatusBadGateway, err)
		return
	}
	api.apiSuccessHandler(c, gin.H{"stats": stats})
}

func (api httpAPI) handleExpireMemory(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		api.apiErrorHandler(c, http.StatusBadRequest, err)
		return
	}
	if err := api.Store.Expire(c.Request.Context(), id); err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, memory.ErrEntryNotFound) {
			status = http.StatusNotFound
		}
		api.apiErrorHandler(c, status, err)
		return
	}
	api.apiSuccessHandler(c, gin.H{})
}

func (api httpAPI) resolveTarget(raw string) (string, error) {
	if raw == "" {
		if api.Target == "" {
			return "", fmt.Errorf("no target configured")
		}
		return api.Target, nil
	}
	return keypair.ParsePublicKey(raw)
}

func (api httpAPI) apiSuccessHandler(c *gin.Context, h gin.H) {
	h["status"] = "ok"
	c.JSON(http.StatusOK, h)
}

func (api httpAPI) apiErrorHandler(c *gin.Context, status int, err error) {
	logging.Log.Warnf("%v %v %v [%v]: %s", c.Request.RemoteAddr, c.Request.Method, c.Request.URL, status, err)
	c.JSON(status, gin.H{"status": "error", "error": err.Error()})
}
