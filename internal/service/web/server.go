package web

import (
	"fmt"
	"net/http"
	"sync"

	"proxypulse/internal/shared/logger"
	"proxypulse/internal/shared/types"
)

// basicAuthMiddleware 检查 web_user 和 web_password 是否已配置。
// 如果配置了，它将强制执行 HTTP Basic Authentication。
func basicAuthMiddleware(next http.Handler, user, pass string) http.Handler {
	// 如果用户名或密码未设置，则不启用认证，直接返回原始处理器
	if user == "" || pass == "" {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || u != user || p != pass {
			w.Header().Set("WWW-Authenticate", `Basic realm="Restricted"`)
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte("Unauthorized.\n"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// StartServer brings up the HTTP API and the WebSocket progress stream.
// When web_port is unset, the whole presentation surface is disabled.
func StartServer(wg *sync.WaitGroup, cfg *types.Config, controller ServerController, hub *Hub) {
	if cfg.WebConf.WebPort <= 0 {
		logger.Info().Msg("Web API is disabled (web_port is 0 or not set).")
		return
	}

	handler := NewHandler(controller)
	mux := http.NewServeMux()

	webUser := cfg.WebConf.WebUser
	webPassword := cfg.WebConf.WebPassword

	protected := func(h http.HandlerFunc) http.Handler {
		return basicAuthMiddleware(h, webUser, webPassword)
	}

	mux.Handle("/api/verify/start", protected(handler.HandleStartVerification))
	mux.Handle("/api/verify/stop", protected(handler.HandleStopRun))
	mux.Handle("/api/aggregate/start", protected(handler.HandleStartAggregation))
	mux.Handle("/api/endpoints", protected(handler.HandleEndpoints))
	mux.Handle("/api/endpoints/import", protected(handler.HandleImport))
	mux.Handle("/api/endpoints/delete", protected(handler.HandleDelete))
	mux.Handle("/api/endpoints/clear", protected(handler.HandleClear))
	mux.Handle("/api/sources", protected(handler.HandleSources))

	// --- WebSocket Endpoint (公开，无需认证) ---
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, w, r)
	})

	// 公开的状态 API
	mux.HandleFunc("/api/status", handler.HandleStatus)

	addr := fmt.Sprintf(":%d", cfg.WebConf.WebPort)
	logger.Info().Str("addr", addr).Msg("Web API listening.")

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Error().Err(err).Msg("Web server exited.")
		}
	}()
}
