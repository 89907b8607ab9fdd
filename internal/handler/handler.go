// Package handler 實現 HTTP 請求處理
//
// 路由：
//
//	POST   /api/v1/links                建立短網址（依來源位址限流）
//	GET    /api/v1/links                列出 X-Owner-ID 的短網址
//	GET    /api/v1/links/{code}/stats   點擊統計
//	DELETE /api/v1/links/{code}         刪除
//	GET    /{code}                      302 重定向
//	GET    /health                      健康檢查
//
// 錯誤響應統一為 {"error": message, "code": CODE}，狀態碼由錯誤碼決定。
package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/koopa0/system-design/shortlink/internal/shortener"
	apperrors "github.com/koopa0/system-design/shortlink/pkg/errors"
	"github.com/koopa0/system-design/shortlink/pkg/logger"
)

const (
	// RequestIDHeader 請求 ID 標頭（沿用上游提供的值）
	RequestIDHeader = "X-Request-ID"
	// OwnerIDHeader 擁有者標頭，由前置的身份驗證層設定
	OwnerIDHeader = "X-Owner-ID"

	maxBodyBytes = 8 << 10
)

// Options HTTP 層參數
type Options struct {
	// BaseURL 對外短網址前綴（如 https://sho.rt），為空時依請求推導
	BaseURL string
	// CreateRPS 每個來源位址的建立速率，0 表示不限
	CreateRPS   float64
	CreateBurst int
	// TrustProxy 為 true 時以 X-Forwarded-For 的第一段作為來源位址
	TrustProxy bool
}

// Handler HTTP 處理器
type Handler struct {
	service *shortener.Service
	limiter *RateLimiter
	opts    Options
	logger  *slog.Logger
}

// New 創建 Handler 實例
func New(service *shortener.Service, opts Options, logger *slog.Logger) *Handler {
	h := &Handler{
		service: service,
		opts:    opts,
		logger:  logger.With("component", "http"),
	}
	if opts.CreateRPS > 0 {
		h.limiter = NewRateLimiter(opts.CreateRPS, opts.CreateBurst)
	}
	return h
}

// Routes 設置路由
//
// 中間件鏈：recovery → requestID → logger → 業務處理
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/links", h.rateLimit(h.create))
	mux.HandleFunc("GET /api/v1/links", h.list)
	mux.HandleFunc("GET /api/v1/links/{code}/stats", h.stats)
	mux.HandleFunc("DELETE /api/v1/links/{code}", h.delete)

	// 短網址不加 /api/v1 前綴，越短越好
	mux.HandleFunc("GET /{code}", h.redirect)

	mux.HandleFunc("GET /health", h.health)

	return h.recovery(h.requestID(h.logRequest(mux)))
}

type createResponse struct {
	Code          string     `json:"code"`
	ShortURL      string     `json:"short_url"`
	LongURL       string     `json:"long_url"`
	CreatedAt     time.Time  `json:"created_at"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	IsCustomAlias bool       `json:"is_custom_alias"`
}

// create 建立短網址
//
// API: POST /api/v1/links
// Body: {"long_url": "https://...", "custom_alias": "optional", "expiry_days": 7}
func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req shortener.CreateRequest

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		h.errorJSON(w, "invalid request body", "BAD_REQUEST", http.StatusBadRequest)
		return
	}
	req.OwnerID = r.Header.Get(OwnerIDHeader)

	link, err := h.service.CreateShortLink(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, createResponse{
		Code:          link.Code,
		ShortURL:      h.shortURL(r, link.Code),
		LongURL:       link.LongURL,
		CreatedAt:     link.CreatedAt,
		ExpiresAt:     link.ExpiresAt,
		IsCustomAlias: link.IsCustomAlias,
	}, http.StatusCreated)
}

// redirect 重定向到長網址
//
// 使用 302 而非 301：301 會被瀏覽器快取，後續點擊不再經過服務，無法統計。
// Location 原樣寫入，不經 http.Redirect 的路徑清理。
func (h *Handler) redirect(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")

	longURL, err := h.service.Resolve(r.Context(), code, shortener.ClickMeta{
		Address:  h.clientAddr(r),
		Referrer: r.Referer(),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	w.Header().Set("Location", longURL)
	w.Header().Set("Cache-Control", "private, max-age=0")
	w.WriteHeader(http.StatusFound)
}

// stats 點擊統計
//
// API: GET /api/v1/links/{code}/stats
func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.GetStats(r.Context(), r.PathValue("code"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, stats, http.StatusOK)
}

// delete 刪除短網址
//
// API: DELETE /api/v1/links/{code}
func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteShortLink(r.Context(), r.PathValue("code")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// list 列出擁有者的短網址
//
// API: GET /api/v1/links?limit=20（需要 X-Owner-ID）
func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	owner := r.Header.Get(OwnerIDHeader)
	if owner == "" {
		h.errorJSON(w, OwnerIDHeader+" header is required", "BAD_REQUEST", http.StatusBadRequest)
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			h.errorJSON(w, "limit must be a positive integer", "BAD_REQUEST", http.StatusBadRequest)
			return
		}
		limit = n
	}

	links, err := h.service.ListByOwner(r.Context(), owner, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if links == nil {
		links = []*shortener.ShortLink{}
	}
	h.writeJSON(w, map[string]any{"links": links}, http.StatusOK)
}

// health 健康檢查，附帶點擊聚合器計數
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, map[string]any{
		"status": "ok",
		"clicks": h.service.ClickMetrics(),
	}, http.StatusOK)
}

// === 工具函數 ===

// statusFor 錯誤碼到 HTTP 狀態碼
func statusFor(code string) int {
	switch code {
	case apperrors.CodeNotFound:
		return http.StatusNotFound
	case apperrors.CodeInvalidURL, apperrors.CodeInvalidAlias, apperrors.CodeInvalidExpiry:
		return http.StatusBadRequest
	case apperrors.CodeAliasTaken:
		return http.StatusConflict
	case apperrors.CodeGenerationExhausted, apperrors.CodeStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError 依錯誤碼寫入響應；未分類的錯誤不洩漏內部訊息
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		h.logger.ErrorContext(r.Context(), "unhandled error", "path", r.URL.Path, "error", err)
		h.errorJSON(w, "internal server error", "INTERNAL", http.StatusInternalServerError)
		return
	}

	status := statusFor(appErr.Code)
	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
	}
	if appErr.Code == apperrors.CodeStoreUnavailable {
		w.Header().Set("Retry-After", "1")
	}

	msg := appErr.Message
	if appErr.Details != "" {
		msg += ": " + appErr.Details
	}
	h.errorJSON(w, msg, appErr.Code, status)
}

// writeJSON 寫入 JSON 響應
func (h *Handler) writeJSON(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("encode json failed", "error", err)
	}
}

// errorJSON 寫入錯誤響應（統一格式）
func (h *Handler) errorJSON(w http.ResponseWriter, message, code string, status int) {
	h.writeJSON(w, map[string]string{"error": message, "code": code}, status)
}

// shortURL 組出完整短網址
//
// 沒有配置 BaseURL 時：優先 X-Forwarded-Proto（反向代理），否則看 r.TLS。
func (h *Handler) shortURL(r *http.Request, code string) string {
	if h.opts.BaseURL != "" {
		return strings.TrimSuffix(h.opts.BaseURL, "/") + "/" + code
	}
	scheme := r.Header.Get("X-Forwarded-Proto")
	if scheme == "" {
		scheme = "http"
		if r.TLS != nil {
			scheme = "https"
		}
	}
	return scheme + "://" + r.Host + "/" + code
}

// clientAddr 來源位址（不含埠）
func (h *Handler) clientAddr(r *http.Request) string {
	if h.opts.TrustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			return strings.TrimSpace(first)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// === 中間件 ===

// rateLimit 建立端點的來源位址限流
func (h *Handler) rateLimit(next http.HandlerFunc) http.HandlerFunc {
	if h.limiter == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if !h.limiter.Allow(h.clientAddr(r)) {
			w.Header().Set("Retry-After", "1")
			h.errorJSON(w, "rate limit exceeded", "RATE_LIMITED", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}

// requestID 沿用或產生請求 ID，放進 context 讓日誌自動帶上
func (h *Handler) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)

		ctx := logger.WithRequestID(r.Context(), id)
		if owner := r.Header.Get(OwnerIDHeader); owner != "" {
			ctx = logger.WithOwnerID(ctx, owner)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// logRequest 記錄請求日誌
func (h *Handler) logRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		h.logger.InfoContext(r.Context(), "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration", time.Since(start),
			"ip", h.clientAddr(r),
		)
	})
}

// recovery 恢復 panic，防止單個請求讓整個服務崩潰
func (h *Handler) recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				if err == http.ErrAbortHandler {
					panic(err)
				}
				h.logger.ErrorContext(r.Context(), "panic recovered",
					"error", err,
					"path", r.URL.Path,
				)
				h.errorJSON(w, "internal server error", "INTERNAL", http.StatusInternalServerError)
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// responseWriter 包裝 http.ResponseWriter 以捕獲狀態碼
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

// WriteHeader 攔截狀態碼
func (w *responseWriter) WriteHeader(code int) {
	if !w.written {
		w.statusCode = code
		w.written = true
		w.ResponseWriter.WriteHeader(code)
	}
}

// Write 確保 WriteHeader 被調用
func (w *responseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}
