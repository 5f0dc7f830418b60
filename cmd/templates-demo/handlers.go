package main

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	templates "github.com/goliatone/go-templates"
)

type task struct {
	Title string `json:"title"`
	Done  bool   `json:"done"`
}

type taskStore struct {
	mu    sync.RWMutex
	tasks []task
}

func (s *taskStore) list() []map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]map[string]any, len(s.tasks))
	for i, t := range s.tasks {
		out[i] = map[string]any{"title": t.Title, "done": t.Done}
	}
	return out
}

func (s *taskStore) add(title string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, task{Title: title})
}

func newRouter(tpl *templates.Templates, logger *zap.Logger) http.Handler {
	store := &taskStore{tasks: []task{
		{Title: "write templates", Done: true},
		{Title: "cache fragments"},
	}}
	h := &handlers{tpl: tpl, store: store, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(logger))

	r.Get("/", h.index)
	r.Get("/fragments/{block}", h.fragment)
	r.Post("/tasks", h.addTask)
	r.Get("/api/stats", h.stats)
	if reg := tpl.Registry(); reg != nil {
		r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}
	return r
}

type handlers struct {
	tpl    *templates.Templates
	store  *taskStore
	logger *zap.Logger
}

func (h *handlers) pageData() map[string]any {
	return map[string]any{
		"tasks":    h.store.list(),
		"instance": h.tpl.ID(),
		"note":     `<b>Fragments</b> are cached per block <script>alert(1)</script>`,
	}
}

func (h *handlers) index(w http.ResponseWriter, r *http.Request) {
	resp, err := h.tpl.TemplateResponse(r, "index.html", h.pageData())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	resp.ServeHTTP(w, r)
}

func (h *handlers) fragment(w http.ResponseWriter, r *http.Request) {
	block := chi.URLParam(r, "block")
	data := h.pageData()
	data["site"] = "templates demo"

	out, err := h.tpl.RenderFragment(r.Context(), "index.html", block, data)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(out))
}

func (h *handlers) addTask(w http.ResponseWriter, r *http.Request) {
	title := r.FormValue("title")
	if title == "" {
		templates.NewJSONResponse(map[string]string{"error": "title is required"},
			templates.WithStatus(http.StatusBadRequest)).ServeHTTP(w, r)
		return
	}
	h.store.add(title)

	out, err := h.tpl.RenderFragment(r.Context(), "index.html", "tasks", map[string]any{"tasks": h.store.list()})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write([]byte(out))
}

func (h *handlers) stats(w http.ResponseWriter, r *http.Request) {
	templates.NewJSONResponse(h.tpl.Stats()).ServeHTTP(w, r)
}

func (h *handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, templates.ErrTemplateNotFound) || errors.Is(err, templates.ErrBlockNotFound) {
		status = http.StatusNotFound
	}
	h.logger.Warn("render failed",
		zap.String("path", r.URL.Path),
		zap.String("request_id", middleware.GetReqID(r.Context())),
		zap.Int("status", status),
		zap.Error(err),
	)
	http.Error(w, http.StatusText(status), status)
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}
