package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/DoyleJ11/cha-panelas/internal/logging"
	"github.com/DoyleJ11/cha-panelas/internal/metrics"
	"github.com/DoyleJ11/cha-panelas/internal/push"
	"github.com/DoyleJ11/cha-panelas/internal/store"
)

const adminHeader = "X-Admin-Password"

type Options struct {
	Store store.Store
	Hub   *push.Hub
	// Publisher announces changes. Defaults to Hub; set to a redis relay when
	// several replicas share one database.
	Publisher push.Publisher
	Log       *zap.Logger
	Clock     clock.PassiveClock

	AdminPassword     string
	AdminPasswordHash string
	AllowedOrigin     string

	RSVPLimit  int
	RSVPWindow time.Duration
	ItemsTTL   time.Duration
}

type Server struct {
	store   store.Store
	hub     *push.Hub
	pub     push.Publisher
	log     *zap.Logger
	auth    *adminAuth
	items   *itemsCache
	limiter *ipLimiter
	origin  string
}

func New(o Options) (*Server, error) {
	if o.Clock == nil {
		o.Clock = clock.RealClock{}
	}
	if o.Publisher == nil && o.Hub != nil {
		o.Publisher = o.Hub
	}
	if o.RSVPLimit <= 0 {
		o.RSVPLimit = 5
	}
	if o.RSVPWindow <= 0 {
		o.RSVPWindow = 5 * time.Minute
	}
	auth, err := newAdminAuth(o.AdminPassword, o.AdminPasswordHash)
	if err != nil {
		return nil, err
	}
	return &Server{
		store:   o.Store,
		hub:     o.Hub,
		pub:     o.Publisher,
		log:     logging.OrNop(o.Log),
		auth:    auth,
		items:   newItemsCache(o.Store.Available, o.ItemsTTL, o.Clock),
		limiter: newIPLimiter(o.RSVPLimit, o.RSVPWindow, o.Clock),
		origin:  o.AllowedOrigin,
	}, nil
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.Requests(s.log))
	r.Use(instrument)
	r.Use(middleware.Recoverer)

	// Public routes
	r.Get("/", Healthz)
	r.Get("/healthz", Healthz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(s.cors)

		r.Get("/status", s.status)
		r.Get("/itens", s.listItems)
		r.With(s.limitRSVP).Post("/rsvp", s.rsvp)
		r.Post("/escolha", s.claim)
		r.Get("/stream", push.SSEHandler(s.hub, s.log))
		r.Get("/ws", push.WSHandler(s.hub, s.log, s.originPatterns()))

		r.Group(func(r chi.Router) {
			r.Use(s.requireAdmin)
			r.Get("/convidados", s.listGuests)
			r.Get("/admin/convidados", s.listGuests)
			r.Get("/admin/stats", s.stats)
			r.Post("/admin/liberar", s.release)
			r.Post("/admin/remover", s.remove)
			r.Post("/admin/reset", s.reset)
		})
	})
	return r
}

func (s *Server) cors(next http.Handler) http.Handler {
	origin := s.origin
	if origin == "" {
		origin = "*"
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Allow-Headers", "Content-Type, "+adminHeader)
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		if origin != "*" {
			h.Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originPatterns() []string {
	if s.origin == "" || s.origin == "*" {
		return []string{"*"}
	}
	host := s.origin
	if i := strings.Index(host, "://"); i >= 0 {
		host = host[i+3:]
	}
	return []string{host}
}

func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		metrics.Requests.WithLabelValues(route, strconv.Itoa(ww.Status())).Observe(time.Since(start).Seconds())
	})
}
