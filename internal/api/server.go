// Copyright (c) 2020-2024 The Decred developers
// Copyright (c) 2024 The staking-farm developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/nesilp/staking-farm/pool"
)

// Config contains all of the required configuration values for the API
// server.
type Config struct {
	// Distributor carries out every pool operation.
	Distributor *pool.RewardDistributor
	// Relay receives the validator balance reported by the relayer.
	Relay *pool.RelayHost
	// APIListen represents the listening address the API is served on.
	APIListen string
	// RelayerToken authenticates the relayer.  Mutating routes require it
	// as a bearer token when set.
	RelayerToken string
	// Metrics serves the metrics endpoint when set.
	Metrics http.Handler
	// HTTPBackupDB streams a backup of the database over an http response.
	// It is nil when the database does not support backups.
	HTTPBackupDB func(w http.ResponseWriter) error
	// ObserveRequest records a served request by route template and status
	// code when set.
	ObserveRequest func(route string, status int)
}

// Server serves the pool API.
type Server struct {
	cfg     *Config
	limiter *RateLimiter
	router  *mux.Router
}

// New creates an API server.
func New(cfg *Config) (*Server, error) {
	if cfg.Distributor == nil {
		return nil, errors.New("api: a distributor is required")
	}
	if cfg.Relay == nil {
		return nil, errors.New("api: a relay host is required")
	}
	if cfg.RelayerToken == "" {
		log.Warn("No relayer token configured, mutating routes are " +
			"unauthenticated")
	}
	s := &Server{
		cfg:     cfg,
		limiter: NewRateLimiter(),
		router:  mux.NewRouter(),
	}
	s.route()
	return s, nil
}

// route configures the http router of the API.
func (s *Server) route() {
	s.router.Use(s.observeMiddleware)

	// Metrics are scraped without rate limiting.
	if s.cfg.Metrics != nil {
		s.router.Handle("/metrics", s.cfg.Metrics).Methods("GET")
	}

	// Routes changing pool state on behalf of accounts are relayed.
	relayRouter := s.router.NewRoute().Subrouter()
	relayRouter.Use(s.rateLimitMiddleware(RelayerClient))
	relayRouter.Use(s.relayerAuthMiddleware)
	relayRouter.HandleFunc("/deposit_and_stake", s.depositAndStake).Methods("POST")
	relayRouter.HandleFunc("/withdraw", s.withdraw).Methods("POST")
	relayRouter.HandleFunc("/claim", s.claim).Methods("POST")
	relayRouter.HandleFunc("/ft_on_transfer", s.ftOnTransfer).Methods("POST")
	relayRouter.HandleFunc("/farm/{farmID:[0-9]+}/reclaim", s.reclaim).Methods("POST")
	relayRouter.HandleFunc("/host/callback", s.hostCallback).Methods("POST")
	relayRouter.HandleFunc("/host/balance", s.hostBalance).Methods("POST")
	relayRouter.HandleFunc("/host/actions", s.hostActions).Methods("GET")
	if s.cfg.HTTPBackupDB != nil {
		relayRouter.HandleFunc("/backup", s.downloadDatabaseBackup).Methods("GET")
	}

	// Public routes.
	userRouter := s.router.NewRoute().Subrouter()
	userRouter.Use(s.rateLimitMiddleware(UserClient))
	userRouter.HandleFunc("/ping", s.ping).Methods("POST")
	userRouter.HandleFunc("/pool", s.poolInfo).Methods("GET")
	userRouter.HandleFunc("/farms", s.farms).Methods("GET")
	userRouter.HandleFunc("/farms/active", s.activeFarms).Methods("GET")
	userRouter.HandleFunc("/account/{accountID}", s.account).Methods("GET")
	userRouter.HandleFunc("/account/{accountID}/balance", s.accountBalance).Methods("GET")
	userRouter.HandleFunc("/account/{accountID}/farm/{farmID:[0-9]+}/unclaimed",
		s.unclaimedReward).Methods("GET")
}

// ServeHTTP dispatches the request to the API router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// observeMiddleware reports every served request.
func (s *Server) observeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.ObserveRequest == nil {
			next.ServeHTTP(w, r)
			return
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := "unknown"
		if current := mux.CurrentRoute(r); current != nil {
			if tmpl, err := current.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		s.cfg.ObserveRequest(route, rec.status)
	})
}

// clientIP returns the host portion of the request's remote address.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// rateLimitMiddleware returns a "429 Too Many Requests" response if the client
// has exceeded its allowed limit, otherwise passes the request to the next
// middleware/handler.
func (s *Server) rateLimitMiddleware(clientType string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !s.limiter.WithinLimit(clientIP(r), clientType) {
				http.Error(w, "Request limit exceeded",
					http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// relayerAuthMiddleware rejects requests without the relayer's bearer token
// when one is configured.
func (s *Server) relayerAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.RelayerToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(token),
			[]byte(s.cfg.RelayerToken)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Run serves the API until the provided context is canceled.
func (s *Server) Run(ctx context.Context) {
	server := http.Server{
		// Use the provided context as the parent context for all requests to
		// ensure handlers are able to react to both client disconnects as well
		// as shutdown via the provided context.
		BaseContext: func(l net.Listener) context.Context {
			return ctx
		},

		WriteTimeout: time.Second * 30,
		ReadTimeout:  time.Second * 30,
		IdleTimeout:  time.Second * 30,
		Addr:         s.cfg.APIListen,
		Handler:      s.router,
	}

	go func() {
		log.Infof("Starting API server on %s (http)", s.cfg.APIListen)
		if err := server.ListenAndServe(); err != nil &&
			!errors.Is(err, http.ErrServerClosed) {
			log.Error(err)
		}
	}()

	// Wait until the context is canceled and gracefully shutdown the server.
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorf("unable to shutdown API server: %v", err)
	}
}
