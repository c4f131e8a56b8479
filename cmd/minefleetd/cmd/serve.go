package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/bokiko/bloxos-sub000/internal/agentserver"
	"github.com/bokiko/bloxos-sub000/internal/alert"
	"github.com/bokiko/bloxos-sub000/internal/control"
	"github.com/bokiko/bloxos-sub000/internal/miner"
	"github.com/bokiko/bloxos-sub000/internal/notify"
	"github.com/bokiko/bloxos-sub000/internal/overclock"
	"github.com/bokiko/bloxos-sub000/internal/scheduler"
	"github.com/bokiko/bloxos-sub000/internal/sshexec"
	"github.com/bokiko/bloxos-sub000/internal/store"
	"github.com/bokiko/bloxos-sub000/internal/telemetry"
	"github.com/bokiko/bloxos-sub000/internal/validate"
	"github.com/bokiko/bloxos-sub000/internal/vault"
	"github.com/bokiko/bloxos-sub000/pkg/models"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the fleet control daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context) error {
	if cfg.Vault.Secret == "" {
		return fmt.Errorf("VAULT_SECRET is required to run the daemon")
	}

	v, err := vault.New(cfg.Vault.Secret)
	if err != nil {
		return fmt.Errorf("failed to initialize vault: %w", err)
	}

	db, err := store.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	gatewayOpts := []sshexec.Option{
		sshexec.WithDialTimeout(cfg.SSH.DialTimeout),
		sshexec.WithExecTimeout(cfg.SSH.ExecTimeout),
	}
	if cfg.SSH.KnownHostsFile != "" {
		hostKeys, err := knownhosts.New(cfg.SSH.KnownHostsFile)
		if err != nil {
			return fmt.Errorf("failed to load known hosts: %w", err)
		}
		gatewayOpts = append(gatewayOpts, sshexec.WithHostKeyCallback(hostKeys))
	}
	gateway := sshexec.NewGateway(v, gatewayOpts...)

	alerts := alert.NewEngine(db, notify.NewLog(), alert.WithCooldown(cfg.Alert.Cooldown))

	poller := telemetry.NewPoller(db, gateway, alerts,
		telemetry.WithHwmonPath(cfg.Poll.HwmonPath),
		telemetry.WithRAPLPath(cfg.Poll.RAPLPath),
	)

	jwt := agentserver.NewJWTManager(cfg.Auth.JWTSecretKey)
	hub := agentserver.NewHub(jwt)
	agents := agentserver.NewServer(db, alerts, hub,
		agentserver.WithAuthTimeout(cfg.Agent.AuthTimeout),
		agentserver.WithHeartbeatTimeout(cfg.Agent.HeartbeatTimeout),
	)

	dispatcher := control.NewDispatcher(db, gateway,
		miner.NewController(gateway, db, nil),
		overclock.NewController(gateway, db),
		agents,
	)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	pollSched := scheduler.New(cfg.Poll.Interval, poller.RunCycle)
	pollSched.Start(ctx)
	defer pollSched.Stop()

	sweepSched := scheduler.New(cfg.Agent.SweepInterval, func(ctx context.Context) {
		if err := agents.SweepOnce(ctx); err != nil {
			log.Warn().Err(err).Msg("Heartbeat sweep failed")
		}
	})
	sweepSched.Start(ctx)
	defer sweepSched.Stop()

	server := &http.Server{
		Addr:    cfg.ListenAddress(),
		Handler: setupRouter(db, v, agents, hub, jwt, dispatcher),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("HTTP server shutdown failed")
		}
	}()

	log.Info().
		Str("address", cfg.ListenAddress()).
		Dur("poll_interval", cfg.Poll.Interval).
		Str("database", cfg.Database.Path).
		Msg("Starting fleet control daemon")
	log.Info().Msgf("Health check: http://%s/health", cfg.ListenAddress())
	log.Info().Msgf("Metrics: http://%s/metrics", cfg.ListenAddress())

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

func setupRouter(db store.Store, v *vault.Vault, agents *agentserver.Server, hub *agentserver.Hub, jwt *agentserver.JWTManager, dispatcher *control.Dispatcher) http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": "minefleetd"})
	}).Methods("GET")

	r.HandleFunc("/status", func(w http.ResponseWriter, req *http.Request) {
		rigs, err := db.ListRigs(req.Context())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list rigs"})
			return
		}
		online := 0
		for _, rig := range rigs {
			if rig.Status == models.RigStatusOnline {
				online++
			}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"rigs_total":  len(rigs),
			"rigs_online": online,
			"agents":      agents.Registry().Snapshot(),
			"dashboards":  hub.SubscriberCount(),
		})
	}).Methods("GET")

	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	r.HandleFunc("/agent/ws", agents.HandleAgent)
	r.Handle("/dashboard/ws", hub)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(requireJWT(jwt))
	api.HandleFunc("/rigs", handleListRigs(db)).Methods("GET")
	api.HandleFunc("/rigs", handleCreateRig(db, v)).Methods("POST")
	api.HandleFunc("/rigs/{id}/commands", handleDispatch(dispatcher)).Methods("POST")

	return r
}

// requireJWT guards the operator API with the same tokens the
// dashboard uses.
func requireJWT(jwt *agentserver.JWTManager) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if _, err := jwt.ValidateToken(token); err != nil {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type createRigRequest struct {
	models.Rig
	Credential *struct {
		Host       string `json:"host"`
		Port       int    `json:"port"`
		Username   string `json:"username"`
		Password   string `json:"password,omitempty"`
		PrivateKey string `json:"privateKey,omitempty"`
	} `json:"credential,omitempty"`
}

func handleCreateRig(db store.Store, v *vault.Vault) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createRigRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid rig payload"})
			return
		}

		if req.Status == "" {
			req.Status = models.RigStatusOffline
		}
		if err := db.CreateRig(r.Context(), &req.Rig); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to create rig"})
			return
		}

		if req.Credential != nil {
			cred := &models.Credential{
				RigID:    req.ID,
				Host:     req.Credential.Host,
				Port:     req.Credential.Port,
				Username: req.Credential.Username,
			}
			var err error
			if req.Credential.Password != "" {
				if cred.Password, err = v.Encrypt(req.Credential.Password); err != nil {
					writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to encrypt credential"})
					return
				}
			}
			if req.Credential.PrivateKey != "" {
				if cred.PrivateKey, err = v.Encrypt(req.Credential.PrivateKey); err != nil {
					writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to encrypt credential"})
					return
				}
			}
			if err := db.PutCredential(r.Context(), cred); err != nil {
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to store credential"})
				return
			}
		}

		log.Info().Str("rig_id", req.ID).Msg("Rig registered")
		writeJSON(w, http.StatusCreated, req.Rig)
	}
}

func handleListRigs(db store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rigs, err := db.ListRigs(r.Context())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list rigs"})
			return
		}
		writeJSON(w, http.StatusOK, rigs)
	}
}

type dispatchRequest struct {
	Type    models.CommandType     `json:"type"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

func handleDispatch(dispatcher *control.Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rigID := mux.Vars(r)["id"]

		var req dispatchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Type == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid command payload"})
			return
		}

		id, err := dispatcher.Dispatch(r.Context(), rigID, req.Type, req.Payload)
		if err != nil {
			status := http.StatusInternalServerError
			switch {
			case errors.Is(err, store.ErrNotFound):
				status = http.StatusNotFound
			case errors.Is(err, sshexec.ErrConnect), errors.Is(err, sshexec.ErrAuth):
				status = http.StatusBadGateway
			case isValidationError(err):
				status = http.StatusBadRequest
			}
			writeJSON(w, status, map[string]string{"error": err.Error(), "commandId": id})
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"commandId": id})
	}
}

func isValidationError(err error) bool {
	return errors.Is(err, validate.ErrValidation) || errors.Is(err, validate.ErrInvalidCommand)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("Failed to encode response")
	}
}
