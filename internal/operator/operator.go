// Package operator is the execution core's human-facing control surface:
// `/status` and `/health` for observability, `/arm`/`/disarm`/`/halt` for
// mode overrides, and `/flatten` to reduce every open position to zero
// (spec §4.6, §7). Every mutating endpoint requires a bearer JWT with the
// "operator" role and is journaled through logging.Logger.LogAudit. The
// router shape follows the teacher's marble.Service.Router()
// (gorilla/mux); JWT bearer validation follows
// internal/app/httpapi/auth.go's SupabaseJWTValidator.
package operator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/sirupsen/logrus"

	"github.com/r3e-network/execution-core/internal/clock"
	"github.com/r3e-network/execution-core/internal/intent"
	"github.com/r3e-network/execution-core/internal/logging"
	"github.com/r3e-network/execution-core/internal/metrics"
	"github.com/r3e-network/execution-core/internal/modemachine"
	"github.com/r3e-network/execution-core/internal/ordermanager"
	"github.com/r3e-network/execution-core/internal/policy"
	"github.com/r3e-network/execution-core/internal/reconciler"
	"github.com/r3e-network/execution-core/internal/shadowstate"
	"github.com/r3e-network/execution-core/internal/venue"
)

type actorKey struct{}

// Claims is the JWT payload an operator bearer token carries.
type Claims struct {
	Subject string `json:"sub"`
	Role    string `json:"role"`
	jwt.RegisteredClaims
}

// Config wires an Operator's collaborators and auth secret.
type Config struct {
	JWTSecret    []byte
	RequiredRole string // default "operator"

	Mode         *modemachine.Machine
	PolicyStore  *policy.Store
	State        *shadowstate.State
	Reconciler   *reconciler.Reconciler
	OrderManager *ordermanager.Manager
	Venues       map[string]venue.Adapter
	Cache        HeartbeatSource
	Logger       *logging.Logger
	Metrics      *metrics.Metrics
	IDs          *clock.Sequence
}

// HeartbeatSource resolves the last heartbeat observed from a venue, for
// the /health dependency check.
type HeartbeatSource interface {
	LastHeartbeat(venueName string) (time.Time, bool)
}

func (c Config) withDefaults() Config {
	if c.RequiredRole == "" {
		c.RequiredRole = "operator"
	}
	if c.IDs == nil {
		c.IDs = &clock.Sequence{Prefix: "flat"}
	}
	return c
}

// Operator serves the control-plane HTTP API.
type Operator struct {
	cfg    Config
	router *mux.Router
}

// New builds an Operator and wires its routes.
func New(cfg Config) *Operator {
	o := &Operator{cfg: cfg.withDefaults(), router: mux.NewRouter()}
	o.router.HandleFunc("/health", o.health).Methods(http.MethodGet)
	o.router.Handle("/status", o.authenticated(http.HandlerFunc(o.status))).Methods(http.MethodGet)
	o.router.Handle("/arm", o.authenticated(http.HandlerFunc(o.arm))).Methods(http.MethodPost)
	o.router.Handle("/disarm", o.authenticated(http.HandlerFunc(o.disarm))).Methods(http.MethodPost)
	o.router.Handle("/halt", o.authenticated(http.HandlerFunc(o.halt))).Methods(http.MethodPost)
	o.router.Handle("/flatten", o.authenticated(http.HandlerFunc(o.flatten))).Methods(http.MethodPost)
	return o
}

// Router exposes the underlying mux for embedding in a larger server, or
// for http.ListenAndServe directly.
func (o *Operator) Router() *mux.Router {
	return o.router
}

// authenticated requires a valid bearer JWT carrying the configured role.
func (o *Operator) authenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := o.validateToken(extractBearerToken(r))
		if err != nil {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeJSONError(w, http.StatusUnauthorized, err)
			return
		}
		if !strings.EqualFold(claims.Role, o.cfg.RequiredRole) {
			writeJSONError(w, http.StatusForbidden, fmt.Errorf("operator: role %q is not permitted", claims.Role))
			return
		}
		ctx := logging.WithOperatorID(r.Context(), claims.Subject)
		ctx = context.WithValue(ctx, actorKey{}, claims.Subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (o *Operator) validateToken(token string) (*Claims, error) {
	if token == "" {
		return nil, fmt.Errorf("operator: missing bearer token")
	}
	if len(o.cfg.JWTSecret) == 0 {
		return nil, fmt.Errorf("operator: jwt secret not configured")
	}
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("operator: unexpected signing method %v", t.Header["alg"])
		}
		return o.cfg.JWTSecret, nil
	})
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("operator: invalid token")
	}
	return claims, nil
}

func extractBearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	parts := strings.Fields(header)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

// healthResponse is returned by /health, unauthenticated so load balancers
// and orchestrators can probe liveness without a token.
type healthResponse struct {
	Status         string            `json:"status"`
	Mode           string            `json:"mode"`
	MemoryUsedPct  float64           `json:"memoryUsedPercent"`
	VenueHeartbeat map[string]string `json:"venueHeartbeat"`
}

func (o *Operator) health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", VenueHeartbeat: make(map[string]string)}
	if o.cfg.Mode != nil {
		mode, _, _ := o.cfg.Mode.Mode()
		resp.Mode = mode.String()
	}
	if vm, err := mem.VirtualMemoryWithContext(r.Context()); err == nil {
		resp.MemoryUsedPct = vm.UsedPercent
	}
	for name := range o.cfg.Venues {
		if o.cfg.Cache == nil {
			resp.VenueHeartbeat[name] = "unknown"
			continue
		}
		if last, ok := o.cfg.Cache.LastHeartbeat(name); ok {
			resp.VenueHeartbeat[name] = fmt.Sprintf("%v ago", time.Since(last).Round(time.Second))
		} else {
			resp.VenueHeartbeat[name] = "never"
			resp.Status = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// statusResponse is the operator-facing snapshot of system state (spec §7).
type statusResponse struct {
	Mode           string    `json:"mode"`
	Reason         string    `json:"reason"`
	Since          time.Time `json:"since"`
	Confidence     float64   `json:"reconcileConfidence"`
	PolicyVersion  int       `json:"policyVersion"`
	PolicyHash     string    `json:"policyHash"`
	OpenPositions  int       `json:"openPositionCount"`
	Suggestion     string    `json:"suggestion,omitempty"`
}

func (o *Operator) status(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{}
	if o.cfg.Mode != nil {
		mode, reason, since := o.cfg.Mode.Mode()
		resp.Mode = mode.String()
		resp.Reason = string(reason)
		resp.Since = since
		resp.Suggestion = suggestionFor(mode, reason)
	}
	if o.cfg.Reconciler != nil {
		resp.Confidence = o.cfg.Reconciler.Confidence()
	}
	if o.cfg.PolicyStore != nil {
		active, hash := o.cfg.PolicyStore.Active()
		resp.PolicyVersion = active.Version
		resp.PolicyHash = hash
	}
	if o.cfg.State != nil {
		resp.OpenPositions = len(o.cfg.State.Positions())
	}
	writeJSON(w, http.StatusOK, resp)
}

func suggestionFor(mode modemachine.Mode, reason modemachine.Reason) string {
	if mode == modemachine.Normal {
		return ""
	}
	switch reason {
	case modemachine.ReasonHeartbeatLoss:
		return "check venue connectivity, then clear once heartbeats resume"
	case modemachine.ReasonReconcileDrift:
		return "investigate drifted positions before clearing"
	case modemachine.ReasonSlippageBreach:
		return "review recent fills for execution quality before clearing"
	default:
		return "review mode reason before issuing /arm"
	}
}

// arm clears every mode restriction, returning the system to Normal.
func (o *Operator) arm(w http.ResponseWriter, r *http.Request) {
	if o.cfg.Mode != nil {
		o.cfg.Mode.Clear(modemachine.ReasonOperatorClear)
	}
	o.audit(r.Context(), "operator.arm", nil)
	writeJSON(w, http.StatusOK, map[string]string{"mode": "normal"})
}

// disarm moves the system from Normal to Cautious, restricting new opening
// intents to the remaining RiskGuard gates plus elevated scrutiny without a
// full halt. Cautious and Defensive are left unchanged; the response reports
// the mode in effect afterwards.
func (o *Operator) disarm(w http.ResponseWriter, r *http.Request) {
	current := modemachine.Cautious
	if o.cfg.Mode != nil {
		o.cfg.Mode.CautionOn(modemachine.ReasonOperatorOverride)
		current, _, _ = o.cfg.Mode.Mode()
	}
	o.audit(r.Context(), "operator.disarm", nil)
	writeJSON(w, http.StatusOK, map[string]string{"mode": current.String()})
}

// halt forces Defensive mode, blocking every opening intent immediately.
func (o *Operator) halt(w http.ResponseWriter, r *http.Request) {
	if o.cfg.Mode != nil {
		o.cfg.Mode.Escalate(modemachine.ReasonOperatorOverride)
	}
	o.audit(r.Context(), "operator.halt", nil)
	writeJSON(w, http.StatusOK, map[string]string{"mode": "defensive"})
}

// flattenIntent builds a reduce-only market order closing the given
// position: the opposite side of the position's sign, for its full size.
func flattenIntent(ids *clock.Sequence, pos shadowstate.Position) intent.Intent {
	side := intent.SideSell
	if pos.Size.Sign() < 0 {
		side = intent.SideBuy
	}
	id := ids.NewID()
	return intent.Intent{
		IntentID:   id,
		AccountID:  "operator",
		Venue:      pos.Venue,
		Symbol:     pos.Symbol,
		Side:       side,
		Type:       intent.TypeMarket,
		Size:       pos.Size.Abs(),
		ReduceOnly: true,
		Nonce:      id,
		Timestamp:  time.Now(),
	}
}

// flattenResult reports one submitted reduce-only order.
type flattenResult struct {
	Venue   string `json:"venue"`
	Symbol  string `json:"symbol"`
	Size    string `json:"size"`
	OrderID string `json:"orderId,omitempty"`
	Error   string `json:"error,omitempty"`
}

// flatten submits a reduce-only order against every nonzero open position,
// bypassing Gatekeeper/RiskGuard since it is an operator safety action, not
// a strategy-issued intent (spec §7 "always allowed to flatten down").
func (o *Operator) flatten(w http.ResponseWriter, r *http.Request) {
	if o.cfg.State == nil || o.cfg.OrderManager == nil {
		writeJSONError(w, http.StatusServiceUnavailable, fmt.Errorf("operator: flatten not wired"))
		return
	}
	var results []flattenResult
	for _, pos := range o.cfg.State.Positions() {
		if pos.Size.IsZero() {
			continue
		}
		in := flattenIntent(o.cfg.IDs, pos)
		order, err := o.cfg.OrderManager.Submit(r.Context(), in)
		res := flattenResult{Venue: pos.Venue, Symbol: pos.Symbol, Size: pos.Size.Abs().String()}
		if err != nil {
			res.Error = err.Error()
		} else {
			res.OrderID = order.OrderID
		}
		results = append(results, res)
	}
	o.audit(r.Context(), "operator.flatten", logrus.Fields{"positions": len(results)})
	writeJSON(w, http.StatusOK, map[string]interface{}{"orders": results})
}

func (o *Operator) audit(ctx context.Context, action string, details logrus.Fields) {
	if o.cfg.Logger == nil {
		return
	}
	actor, _ := ctx.Value(actorKey{}).(string)
	if actor == "" {
		actor = "operator"
	}
	o.cfg.Logger.LogAudit(ctx, action, actor, details)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
