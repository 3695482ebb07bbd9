// Package httpapi is the billing core's own HTTP control surface: the
// four endpoints spec names as a "collaborator, not core" interface for
// dialplan integration and administrative tooling.
package httpapi

import (
    "context"
    "encoding/json"
    "net/http"
    "time"

    "github.com/gorilla/mux"
    "github.com/shopspring/decimal"

    "github.com/telecom/billingcore/internal/billing"
    "github.com/telecom/billingcore/internal/models"
    "github.com/telecom/billingcore/internal/reservation"
    "github.com/telecom/billingcore/pkg/billingerr"
    "github.com/telecom/billingcore/pkg/logger"
)

// ReadyFunc reports whether the core is ready to accept authorization
// traffic; wired to the same checks the monitoring health service runs.
type ReadyFunc func(ctx context.Context) error

type Server struct {
    authz     *billing.Service
    reservMgr *reservation.Manager
    ready     ReadyFunc
    server    *http.Server
}

func NewServer(addr string, authz *billing.Service, reservMgr *reservation.Manager, ready ReadyFunc, readTimeout, writeTimeout time.Duration) *Server {
    s := &Server{authz: authz, reservMgr: reservMgr, ready: ready}

    router := mux.NewRouter()
    router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
    router.HandleFunc("/authorize", s.handleAuthorize).Methods(http.MethodPost)
    router.HandleFunc("/reservation/consume", s.handleConsume).Methods(http.MethodPost)
    router.HandleFunc("/freeswitch/authorize", s.handleFreeswitchAuthorize).Methods(http.MethodGet)

    s.server = &http.Server{
        Addr:         addr,
        Handler:      router,
        ReadTimeout:  readTimeout,
        WriteTimeout: writeTimeout,
    }

    return s
}

func (s *Server) Start() error {
    logger.WithField("addr", s.server.Addr).Info("http control surface started")
    return s.server.ListenAndServe()
}

func (s *Server) Stop(ctx context.Context) error {
    return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
    if s.ready != nil {
        if err := s.ready(r.Context()); err != nil {
            writeError(w, billingerr.New(billingerr.ErrInternal, "not ready"))
            return
        }
    }
    writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type authorizeRequest struct {
    Caller    string `json:"caller"`
    Callee    string `json:"callee"`
    CallUUID  string `json:"call_uuid"`
    Direction string `json:"direction"`
}

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
    var req authorizeRequest
    if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
        writeError(w, billingerr.New(billingerr.ErrInvalidRequest, "malformed request body"))
        return
    }
    if req.Caller == "" || req.Callee == "" {
        writeError(w, billingerr.New(billingerr.ErrInvalidRequest, "caller and callee are required"))
        return
    }

    direction := models.CDRDirectionOutbound
    if req.Direction == string(models.CDRDirectionInbound) {
        direction = models.CDRDirectionInbound
    }

    result, err := s.authz.Authorize(r.Context(), billing.AuthorizeInput{
        Caller:    req.Caller,
        Callee:    req.Callee,
        CallUUID:  req.CallUUID,
        Direction: direction,
    })
    if err != nil {
        writeError(w, err)
        return
    }

    writeJSON(w, http.StatusOK, result)
}

type consumeRequest struct {
    CallUUID    string `json:"call_uuid"`
    ActualCost  string `json:"actual_cost"`
    ActualBillsec int  `json:"actual_billsec"`
}

func (s *Server) handleConsume(w http.ResponseWriter, r *http.Request) {
    var req consumeRequest
    if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
        writeError(w, billingerr.New(billingerr.ErrInvalidRequest, "malformed request body"))
        return
    }
    if req.CallUUID == "" {
        writeError(w, billingerr.New(billingerr.ErrInvalidRequest, "call_uuid is required"))
        return
    }

    cost, err := parseDecimal(req.ActualCost)
    if err != nil {
        writeError(w, billingerr.New(billingerr.ErrInvalidRequest, "actual_cost must be a decimal string"))
        return
    }

    result, err := s.reservMgr.Consume(r.Context(), req.CallUUID, cost)
    if err != nil {
        writeError(w, err)
        return
    }

    writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleFreeswitchAuthorize(w http.ResponseWriter, r *http.Request) {
    q := r.URL.Query()
    caller := q.Get("caller")
    callee := q.Get("callee")
    callUUID := q.Get("uuid")

    if caller == "" || callee == "" {
        writeError(w, billingerr.New(billingerr.ErrInvalidRequest, "caller and callee query params are required"))
        return
    }

    result, err := s.authz.Authorize(r.Context(), billing.AuthorizeInput{
        Caller:    caller,
        Callee:    callee,
        CallUUID:  callUUID,
        Direction: models.CDRDirectionOutbound,
    })
    if err != nil {
        writeError(w, err)
        return
    }

    writeJSON(w, http.StatusOK, result)
}

func parseDecimal(s string) (decimal.Decimal, error) {
    if s == "" {
        return decimal.Zero, nil
    }
    return decimal.NewFromString(s)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
    w.Header().Set("Content-Type", "application/json")
    w.WriteHeader(status)
    json.NewEncoder(w).Encode(body)
}

type errorBody struct {
    Error   string `json:"error"`
    Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
    if ae, ok := err.(*billingerr.AppError); ok {
        writeJSON(w, ae.StatusCode, errorBody{Error: string(ae.Code), Message: ae.Message})
        return
    }
    writeJSON(w, http.StatusInternalServerError, errorBody{Error: string(billingerr.ErrInternal), Message: err.Error()})
}
