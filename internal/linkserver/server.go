// Package linkserver serves the linking protocol's callable surface over
// HTTP: the four session operations plus push-token registration, wrapped in
// the {"data"}/{"result"} envelope convention with gRPC-named error statuses.
package linkserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"google.golang.org/grpc/codes"

	"github.com/baytro/tenantlink/internal/linking/domain"
	"github.com/baytro/tenantlink/internal/linking/linkerr"
	"github.com/baytro/tenantlink/internal/linking/push"
	"github.com/baytro/tenantlink/internal/linking/storage"
	"github.com/baytro/tenantlink/internal/linkserver/middleware"
	"github.com/baytro/tenantlink/internal/platform/id"
)

// DefaultSessionTTL bounds a session's life when the config does not say
// otherwise.
const DefaultSessionTTL = 5 * time.Minute

// Config carries the server's collaborators and policy.
type Config struct {
	Store  storage.Store
	Auth   Authenticator
	Sender push.Sender
	// SessionTTL is the expiry policy applied to new sessions; zero means
	// DefaultSessionTTL.
	SessionTTL time.Duration
	Clock      func() time.Time
	NewID      func() (string, error)
}

// Server implements the callable functions over a session store.
type Server struct {
	store  storage.Store
	auth   Authenticator
	sender push.Sender
	ttl    time.Duration
	clock  func() time.Time
	newID  func() (string, error)
}

// NewServer validates the config and builds a server.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Auth == nil {
		return nil, fmt.Errorf("authenticator is required")
	}
	s := &Server{
		store:  cfg.Store,
		auth:   cfg.Auth,
		sender: cfg.Sender,
		ttl:    cfg.SessionTTL,
		clock:  cfg.Clock,
		newID:  cfg.NewID,
	}
	if s.ttl <= 0 {
		s.ttl = DefaultSessionTTL
	}
	if s.clock == nil {
		s.clock = time.Now
	}
	if s.newID == nil {
		s.newID = id.NewID
	}
	return s, nil
}

// Router builds the gin engine serving the callable surface.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(middleware.RequestID())
	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.POST("/:function", s.handleCall)
	return router
}

type apiError struct {
	status  codes.Code
	message string
}

func (e *apiError) Error() string { return e.message }

func errf(status codes.Code, format string, args ...any) *apiError {
	return &apiError{status: status, message: fmt.Sprintf(format, args...)}
}

type callEnvelope struct {
	Data json.RawMessage `json:"data"`
}

func (s *Server) handleCall(c *gin.Context) {
	function := c.Param("function")

	var envelope callEnvelope
	if err := c.ShouldBindJSON(&envelope); err != nil {
		writeError(c, errf(codes.InvalidArgument, "malformed request body"))
		return
	}

	userID, err := s.authenticate(c)
	if err != nil {
		writeError(c, err)
		return
	}

	var result any
	var callErr error
	ctx := c.Request.Context()
	switch function {
	case "generateQrSession":
		result, callErr = s.generate(ctx, userID, envelope.Data)
	case "processQrScan":
		result, callErr = s.scan(ctx, userID, envelope.Data)
	case "confirmTenantLink":
		result, callErr = s.decide(ctx, userID, envelope.Data, true)
	case "declineTenantLink":
		result, callErr = s.decide(ctx, userID, envelope.Data, false)
	case "updatePushToken":
		result, callErr = s.updatePushToken(ctx, userID, envelope.Data)
	default:
		callErr = errf(codes.NotFound, "unknown function %q", function)
	}
	if callErr != nil {
		writeError(c, callErr)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result})
}

func (s *Server) authenticate(c *gin.Context) (string, error) {
	header := c.GetHeader("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		return "", errf(codes.Unauthenticated, "authentication required")
	}
	userID, err := s.auth.Authenticate(c.Request.Context(), token)
	if err != nil {
		return "", errf(codes.Unauthenticated, "authentication required")
	}
	return userID, nil
}

type generateRequest struct {
	ContractID string `json:"contractId"`
}

func (s *Server) generate(ctx context.Context, userID string, data json.RawMessage) (any, error) {
	var req generateRequest
	if err := unmarshalData(data, &req); err != nil {
		return nil, err
	}
	req.ContractID = strings.TrimSpace(req.ContractID)
	if req.ContractID == "" {
		return nil, errf(codes.InvalidArgument, "contract id is required")
	}

	contract, err := s.store.GetContract(ctx, req.ContractID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, errf(codes.NotFound, "contract not found")
		}
		return nil, mapStoreError(err)
	}
	if contract.LandlordID != userID {
		return nil, errf(codes.PermissionDenied, "caller does not own this contract")
	}

	session, err := domain.CreateSession(domain.CreateSessionInput{
		ContractID: req.ContractID,
		InviterID:  userID,
		TTL:        s.ttl,
	}, s.clock, s.newID)
	if err != nil {
		return nil, errf(codes.Internal, "create session: %v", err)
	}
	if err := s.store.CreateSession(ctx, session); err != nil {
		return nil, mapStoreError(err)
	}
	return gin.H{"sessionId": session.ID}, nil
}

type sessionRequest struct {
	SessionID string `json:"sessionId"`
}

func (s *Server) scan(ctx context.Context, userID string, data json.RawMessage) (any, error) {
	var req sessionRequest
	if err := unmarshalData(data, &req); err != nil {
		return nil, err
	}
	req.SessionID = strings.TrimSpace(req.SessionID)
	if req.SessionID == "" {
		return nil, errf(codes.InvalidArgument, "session id is required")
	}

	session, err := s.store.ScanSession(ctx, req.SessionID, userID, s.clock())
	if err != nil {
		return nil, mapStoreError(err)
	}

	s.notifyJoinRequest(ctx, session)
	return gin.H{"status": "success"}, nil
}

func (s *Server) decide(ctx context.Context, userID string, data json.RawMessage, confirm bool) (any, error) {
	var req sessionRequest
	if err := unmarshalData(data, &req); err != nil {
		return nil, err
	}
	req.SessionID = strings.TrimSpace(req.SessionID)
	if req.SessionID == "" {
		return nil, errf(codes.InvalidArgument, "session id is required")
	}

	session, err := s.store.GetSession(ctx, req.SessionID)
	if err != nil {
		return nil, mapStoreError(err)
	}
	if session.InviterID != userID {
		return nil, errf(codes.PermissionDenied, "caller did not create this session")
	}

	if confirm {
		session, err = s.store.ConfirmSession(ctx, req.SessionID, s.clock())
	} else {
		session, err = s.store.DeclineSession(ctx, req.SessionID, s.clock())
	}
	if err != nil {
		return nil, mapStoreError(err)
	}

	if confirm {
		s.notifyConfirmed(ctx, session)
	}
	// A declined tenant receives nothing; they learn of the outcome only by
	// the absence of a pending session on their next check.
	return gin.H{}, nil
}

type tokenUpdateRequest struct {
	PushToken string `json:"pushToken"`
}

func (s *Server) updatePushToken(ctx context.Context, userID string, data json.RawMessage) (any, error) {
	var req tokenUpdateRequest
	if err := unmarshalData(data, &req); err != nil {
		return nil, err
	}
	req.PushToken = strings.TrimSpace(req.PushToken)
	if req.PushToken == "" {
		return nil, errf(codes.InvalidArgument, "push token is required")
	}
	if err := s.store.SetPushToken(ctx, userID, req.PushToken); err != nil {
		return nil, mapStoreError(err)
	}
	return gin.H{}, nil
}

// notifyJoinRequest tells the inviter a tenant scanned their code. Push is
// best-effort; the landlord's live subscription remains the source of truth.
func (s *Server) notifyJoinRequest(ctx context.Context, session domain.QrSession) {
	if s.sender == nil {
		return
	}
	body := "A tenant wants to join your contract"
	if user, err := s.store.GetUser(ctx, session.TenantID); err == nil && user.Name != "" {
		body = user.Name + " wants to join your contract"
	}
	err := s.sender.Send(ctx, session.InviterID, push.Notification{
		Title: "New join request",
		Body:  body,
		Data: map[string]string{
			push.DataKeyContractID: session.ContractID,
			push.DataKeyEvent:      push.EventJoinRequest,
		},
	})
	if err != nil {
		slog.Warn("join request push failed", "session_id", session.ID, "error", err)
	}
}

// notifyConfirmed tells the waiting tenant their request was approved.
func (s *Server) notifyConfirmed(ctx context.Context, session domain.QrSession) {
	if s.sender == nil {
		return
	}
	err := s.sender.Send(ctx, session.TenantID, push.Notification{
		Title: "Request approved",
		Body:  "You are now linked to your rental contract",
		Data: map[string]string{
			push.DataKeyContractID: session.ContractID,
		},
	})
	if err != nil {
		slog.Warn("confirmation push failed", "session_id", session.ID, "error", err)
	}
}

func unmarshalData(data json.RawMessage, out any) error {
	if len(data) == 0 {
		return errf(codes.InvalidArgument, "request data is required")
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errf(codes.InvalidArgument, "malformed request data")
	}
	return nil
}

func mapStoreError(err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return errf(codes.NotFound, "session not found")
	case errors.Is(err, storage.ErrExpired):
		return errf(codes.DeadlineExceeded, "session expired")
	case errors.Is(err, storage.ErrConflict):
		return errf(codes.AlreadyExists, "session already claimed")
	case errors.Is(err, storage.ErrInvalidState):
		return errf(codes.FailedPrecondition, "session is not awaiting a decision")
	case errors.Is(err, storage.ErrTenantAlreadyLinked):
		return errf(codes.FailedPrecondition, "tenant already linked to a contract")
	default:
		return errf(codes.Internal, "internal error")
	}
}

func writeError(c *gin.Context, err error) {
	var apiErr *apiError
	if !errors.As(err, &apiErr) {
		apiErr = errf(codes.Internal, "internal error")
	}
	c.JSON(httpStatus(apiErr.status), gin.H{
		"error": gin.H{
			"status":  linkerr.StatusName(apiErr.status),
			"message": apiErr.message,
		},
	})
}

// httpStatus maps a gRPC status code to the HTTP status the callable
// convention pairs with it.
func httpStatus(code codes.Code) int {
	switch code {
	case codes.OK:
		return http.StatusOK
	case codes.InvalidArgument, codes.FailedPrecondition, codes.OutOfRange:
		return http.StatusBadRequest
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.NotFound:
		return http.StatusNotFound
	case codes.AlreadyExists, codes.Aborted:
		return http.StatusConflict
	case codes.ResourceExhausted:
		return http.StatusTooManyRequests
	case codes.Unimplemented:
		return http.StatusNotImplemented
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
