package session

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"relay/cmd/internal/rpc"
	svc "relay/shared/contracts/services/v1"
)

// RegisterRPC exposes s on srv under the identity operations.
func RegisterRPC(srv *rpc.Server, s *Service) {
	h := &rpcHandlers{svc: s, now: time.Now}

	srv.Handle(svc.OpIssueSession, h.issueSession)
	srv.Handle(svc.OpRenewSession, h.renewSession)
	srv.Handle(svc.OpRevokeSessions, h.revokeSessions)
	srv.Handle(svc.OpListSessions, h.listSessions)
	srv.Handle(svc.OpLogin, h.login)
	srv.Handle(svc.OpRegister, h.register)
}

type rpcHandlers struct {
	svc *Service
	now func() time.Time
}

func (h *rpcHandlers) issueSession(ctx context.Context, payload json.RawMessage) (any, error) {
	var req svc.IssueSessionRequest
	if err := rpc.Decode(payload, &req); err != nil {
		return nil, err
	}
	if err := validateOwner(req.OwnerID); err != nil {
		return nil, err
	}
	issued, err := h.svc.IssueSession(ctx, h.now(), req.OwnerID, req.Role, req.DeviceLabel)
	if err != nil {
		return nil, wireError(err)
	}
	return issued.Contract(), nil
}

func (h *rpcHandlers) renewSession(ctx context.Context, payload json.RawMessage) (any, error) {
	var req svc.RenewSessionRequest
	if err := rpc.Decode(payload, &req); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.RefreshToken) == "" {
		return nil, rpc.Error{Code: svc.CodeInvalidToken, Message: "refresh token required"}
	}
	r, err := h.svc.Renew(ctx, h.now(), req.RefreshToken, req.AccessToken)
	if err != nil {
		return nil, wireError(err)
	}
	return svc.RenewSessionResponse{
		Session:         r.Session,
		AccessToken:     r.AccessToken,
		AccessExpiresAt: r.AccessExp,
		Role:            r.Role,
		Reminted:        r.Reminted,
	}, nil
}

func (h *rpcHandlers) revokeSessions(ctx context.Context, payload json.RawMessage) (any, error) {
	var req svc.RevokeSessionsRequest
	if err := rpc.Decode(payload, &req); err != nil {
		return nil, err
	}
	if err := validateOwner(req.OwnerID); err != nil {
		return nil, err
	}
	n, err := h.svc.RevokeSessions(ctx, req.OwnerID, req.SessionIDs...)
	if err != nil {
		return nil, wireError(err)
	}
	return svc.RevokeSessionsResponse{Revoked: n}, nil
}

func (h *rpcHandlers) listSessions(ctx context.Context, payload json.RawMessage) (any, error) {
	var req svc.ListSessionsRequest
	if err := rpc.Decode(payload, &req); err != nil {
		return nil, err
	}
	if err := validateOwner(req.OwnerID); err != nil {
		return nil, err
	}
	list, err := h.svc.ListSessions(ctx, h.now(), req.OwnerID)
	if err != nil {
		return nil, wireError(err)
	}
	return svc.ListSessionsResponse{Sessions: list}, nil
}

func (h *rpcHandlers) login(ctx context.Context, payload json.RawMessage) (any, error) {
	var req svc.LoginRequest
	if err := rpc.Decode(payload, &req); err != nil {
		return nil, err
	}
	user, issued, err := h.svc.Login(ctx, h.now(), req.Username, req.Password, req.DeviceLabel)
	if err != nil {
		return nil, wireError(err)
	}
	return svc.LoginResponse{User: user, Session: issued.Contract()}, nil
}

func (h *rpcHandlers) register(ctx context.Context, payload json.RawMessage) (any, error) {
	var req svc.RegisterRequest
	if err := rpc.Decode(payload, &req); err != nil {
		return nil, err
	}
	user, issued, err := h.svc.Register(ctx, h.now(), req.Username, req.Password, req.DeviceLabel)
	if err != nil {
		return nil, wireError(err)
	}
	return svc.LoginResponse{User: user, Session: issued.Contract()}, nil
}

func validateOwner(id string) error {
	if strings.TrimSpace(id) == "" {
		return rpc.Error{Code: rpc.CodeInvalidInput, Message: "ownerId required"}
	}
	return nil
}

var wireCodes = []struct {
	err  error
	code string
}{
	{ErrInvalidSignature, svc.CodeInvalidSignature},
	{ErrExpired, svc.CodeExpired},
	{ErrSessionRevoked, svc.CodeSessionRevoked},
	{ErrInvalidToken, svc.CodeInvalidToken},
	{ErrInvalidCredentials, svc.CodeInvalidCredentials},
	{ErrAccountLocked, svc.CodeAccountLocked},
	{ErrUsernameTaken, svc.CodeConflict},
	{ErrInvalidInput, rpc.CodeInvalidInput},
}

// wireError maps a Service error to its stable wire code.
// Anything unmapped is reported as internal by the server. Invalid input
// keeps its full text so the caller learns which field was rejected.
func wireError(err error) error {
	for _, wc := range wireCodes {
		if !errors.Is(err, wc.err) {
			continue
		}
		msg := wc.err.Error()
		if wc.err == ErrInvalidInput {
			msg = err.Error()
		}
		return rpc.Error{Code: wc.code, Message: msg}
	}
	return err
}

// fromWire maps a remote error code back to the matching sentinel.
func fromWire(err error) error {
	var re *rpc.RemoteError
	if !errors.As(err, &re) {
		return err
	}
	for _, wc := range wireCodes {
		if re.Code == wc.code {
			return errors.Join(wc.err, err)
		}
	}
	return err
}
