package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"keypaird/internal/domain"
	"keypaird/internal/infra/workpool"
	"keypaird/internal/usecase"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

type generateRequest struct {
	Name       string         `json:"name"`
	Type       string         `json:"type"`
	Algorithm  string         `json:"algorithm"`
	SizeBits   int            `json:"sizeBits"`
	KeySize    int            `json:"keySize"`
	Passphrase string         `json:"passphrase"`
	Metadata   map[string]any `json:"metadata"`
}

type generateResponse struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Type         string    `json:"type"`
	Algorithm    string    `json:"algorithm"`
	SizeBits     int       `json:"sizeBits"`
	CreatedAt    time.Time `json:"createdAt"`
	PublicKey    string    `json:"publicKey"`
	SSHPublicKey string    `json:"sshPublicKey,omitempty"`
	Fingerprint  string    `json:"fingerprint,omitempty"`
	Encrypted    bool      `json:"encrypted"`
}

type privateKeyRequest struct {
	Passphrase string `json:"passphrase"`
}

type updateRequest struct {
	Metadata map[string]any `json:"metadata"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginUser struct {
	Username string      `json:"username"`
	Role     domain.Role `json:"role"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	User      loginUser `json:"user"`
}

func (s *Server) handleGenerate(c *gin.Context) {
	var req generateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid JSON body")
		return
	}
	sizeBits := req.SizeBits
	if sizeBits == 0 {
		sizeBits = req.KeySize
	}
	view, err := s.keypairs.Generate(c.Request.Context(), usecase.GenerateInput{
		Name:       req.Name,
		Type:       domain.KeyType(req.Type),
		Algorithm:  domain.Algorithm(req.Algorithm),
		SizeBits:   sizeBits,
		Passphrase: req.Passphrase,
		Metadata:   req.Metadata,
	})
	if err != nil {
		s.fail(c, "generate", err)
		return
	}
	principal, _ := getPrincipal(c)
	s.log.Info("keypair generated",
		zap.String("id", view.ID),
		zap.String("name", view.Name),
		zap.String("algorithm", string(view.Algorithm)),
		zap.Bool("encrypted", view.Encrypted),
		zap.String("subject", principal.Subject),
	)
	c.JSON(http.StatusCreated, generateResponse{
		ID:           view.ID,
		Name:         view.Name,
		Type:         string(view.Type),
		Algorithm:    string(view.Algorithm),
		SizeBits:     view.SizeBits,
		CreatedAt:    view.CreatedAt,
		PublicKey:    view.PublicKey,
		SSHPublicKey: view.SSHPublicKey,
		Fingerprint:  view.Fingerprint,
		Encrypted:    view.Encrypted,
	})
}

func (s *Server) handleList(c *gin.Context) {
	views, err := s.keypairs.List(c.Request.Context(), c.Query("prefix"))
	if err != nil {
		s.fail(c, "list", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"keypairs": views})
}

func (s *Server) handleGet(c *gin.Context) {
	view, err := s.keypairs.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, "get", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"keypair": view})
}

func (s *Server) handleGetPrivate(c *gin.Context) {
	id := c.Param("id")
	principal, _ := getPrincipal(c)
	if !s.enforceRateLimit(c, routeKeyPrivate, principal.Subject, id) {
		return
	}
	var req privateKeyRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeErrorCode(c, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid JSON body")
			return
		}
	}
	privateKey, err := s.keypairs.GetPrivate(c.Request.Context(), id, req.Passphrase)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidPassphrase) {
			s.log.Warn("private key access denied", zap.String("id", id), zap.String("subject", principal.Subject))
		}
		s.fail(c, "get_private", err)
		return
	}
	s.log.Info("private key retrieved", zap.String("id", id), zap.String("subject", principal.Subject))
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, gin.H{"privateKey": privateKey})
}

func (s *Server) handleUpdate(c *gin.Context) {
	var req updateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid JSON body")
		return
	}
	// A body without metadata clears it.
	if req.Metadata == nil {
		req.Metadata = map[string]any{}
	}
	view, err := s.keypairs.UpdateMetadata(c.Request.Context(), c.Param("id"), req.Metadata)
	if err != nil {
		s.fail(c, "update", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"keypair": view})
}

func (s *Server) handleDelete(c *gin.Context) {
	view, err := s.keypairs.Delete(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, "delete", err)
		return
	}
	principal, _ := getPrincipal(c)
	s.log.Info("keypair deleted", zap.String("id", view.ID), zap.String("name", view.Name), zap.String("subject", principal.Subject))
	c.JSON(http.StatusOK, gin.H{"message": fmt.Sprintf("Keypair '%s' deleted successfully", view.Name)})
}

func (s *Server) handleLogin(c *gin.Context) {
	if s.accounts == nil {
		writeErrorCode(c, http.StatusNotFound, "NOT_FOUND", "login is not enabled")
		return
	}
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid JSON body")
		return
	}
	if !s.enforceRateLimit(c, routeLogin, clientIP(c), strings.ToLower(strings.TrimSpace(req.Username))) {
		return
	}
	res, err := s.accounts.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidCredentials) {
			s.log.Info("login failed", zap.String("client_ip", clientIP(c)))
		}
		s.fail(c, "login", err)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, loginResponse{
		Token:     res.Token,
		ExpiresAt: res.ExpiresAt,
		User:      loginUser{Username: res.Account.Username, Role: res.Account.Role},
	})
}

// fail records storage failures and writes the mapped response.
func (s *Server) fail(c *gin.Context, op string, err error) {
	if errors.Is(err, domain.ErrStorage) {
		s.metrics.StoreError(op)
	}
	writeError(c, s.log, err)
}

func writeError(c *gin.Context, log *zap.Logger, err error) {
	status, code, message := http.StatusInternalServerError, "INTERNAL", "internal error"
	var validation *domain.ValidationError
	switch {
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_ARGUMENT", Message: validation.Error(), Field: validation.Field})
		return
	case errors.Is(err, domain.ErrValidation):
		status, code, message = http.StatusBadRequest, "INVALID_ARGUMENT", err.Error()
	case errors.Is(err, domain.ErrInvalidPassphrase):
		status, code, message = http.StatusUnauthorized, "INVALID_PASSPHRASE", "invalid passphrase"
	case errors.Is(err, domain.ErrInvalidCredentials):
		status, code, message = http.StatusUnauthorized, "INVALID_CREDENTIALS", "invalid credentials"
	case errors.Is(err, domain.ErrPrivateKeyUnavailable):
		status, code, message = http.StatusNotFound, "NOT_FOUND", "private key not available"
	case errors.Is(err, domain.ErrNotFound):
		status, code, message = http.StatusNotFound, "NOT_FOUND", "keypair not found"
	case errors.Is(err, domain.ErrConflict):
		status, code, message = http.StatusConflict, "CONFLICT", "keypair with this name already exists"
	case errors.Is(err, domain.ErrUnauthorized):
		status, code, message = http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized"
	case errors.Is(err, domain.ErrForbidden):
		status, code, message = http.StatusForbidden, "FORBIDDEN", "insufficient permissions"
	case errors.Is(err, domain.ErrRateLimited):
		status, code, message = http.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded"
	case errors.Is(err, domain.ErrStorage):
		log.Error("storage failure", zap.String("path", c.FullPath()), zap.Error(err))
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled), errors.Is(err, workpool.ErrPoolShutdown):
		status, code, message = http.StatusServiceUnavailable, "UNAVAILABLE", "service temporarily unavailable"
		log.Warn("request aborted", zap.String("path", c.FullPath()), zap.Error(err))
	default:
		log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	writeErrorCode(c, status, code, message)
}

func writeErrorCode(c *gin.Context, status int, code, message string) {
	c.JSON(status, errorResponse{
		Code:    code,
		Message: message,
	})
}
