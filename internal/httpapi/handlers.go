package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	identity "github.com/cropai/identity"
	"github.com/cropai/identity/store"
)

type registerRequest struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
	Role     string `json:"role"`
}

type loginRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
	DeviceName string `json:"device_name"`
	DeviceType string `json:"device_type"`
}

type verifyMFARequest struct {
	ChallengeID string `json:"challenge_id"`
	Code        string `json:"code"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type resetRequest struct {
	Identifier string `json:"identifier"`
}

type resetConfirmRequest struct {
	Identifier  string `json:"identifier"`
	Code        string `json:"code"`
	NewPassword string `json:"new_password"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

type setupMFARequest struct {
	Method string `json:"method"`
	Phone  string `json:"phone"`
}

type verifyMFASetupRequest struct {
	Method string `json:"method"`
	Code   string `json:"code"`
}

type disableMFARequest struct {
	Password string `json:"password"`
}

type deviceRequest struct {
	DeviceID    string `json:"device_id"`
	Name        string `json:"name"`
	Type        string `json:"type"`
	TrustedDays int    `json:"trusted_days"`
}

type trustRequest struct {
	Trusted bool `json:"trusted"`
}

type deviceTokenRequest struct {
	DeviceToken string `json:"device_token"`
}

// loginResponse flattens a LoginResult. Token fields are only present when
// Status is authenticated; challenge fields only when MFA is required.
type loginResponse struct {
	Status       identity.LoginStatus      `json:"status"`
	AccessToken  string                    `json:"access_token,omitempty"`
	RefreshToken string                    `json:"refresh_token,omitempty"`
	TokenType    string                    `json:"token_type,omitempty"`
	ExpiresIn    int                       `json:"expires_in,omitempty"`
	ChallengeID  string                    `json:"challenge_id,omitempty"`
	MFAMethod    store.MFAMethod           `json:"mfa_method,omitempty"`
	Identity     *identity.IdentitySummary `json:"user,omitempty"`
	Device       *identity.DeviceGrant     `json:"device,omitempty"`
}

type identityResponse struct {
	ID       int64  `json:"id"`
	Email    string `json:"email"`
	Username string `json:"username"`
	FullName string `json:"full_name"`
	Active   bool   `json:"active"`
}

type historyResponse struct {
	Status        store.LoginStatus `json:"status"`
	Method        string            `json:"login_method"`
	Address       string            `json:"ip_address"`
	UserAgent     string            `json:"user_agent"`
	DeviceType    store.DeviceType  `json:"device_type"`
	DeviceName    string            `json:"device_name,omitempty"`
	MFAUsed       bool              `json:"mfa_used"`
	MFAMethod     string            `json:"mfa_method,omitempty"`
	FailureReason string            `json:"failure_reason,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

type deviceResponse struct {
	DeviceID   string           `json:"device_id"`
	Name       string           `json:"name"`
	Type       store.DeviceType `json:"type"`
	Trusted    bool             `json:"trusted"`
	LastUsedAt *time.Time       `json:"last_used_at,omitempty"`
	ExpiresAt  time.Time        `json:"expires_at"`
}

type messageResponse struct {
	Message string `json:"message"`
}

func toLoginResponse(res *identity.LoginResult) loginResponse {
	out := loginResponse{Status: res.Status, Identity: res.Identity, Device: res.Device}
	if t := res.Tokens; t != nil {
		out.AccessToken, out.RefreshToken = t.AccessToken, t.RefreshToken
		out.TokenType, out.ExpiresIn = t.TokenType, t.ExpiresIn
	}
	if ch := res.Challenge; ch != nil {
		out.ChallengeID, out.MFAMethod, out.ExpiresIn = ch.ID, ch.Method, ch.ExpiresIn
	}
	return out
}

func toDeviceResponse(d store.Device) deviceResponse {
	return deviceResponse{
		DeviceID:   d.DeviceID,
		Name:       d.Name,
		Type:       d.Type,
		Trusted:    d.Trusted,
		LastUsedAt: d.LastUsedAt,
		ExpiresAt:  d.ExpiresAt,
	}
}

// identityID returns the authenticated identity. Guard has already run.
func identityID(c echo.Context) (*identity.Claims, int64, bool) {
	claims, ok := identity.ClaimsFromContext(c.Request().Context())
	if !ok {
		return nil, 0, false
	}
	id, err := claims.IdentityID()
	if err != nil {
		return nil, 0, false
	}
	return claims, id, true
}

func (s *Server) unauthorized(c echo.Context) error {
	return s.writeError(c, identity.ErrUnauthorized)
}

func (s *Server) register(c echo.Context) error {
	var req registerRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	created, err := s.engine.Register(c.Request().Context(), identity.RegisterRequest{
		Email:    req.Email,
		Username: req.Username,
		Password: req.Password,
		FullName: req.FullName,
		Role:     req.Role,
	})
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusCreated, identityResponse{
		ID:       created.ID,
		Email:    created.Email,
		Username: created.Username,
		FullName: created.FullName,
		Active:   created.Active,
	})
}

func (s *Server) login(c echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	res, err := s.engine.Login(c.Request().Context(), identity.LoginRequest{
		Identifier: req.Identifier,
		Password:   req.Password,
		Address:    c.RealIP(),
		UserAgent:  c.Request().UserAgent(),
		DeviceName: req.DeviceName,
		DeviceType: req.DeviceType,
	})
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, toLoginResponse(res))
}

func (s *Server) verifyMFA(c echo.Context) error {
	var req verifyMFARequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	res, err := s.engine.VerifyMFA(c.Request().Context(), identity.VerifyMFARequest{
		ChallengeID: req.ChallengeID,
		Code:        req.Code,
		Address:     c.RealIP(),
		UserAgent:   c.Request().UserAgent(),
	})
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, toLoginResponse(res))
}

func (s *Server) refresh(c echo.Context) error {
	var req refreshRequest
	if err := c.Bind(&req); err != nil || req.RefreshToken == "" {
		return badRequest(c, "refresh_token is required")
	}
	pair, err := s.engine.Refresh(c.Request().Context(), req.RefreshToken)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, pair)
}

// logout revokes the presented access token and, when given, the refresh
// token. It always answers 200.
func (s *Server) logout(c echo.Context) error {
	var req refreshRequest
	_ = c.Bind(&req)

	ctx := c.Request().Context()
	if claims, ok := identity.ClaimsFromContext(ctx); ok {
		s.engine.Logout(ctx, claims.ID)
	}
	if req.RefreshToken != "" {
		s.engine.LogoutTokens(ctx, req.RefreshToken)
	}
	return c.JSON(http.StatusOK, messageResponse{Message: "logged out"})
}

func (s *Server) me(c echo.Context) error {
	claims, _, ok := identityID(c)
	if !ok {
		return s.unauthorized(c)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"id":          claims.Subject,
		"email":       claims.Email,
		"username":    claims.Username,
		"roles":       claims.Roles,
		"permissions": claims.Permissions,
	})
}

func (s *Server) requestPasswordReset(c echo.Context) error {
	var req resetRequest
	if err := c.Bind(&req); err != nil || strings.TrimSpace(req.Identifier) == "" {
		return badRequest(c, "identifier is required")
	}
	s.engine.RequestPasswordReset(c.Request().Context(), req.Identifier)
	return c.JSON(http.StatusAccepted, messageResponse{
		Message: "if the account exists, a reset code has been sent",
	})
}

func (s *Server) confirmPasswordReset(c echo.Context) error {
	var req resetConfirmRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if err := s.engine.ConfirmPasswordReset(c.Request().Context(), req.Identifier, req.Code, req.NewPassword); err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, messageResponse{Message: "password updated"})
}

func (s *Server) changePassword(c echo.Context) error {
	_, id, ok := identityID(c)
	if !ok {
		return s.unauthorized(c)
	}
	var req changePasswordRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if err := s.engine.ChangePassword(c.Request().Context(), id, req.CurrentPassword, req.NewPassword); err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, messageResponse{Message: "password changed"})
}

func (s *Server) setupMFA(c echo.Context) error {
	_, id, ok := identityID(c)
	if !ok {
		return s.unauthorized(c)
	}
	var req setupMFARequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	res, err := s.engine.SetupMFA(c.Request().Context(), id, identity.SetupMFARequest{
		Method: store.MFAMethod(strings.ToLower(strings.TrimSpace(req.Method))),
		Phone:  req.Phone,
	})
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) verifyMFASetup(c echo.Context) error {
	_, id, ok := identityID(c)
	if !ok {
		return s.unauthorized(c)
	}
	var req verifyMFASetupRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	method := store.MFAMethod(strings.ToLower(strings.TrimSpace(req.Method)))
	verified, err := s.engine.VerifyMFASetup(c.Request().Context(), id, method, req.Code)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"verified": verified})
}

func (s *Server) disableMFA(c echo.Context) error {
	_, id, ok := identityID(c)
	if !ok {
		return s.unauthorized(c)
	}
	var req disableMFARequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if err := s.engine.DisableMFA(c.Request().Context(), id, req.Password); err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, messageResponse{Message: "mfa disabled"})
}

func (s *Server) history(c echo.Context) error {
	_, id, ok := identityID(c)
	if !ok {
		return s.unauthorized(c)
	}
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	offset, _ := strconv.Atoi(c.QueryParam("offset"))

	entries, err := s.engine.LoginHistory(c.Request().Context(), id, limit, offset)
	if err != nil {
		return s.writeError(c, err)
	}
	out := make([]historyResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, historyResponse{
			Status:        e.Status,
			Method:        e.Method,
			Address:       e.Address,
			UserAgent:     e.UserAgent,
			DeviceType:    e.DeviceType,
			DeviceName:    e.DeviceName,
			MFAUsed:       e.MFAUsed,
			MFAMethod:     e.MFAMethod,
			FailureReason: e.FailureReason,
			CreatedAt:     e.CreatedAt,
		})
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) listDevices(c echo.Context) error {
	_, id, ok := identityID(c)
	if !ok {
		return s.unauthorized(c)
	}
	devices, err := s.engine.ListDevices(c.Request().Context(), id, c.QueryParam("trusted") == "true")
	if err != nil {
		return s.writeError(c, err)
	}
	out := make([]deviceResponse, 0, len(devices))
	for _, d := range devices {
		out = append(out, toDeviceResponse(d))
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) registerDevice(c echo.Context) error {
	_, id, ok := identityID(c)
	if !ok {
		return s.unauthorized(c)
	}
	var req deviceRequest
	if err := c.Bind(&req); err != nil || req.TrustedDays < 0 {
		return badRequest(c, "invalid request body")
	}
	grant, err := s.engine.RegisterDevice(c.Request().Context(), id, identity.DeviceRequest{
		DeviceID:   req.DeviceID,
		Name:       req.Name,
		Type:       req.Type,
		UserAgent:  c.Request().UserAgent(),
		TrustedFor: time.Duration(req.TrustedDays) * 24 * time.Hour,
	})
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusCreated, grant)
}

func (s *Server) trustDevice(c echo.Context) error {
	_, id, ok := identityID(c)
	if !ok {
		return s.unauthorized(c)
	}
	var req trustRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	d, err := s.engine.TrustDevice(c.Request().Context(), id, c.Param("id"), req.Trusted)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, toDeviceResponse(*d))
}

func (s *Server) removeDevice(c echo.Context) error {
	_, id, ok := identityID(c)
	if !ok {
		return s.unauthorized(c)
	}
	if err := s.engine.RemoveDevice(c.Request().Context(), id, c.Param("id")); err != nil {
		return s.writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) removeAllDevices(c echo.Context) error {
	_, id, ok := identityID(c)
	if !ok {
		return s.unauthorized(c)
	}
	n, err := s.engine.RemoveAllDevices(c.Request().Context(), id)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]int{"removed": n})
}

func (s *Server) verifyDeviceToken(c echo.Context) error {
	var req deviceTokenRequest
	if err := c.Bind(&req); err != nil || req.DeviceToken == "" {
		return badRequest(c, "device_token is required")
	}
	d, err := s.engine.VerifyDeviceToken(c.Request().Context(), req.DeviceToken)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, toDeviceResponse(*d))
}

func (s *Server) unlockAccount(c echo.Context) error {
	target, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || target <= 0 {
		return badRequest(c, "invalid identity id")
	}
	if err := s.engine.UnlockAccount(c.Request().Context(), target); err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, messageResponse{Message: "account unlocked"})
}
