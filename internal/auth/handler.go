package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/getsentry/sentry-go"

	"portal-auth/internal/audit"
	"portal-auth/internal/mail"
)

const maxJSONBodyBytes = 1 << 20

const (
	minPasswordLength = 12
	maxPasswordLength = 200
)

// Handler is the HTTP boundary of the authentication core. It maps the typed
// outcomes to status codes and emits audit events; the core itself stays free
// of transport and observability concerns.
type Handler struct {
	gate       *Gate
	issuer     *Issuer
	challenges *Challenges
	revoker    *Revoker
	creds      CredentialStore
	mailer     mail.Mailer
	recorder   audit.Recorder
}

func NewHandler(
	gate *Gate,
	issuer *Issuer,
	challenges *Challenges,
	revoker *Revoker,
	creds CredentialStore,
	mailer mail.Mailer,
	recorder audit.Recorder,
) *Handler {
	return &Handler{
		gate:       gate,
		issuer:     issuer,
		challenges: challenges,
		revoker:    revoker,
		creds:      creds,
		mailer:     mailer,
		recorder:   recorder,
	}
}

type loginRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type resetRequest struct {
	Email string `json:"email"`
}

type resetConfirmRequest struct {
	Email       string `json:"email"`
	Code        string `json:"code"`
	NewPassword string `json:"new_password"`
}

type verifyEmailConfirmRequest struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

type otpVerifyRequest struct {
	Code string `json:"code"`
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var body loginRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	body.Identifier = strings.TrimSpace(body.Identifier)
	if body.Identifier == "" || len(body.Identifier) > 254 {
		writeError(w, http.StatusBadRequest, "identifier format is invalid")
		return
	}
	if len(body.Password) < 1 || len(body.Password) > maxPasswordLength {
		writeError(w, http.StatusBadRequest, "password format is invalid")
		return
	}

	ip := clientIP(r)

	cred, err := h.gate.Verify(r.Context(), body.Identifier, body.Password)
	if err != nil {
		h.writeVerifyError(w, r, err, ip)
		return
	}

	pair, err := h.issuer.IssueInitial(r.Context(), cred, ip, r.UserAgent())
	if err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to login")
		return
	}

	h.recorder.Record(audit.Event{Kind: audit.EventLogin, Subject: cred.ID, IP: ip})
	writeJSON(w, http.StatusOK, pair)
}

func (h *Handler) writeVerifyError(w http.ResponseWriter, r *http.Request, err error, ip string) {
	var locked AccountLockedError
	switch {
	case errors.Is(err, ErrInvalidCredentials):
		h.recorder.Record(audit.Event{Kind: audit.EventLoginFailed, IP: ip})
		writeError(w, http.StatusUnauthorized, "invalid credentials")
	case errors.As(err, &locked):
		h.recorder.Record(audit.Event{Kind: audit.EventLockout, IP: ip})
		retryAfter := int(locked.Remaining(h.gate.now()).Seconds())
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "account temporarily locked")
	case errors.Is(err, ErrAccountInactive):
		writeError(w, http.StatusForbidden, "account is deactivated")
	case errors.Is(err, ErrEmailNotVerified):
		writeError(w, http.StatusForbidden, "email address is not verified")
	default:
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to login")
	}
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var body refreshRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	body.RefreshToken = strings.TrimSpace(body.RefreshToken)
	if body.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "invalid refresh token")
		return
	}

	ip := clientIP(r)

	pair, err := h.issuer.Rotate(r.Context(), body.RefreshToken, ip, r.UserAgent())
	if err != nil {
		switch {
		case errors.Is(err, ErrTokenNotFound):
			writeError(w, http.StatusUnauthorized, "invalid refresh token")
		case errors.Is(err, ErrTokenReuse):
			h.recorder.Record(audit.Event{Kind: audit.EventReuseDetected, IP: ip})
			writeError(w, http.StatusUnauthorized, "refresh token reuse detected")
		default:
			sentry.CaptureException(err)
			writeError(w, http.StatusInternalServerError, "failed to refresh token")
		}
		return
	}

	h.recorder.Record(audit.Event{Kind: audit.EventRefresh, IP: ip})
	writeJSON(w, http.StatusOK, pair)
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	var body refreshRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	body.RefreshToken = strings.TrimSpace(body.RefreshToken)
	if body.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "invalid refresh token")
		return
	}

	ip := clientIP(r)

	if err := h.revoker.RevokeOne(r.Context(), body.RefreshToken, ip); err != nil {
		if errors.Is(err, ErrTokenNotFound) {
			writeError(w, http.StatusUnauthorized, "invalid refresh token")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to logout")
		return
	}

	h.recorder.Record(audit.Event{Kind: audit.EventLogout, IP: ip})
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing authorization token")
		return
	}

	ip := clientIP(r)

	revoked, err := h.revoker.RevokeAll(r.Context(), claims.Subject, ip)
	if err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to logout")
		return
	}

	h.recorder.Record(audit.Event{
		Kind: audit.EventLogoutAll, Subject: claims.Subject, IP: ip,
		Detail: map[string]any{"revoked": revoked},
	})
	writeJSON(w, http.StatusOK, map[string]any{"revoked": revoked})
}

func (h *Handler) Sessions(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing authorization token")
		return
	}

	sessions, err := h.revoker.Sessions(r.Context(), claims.Subject)
	if err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	if sessions == nil {
		sessions = []Session{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

// RequestPasswordReset responds 202 whether or not the email is known, so the
// endpoint cannot be used to enumerate accounts.
func (h *Handler) RequestPasswordReset(w http.ResponseWriter, r *http.Request) {
	h.requestCode(w, r, SlotPasswordReset, "password_reset")
}

func (h *Handler) RequestEmailVerification(w http.ResponseWriter, r *http.Request) {
	h.requestCode(w, r, SlotEmailVerification, "email_verification")
}

func (h *Handler) requestCode(w http.ResponseWriter, r *http.Request, slot ChallengeSlot, purpose string) {
	var body resetRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	email := NormalizeIdentifier(body.Email)
	if email == "" || len(email) > 254 {
		writeError(w, http.StatusBadRequest, "email format is invalid")
		return
	}

	cred, err := h.creds.FindByIdentifier(r.Context(), email)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			sentry.CaptureException(err)
			writeError(w, http.StatusInternalServerError, "failed to request code")
			return
		}
	} else {
		code, err := h.challenges.Issue(r.Context(), cred.ID, slot)
		if err != nil {
			sentry.CaptureException(err)
			writeError(w, http.StatusInternalServerError, "failed to request code")
			return
		}
		if err := h.mailer.SendCode(r.Context(), cred.Email, purpose, code); err != nil {
			sentry.CaptureException(err)
			writeError(w, http.StatusInternalServerError, "failed to request code")
			return
		}
		h.recorder.Record(audit.Event{
			Kind: audit.EventCodeIssued, Subject: cred.ID, IP: clientIP(r),
			Detail: map[string]any{"slot": string(slot)},
		})
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (h *Handler) ConfirmPasswordReset(w http.ResponseWriter, r *http.Request) {
	var body resetConfirmRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	if len(body.NewPassword) < minPasswordLength || len(body.NewPassword) > maxPasswordLength {
		writeError(w, http.StatusBadRequest, "password format is invalid")
		return
	}

	ip := clientIP(r)

	cred, ok := h.verifyCode(w, r, body.Email, SlotPasswordReset, body.Code)
	if !ok {
		return
	}

	if err := h.gate.SetPassword(r.Context(), cred.ID, body.NewPassword); err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to reset password")
		return
	}
	if _, err := h.revoker.RevokeAll(r.Context(), cred.ID, ip); err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to reset password")
		return
	}

	h.recorder.Record(audit.Event{Kind: audit.EventPasswordReset, Subject: cred.ID, IP: ip})
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ConfirmEmailVerification(w http.ResponseWriter, r *http.Request) {
	var body verifyEmailConfirmRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	cred, ok := h.verifyCode(w, r, body.Email, SlotEmailVerification, body.Code)
	if !ok {
		return
	}

	if err := h.creds.MarkEmailVerified(r.Context(), cred.ID, h.gate.now().UTC()); err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to verify email")
		return
	}

	h.recorder.Record(audit.Event{Kind: audit.EventEmailVerified, Subject: cred.ID, IP: clientIP(r)})
	w.WriteHeader(http.StatusNoContent)
}

// verifyCode resolves the email and consumes the code from the slot. On any
// failure it writes the response itself; unknown emails get the same answer
// as a wrong code.
func (h *Handler) verifyCode(w http.ResponseWriter, r *http.Request, email string, slot ChallengeSlot, code string) (Credential, bool) {
	cred, err := h.creds.FindByIdentifier(r.Context(), NormalizeIdentifier(email))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			writeError(w, http.StatusBadRequest, "code is invalid or expired")
			return Credential{}, false
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to verify code")
		return Credential{}, false
	}

	if err := h.challenges.Verify(r.Context(), cred.ID, slot, strings.TrimSpace(code)); err != nil {
		switch {
		case errors.Is(err, ErrCodeNotRequested):
			writeError(w, http.StatusBadRequest, "no code was requested")
		case errors.Is(err, ErrCodeInvalid):
			writeError(w, http.StatusBadRequest, "code is invalid or expired")
		default:
			sentry.CaptureException(err)
			writeError(w, http.StatusInternalServerError, "failed to verify code")
		}
		return Credential{}, false
	}

	return cred, true
}

func (h *Handler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing authorization token")
		return
	}

	var body changePasswordRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	if len(body.NewPassword) < minPasswordLength || len(body.NewPassword) > maxPasswordLength {
		writeError(w, http.StatusBadRequest, "password format is invalid")
		return
	}

	ip := clientIP(r)

	if err := h.gate.ChangePassword(r.Context(), claims.Username, body.CurrentPassword, body.NewPassword); err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to change password")
		return
	}

	if _, err := h.revoker.RevokeAll(r.Context(), claims.Subject, ip); err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to change password")
		return
	}

	h.recorder.Record(audit.Event{Kind: audit.EventPasswordChanged, Subject: claims.Subject, IP: ip})
	w.WriteHeader(http.StatusNoContent)
}

// RequestStepUp issues a step-up code for the authenticated subject and sends
// it to the account email.
func (h *Handler) RequestStepUp(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing authorization token")
		return
	}

	code, err := h.challenges.Issue(r.Context(), claims.Subject, SlotLoginOtp)
	if err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to request code")
		return
	}
	if err := h.mailer.SendCode(r.Context(), claims.Email, "step_up", code); err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to request code")
		return
	}

	h.recorder.Record(audit.Event{
		Kind: audit.EventCodeIssued, Subject: claims.Subject, IP: clientIP(r),
		Detail: map[string]any{"slot": string(SlotLoginOtp)},
	})
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (h *Handler) VerifyStepUp(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing authorization token")
		return
	}

	var body otpVerifyRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	if err := h.challenges.Verify(r.Context(), claims.Subject, SlotLoginOtp, strings.TrimSpace(body.Code)); err != nil {
		switch {
		case errors.Is(err, ErrCodeNotRequested):
			writeError(w, http.StatusBadRequest, "no code was requested")
		case errors.Is(err, ErrCodeInvalid):
			writeError(w, http.StatusBadRequest, "code is invalid or expired")
		default:
			sentry.CaptureException(err)
			writeError(w, http.StatusInternalServerError, "failed to verify code")
		}
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, target any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}

	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
