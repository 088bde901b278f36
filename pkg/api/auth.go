package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/crypto/bcrypt"

	"plugin-fleet/pkg/auth"
	"plugin-fleet/pkg/model"
	"plugin-fleet/pkg/store"
)

// Principal is the authenticated caller of a request.
type Principal struct {
	Name     string
	Approver bool
}

// Authenticator resolves callers from the static bootstrap token or a JWT.
type Authenticator struct {
	token      string
	requireJWT bool
}

func NewAuthenticator(token string, requireJWT bool) *Authenticator {
	return &Authenticator{token: token, requireJWT: requireJWT}
}

func bearer(r *http.Request) string {
	if h := r.Header.Get("X-Auth-Token"); h != "" {
		return h
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// Identify returns the caller of r. Without a configured token or JWT requirement every
// caller is an anonymous approver.
func (a *Authenticator) Identify(r *http.Request) (Principal, error) {
	tok := bearer(r)
	if a.token != "" && tok == a.token {
		return Principal{Name: "bootstrap", Approver: true}, nil
	}
	if tok != "" {
		if claims, err := auth.Parse(tok); err == nil {
			return Principal{Name: claims.Username, Approver: claims.Approver}, nil
		}
	}
	if a.token == "" && !a.requireJWT {
		return Principal{Name: "anonymous", Approver: true}, nil
	}
	return Principal{}, model.ErrUnauthorized
}

// AuthHandler serves console user registration and login.
type AuthHandler struct {
	Users  store.UserStore
	Logger hclog.Logger
}

type authRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (a *AuthHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/auth/register", a.handleRegister)
	mux.HandleFunc("/api/v1/auth/login", a.handleLogin)
}

// handleRegister only allows the first user to be created (admin).
func (a *AuthHandler) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req authRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" || req.Password == "" {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	count, err := a.Users.CountUsers(r.Context())
	if err != nil {
		http.Error(w, "failed to count users", http.StatusInternalServerError)
		return
	}
	if count > 0 {
		http.Error(w, "registration closed", http.StatusForbidden)
		return
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		http.Error(w, "failed to hash password", http.StatusInternalServerError)
		return
	}
	user, err := a.Users.CreateUser(r.Context(), model.User{
		Username:     req.Username,
		PasswordHash: string(hash),
		IsAdmin:      true,
		IsApprover:   true,
	})
	if err != nil {
		http.Error(w, "failed to create user", http.StatusInternalServerError)
		return
	}
	a.issue(w, user)
}

func (a *AuthHandler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req authRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" || req.Password == "" {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	user, err := a.Users.FindUser(r.Context(), req.Username)
	if err != nil {
		if !errors.Is(err, model.ErrNotFound) && a.Logger != nil {
			a.Logger.Error("user lookup failed", "user", req.Username, "error", err)
		}
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}
	a.issue(w, user)
}

func (a *AuthHandler) issue(w http.ResponseWriter, user model.User) {
	token, err := auth.Generate(user, 24*time.Hour)
	if err != nil {
		http.Error(w, "failed to sign token", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}
