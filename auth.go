package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// authedHandler receives the resolved caller and the token row the
// request authenticated with. The user is passed explicitly instead of
// being looked up from ambient state inside the handler.
type authedHandler func(w http.ResponseWriter, r *http.Request, user *User, token *AuthToken)

// bearerToken extracts the opaque credential from the Authorization
// header, or "" when the request is anonymous.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

// resolveToken looks the presented token up and returns its user.
func (api *API) resolveToken(r *http.Request) (*User, *AuthToken) {
	value := bearerToken(r)
	if value == "" {
		return nil, nil
	}
	var token AuthToken
	err := api.db.Preload("User").Where("token = ?", value).First(&token).Error
	if err != nil {
		return nil, nil
	}
	return &token.User, &token
}

// requireAuth rejects unauthenticated requests before the handler runs.
func (api *API) requireAuth(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, token := api.resolveToken(r)
		if user == nil {
			api.metrics.BadRequests.WithLabelValues(r.URL.Path).Inc()
			writeError(w, http.StatusUnauthorized, "Unauthenticated", nil)
			return
		}
		next(w, r, user, token)
	}
}

func (api *API) issueToken(userID uint) (*AuthToken, error) {
	token := AuthToken{
		Token:     uuid.NewString(),
		UserID:    userID,
		CreatedAt: time.Now(),
	}
	if err := api.db.Create(&token).Error; err != nil {
		return nil, err
	}
	return &token, nil
}

func validateRegister(req *RegisterRequest) map[string]string {
	errs := map[string]string{}
	if strings.TrimSpace(req.Name) == "" {
		errs["name"] = "The name field is required"
	} else if len(req.Name) > 255 {
		errs["name"] = "The name may not be greater than 255 characters"
	}
	if strings.TrimSpace(req.Email) == "" {
		errs["email"] = "The email field is required"
	} else if len(req.Email) > 255 || !validEmail(req.Email) {
		errs["email"] = "The email must be a valid email address"
	}
	if req.Password == "" {
		errs["password"] = "The password field is required"
	} else if len(req.Password) < 6 {
		errs["password"] = "The password must be at least 6 characters"
	} else if req.Password != req.PasswordConfirmation {
		errs["password"] = "The password confirmation does not match"
	}
	return errs
}

func (api *API) RegisterHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer afterRequestLogging(start, r)

	logger.WithFields(logrus.Fields{
		"method":    r.Method,
		"path":      r.URL.Path,
		"remote_ip": r.RemoteAddr,
	}).Info("RegisterHandler called")

	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.metrics.BadRequests.WithLabelValues("register").Inc()
		writeError(w, http.StatusBadRequest, "Invalid request body", nil)
		return
	}

	if errs := validateRegister(&req); len(errs) > 0 {
		logger.WithField("errors", errs).Warn("Registration validation failed")
		api.metrics.BadRequests.WithLabelValues("register").Inc()
		writeValidationErrors(w, http.StatusForbidden, errs)
		return
	}

	// Duplicate check ahead of the unique index, so the caller gets a
	// 422 instead of a raw constraint error.
	var existing User
	err := api.db.Where("email = ?", req.Email).First(&existing).Error
	if err == nil {
		api.metrics.BadRequests.WithLabelValues("register").Inc()
		writeError(w, http.StatusUnprocessableEntity, "Email already exists", nil)
		return
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		writeError(w, http.StatusInternalServerError, "Registration failed", err)
		return
	}

	hash, err := HashPassword(req.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Registration failed", err)
		return
	}

	user := User{Name: req.Name, Email: req.Email, Password: hash}
	if err := api.db.Create(&user).Error; err != nil {
		logger.WithError(err).Error("Error inserting user")
		api.metrics.BadRequests.WithLabelValues("register").Inc()
		writeError(w, http.StatusForbidden, "Registration failed", err)
		return
	}

	token, err := api.issueToken(user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Registration failed", err)
		return
	}

	logger.WithField("email", user.Email).Info("User registered successfully")
	api.metrics.SuccessfulRequests.WithLabelValues("register").Inc()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user":  user,
		"token": token.Token,
	})
}

func validateLogin(req *LoginRequest) map[string]string {
	errs := map[string]string{}
	if strings.TrimSpace(req.Email) == "" {
		errs["email"] = "The email field is required"
	} else if len(req.Email) > 255 || !validEmail(req.Email) {
		errs["email"] = "The email must be a valid email address"
	}
	if req.Password == "" {
		errs["password"] = "The password field is required"
	} else if len(req.Password) < 6 {
		errs["password"] = "The password must be at least 6 characters"
	}
	return errs
}

func (api *API) LoginHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer afterRequestLogging(start, r)

	logger.WithFields(logrus.Fields{
		"method":    r.Method,
		"path":      r.URL.Path,
		"remote_ip": r.RemoteAddr,
	}).Info("LoginHandler called")

	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.metrics.BadRequests.WithLabelValues("login").Inc()
		writeError(w, http.StatusBadRequest, "Invalid request body", nil)
		return
	}

	if errs := validateLogin(&req); len(errs) > 0 {
		api.metrics.BadRequests.WithLabelValues("login").Inc()
		writeValidationErrors(w, http.StatusForbidden, errs)
		return
	}

	var user User
	err := api.db.Where("email = ?", req.Email).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && !CheckPasswordHash(req.Password, user.Password)) {
		logger.WithField("email", req.Email).Warn("Invalid login credentials")
		api.metrics.BadRequests.WithLabelValues("login").Inc()
		writeError(w, http.StatusUnauthorized, "Email or password is incorrect", nil)
		return
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, "Login failed", err)
		return
	}

	// Each login issues a fresh token; earlier sessions stay valid.
	token, err := api.issueToken(user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Login failed", err)
		return
	}

	logger.WithField("email", user.Email).Info("User logged in successfully")
	api.metrics.SuccessfulRequests.WithLabelValues("login").Inc()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user":  user,
		"token": token.Token,
	})
}

func (api *API) LogoutHandler(w http.ResponseWriter, r *http.Request, user *User, token *AuthToken) {
	start := time.Now()
	defer afterRequestLogging(start, r)

	if err := api.db.Delete(&AuthToken{}, "token = ?", token.Token).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "Logout failed", err)
		return
	}

	logger.WithField("user_id", user.ID).Info("User logged out successfully")
	api.metrics.SuccessfulRequests.WithLabelValues("logout").Inc()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "User logged out successfully",
	})
}

// CurrentUserHandler returns the authenticated user.
func (api *API) CurrentUserHandler(w http.ResponseWriter, r *http.Request, user *User, _ *AuthToken) {
	start := time.Now()
	defer afterRequestLogging(start, r)

	api.metrics.SuccessfulRequests.WithLabelValues("user").Inc()
	writeJSON(w, http.StatusOK, user)
}
