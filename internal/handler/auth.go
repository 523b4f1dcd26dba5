package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"uchat-directory/internal/auth"
	"uchat-directory/internal/middleware"
	"uchat-directory/internal/store"
)

// AuthHandler serves the two-step login: email lookup, then password check.
type AuthHandler struct {
	Store       *store.Store
	TokenConfig auth.TokenConfig
	// SecureCookie marks the token cookie Secure; set it when serving TLS.
	SecureCookie bool
}

type emailBody struct {
	Email string `json:"email" binding:"required,email"`
}

type passwordBody struct {
	UserID   string `json:"userId" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func fail(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"message": message, "error": true})
}

func (h *AuthHandler) CheckEmail(c *gin.Context) {
	var body emailBody
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, http.StatusBadRequest, "Please enter a valid email")
		return
	}

	account, ok := h.Store.AccountByEmail(body.Email)
	if !ok {
		fail(c, http.StatusBadRequest, "no such user")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "email verify",
		"success": true,
		"data":    account.Identity,
	})
}

func (h *AuthHandler) CheckPassword(c *gin.Context) {
	var body passwordBody
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, http.StatusBadRequest, "Invalid request")
		return
	}

	account, ok := h.Store.GetAccount(body.UserID)
	if !ok {
		fail(c, http.StatusBadRequest, "no such user")
		return
	}
	if !h.Store.CheckPassword(account.ID, body.Password) {
		fail(c, http.StatusBadRequest, "Please check password")
		return
	}

	token, err := auth.CreateToken(account.Identity, h.TokenConfig)
	if err != nil {
		fail(c, http.StatusInternalServerError, "Token creation failed")
		return
	}

	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie("token", token, int(h.TokenConfig.Expiry.Seconds()), "/", "", h.SecureCookie, true)
	c.JSON(http.StatusOK, gin.H{
		"message": "Login successfully",
		"token":   token,
		"success": true,
	})
}

// UserDetails returns the identity behind the request's token.
func (h *AuthHandler) UserDetails(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"message": "session expired", "logout": true})
		return
	}
	account, ok := h.Store.GetAccount(userID)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"message": "session expired", "logout": true})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "user details", "data": account.Identity})
}

// Logout clears the login cookie.
func (h *AuthHandler) Logout(c *gin.Context) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie("token", "", -1, "/", "", h.SecureCookie, true)
	c.JSON(http.StatusOK, gin.H{"message": "session out", "success": true})
}
