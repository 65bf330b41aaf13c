package admin

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"go_market_core/middleware"
	"go_market_core/models"
	"go_market_core/scheduler"
	"go_market_core/services"
	"go_market_core/services/governor"
	"go_market_core/services/quality"
)

const sessionDuration = 24 * time.Hour

// AdminController handles operator authentication and corrective actions
type AdminController struct {
	core   *scheduler.Core
	gov    *governor.Governor
	scorer *quality.Scorer

	jwtSecret string
	// Env fallback credentials for running without the registry database.
	fallbackUsername string
	fallbackHash     string
}

// NewAdminController creates a new admin controller
func NewAdminController(core *scheduler.Core, gov *governor.Governor, scorer *quality.Scorer, jwtSecret, fallbackUsername, fallbackHash string) *AdminController {
	return &AdminController{
		core:             core,
		gov:              gov,
		scorer:           scorer,
		jwtSecret:        jwtSecret,
		fallbackUsername: fallbackUsername,
		fallbackHash:     fallbackHash,
	}
}

// Login authenticates an operator and issues a session token
// POST /admin/login
func (ac *AdminController) Login(c *gin.Context) {
	var request struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}

	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Username and password are required"})
		return
	}

	if ac.jwtSecret == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Admin API is not configured"})
		return
	}

	ip := c.ClientIP()
	username, role, ok := ac.authenticate(request.Username, request.Password)
	middleware.RecordLoginAttempt(ip, ok)
	if !ok {
		log.Warn().Str("username", request.Username).Str("ip", ip).Msg("Admin login failed")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid username or password"})
		return
	}

	now := time.Now()
	expiresAt := now.Add(sessionDuration)
	claims := &middleware.AdminClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		Username: username,
		Role:     role,
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(ac.jwtSecret))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create session"})
		return
	}

	log.Info().Str("username", username).Msg("Admin logged in")
	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"token":      token,
		"expires_at": expiresAt,
		"username":   username,
		"role":       role,
	}})
}

// authenticate checks the registry store first and falls back to the
// configured env credentials when no database is attached.
func (ac *AdminController) authenticate(username, password string) (string, string, bool) {
	if services.GlobalRegistry.Enabled() {
		admin, err := services.GlobalRegistry.FindAdmin(username)
		if err == nil {
			if !admin.CheckPassword(password) {
				return "", "", false
			}
			services.GlobalRegistry.TouchAdminLogin(admin)
			return admin.Username, admin.Role, true
		}
	}

	if ac.fallbackUsername == "" || ac.fallbackHash == "" {
		return "", "", false
	}
	if username != ac.fallbackUsername {
		return "", "", false
	}
	if err := bcrypt.CompareHashAndPassword([]byte(ac.fallbackHash), []byte(password)); err != nil {
		return "", "", false
	}
	return username, "admin", true
}

// ResetReputation resets one provider's reputation, or all of them
// POST /admin/actions/reset-reputation
func (ac *AdminController) ResetReputation(c *gin.Context) {
	var request struct {
		Provider string `json:"provider"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	if request.Provider != "" {
		ac.scorer.ResetReputation(request.Provider)
	} else {
		ac.scorer.ResetAllReputations()
	}
	if err := ac.scorer.SaveSnapshot(); err != nil {
		log.Warn().Err(err).Msg("Failed to save reputation snapshot")
	}

	operator, _ := middleware.GetAdminFromContext(c)
	log.Info().Str("operator", operator).Str("provider", request.Provider).Msg("Reputation reset")
	c.JSON(http.StatusOK, gin.H{
		"message": "Reputation reset",
		"data":    ac.scorer.Reputations(),
	})
}

// ResetGovernor clears rate limit windows and backoff for one provider,
// or all of them
// POST /admin/actions/reset-governor
func (ac *AdminController) ResetGovernor(c *gin.Context) {
	var request struct {
		Provider string `json:"provider"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	if request.Provider != "" {
		ac.gov.Reset(request.Provider)
	} else {
		ac.gov.ResetAll()
	}

	operator, _ := middleware.GetAdminFromContext(c)
	log.Info().Str("operator", operator).Str("provider", request.Provider).Msg("Governor reset")

	statuses := make([]models.RateLimitStatus, 0)
	for _, provider := range ac.gov.Providers() {
		statuses = append(statuses, ac.gov.Status(provider))
	}
	c.JSON(http.StatusOK, gin.H{
		"message": "Governor reset",
		"data":    statuses,
	})
}

// SyncArchive flushes buffered telemetry to the archive immediately
// POST /admin/actions/sync-archive
func (ac *AdminController) SyncArchive(c *gin.Context) {
	if !services.GlobalArchive.IsURISet() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Archive is not configured"})
		return
	}

	if err := services.GlobalArchive.SyncNow(ac.scorer.Reputations()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Archive sync failed: " + err.Error()})
		return
	}

	operator, _ := middleware.GetAdminFromContext(c)
	log.Info().Str("operator", operator).Msg("Archive synchronized")
	c.JSON(http.StatusOK, gin.H{
		"message": "Archive synchronized",
		"data":    services.GlobalArchive.GetConnectionStatus(),
	})
}

// GetOverview returns one operator dashboard payload covering every
// subsystem
// GET /admin/overview
func (ac *AdminController) GetOverview(c *gin.Context) {
	governorStatuses := make([]models.RateLimitStatus, 0)
	for _, provider := range ac.gov.Providers() {
		governorStatuses = append(governorStatuses, ac.gov.Status(provider))
	}

	overview := gin.H{
		"scheduler":   ac.core.Status(),
		"jobs":        ac.core.JobStatuses(),
		"governor":    governorStatuses,
		"reputations": ac.scorer.Reputations(),
		"archive":     services.GlobalArchive.GetConnectionStatus(),
	}

	if services.GlobalTelemetry != nil {
		if stats, err := services.GlobalTelemetry.GetStats(); err == nil {
			overview["telemetry"] = stats
		}
	}
	if services.GlobalEventStream != nil {
		overview["events"] = services.GlobalEventStream.GetStatus()
	}

	c.JSON(http.StatusOK, gin.H{"data": overview})
}
