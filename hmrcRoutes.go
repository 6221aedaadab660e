package main

import (
	"errors"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"bitbucket.org/finfolio/selfassess_backend/hmrc"
	"bitbucket.org/finfolio/selfassess_backend/middlewares"
	"bitbucket.org/finfolio/selfassess_backend/models"
	"bitbucket.org/finfolio/selfassess_backend/utils"
)

const stateCookieName = "hmrc_oauth_state"

func registerHmrcRoutes(r *gin.Engine) {
	// The callback is a top-level browser navigation from HMRC: no bearer
	// token arrives with it. Identity comes from the single-use state binding.
	r.GET("/hmrc/callback", hmrcCallbackHandler())

	authed := r.Group("/hmrc", middlewares.AuthMiddleware())
	authed.GET("/connect", hmrcConnectHandler())
	authed.DELETE("/connection", hmrcDisconnectHandler())
	authed.GET("/businesses", hmrcBusinessesHandler())
	authed.GET("/obligations", hmrcObligationsHandler())
	authed.POST("/periods", hmrcSubmitPeriodHandler())
	authed.GET("/calculations/:taxYear/:calculationId", hmrcCalculationHandler())
	authed.GET("/logs", hmrcLogsHandler())
	authed.GET("/logs/summary", hmrcLogSummaryHandler())
}

func cookieSecure() bool {
	return strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production")
}

func hmrcConnectHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userId, ok := utils.GetUserIdFromContext(c.Request.Context())
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		redirectURL, state, err := hmrcService.StartAuthorization(c.Request.Context(), userId)
		if err != nil {
			respondHmrcError(c, err)
			return
		}

		c.SetSameSite(http.SameSiteLaxMode)
		c.SetCookie(stateCookieName, state, 600, "/", "", cookieSecure(), true)
		c.Redirect(http.StatusFound, redirectURL)
	}
}

func hmrcCallbackHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		code := c.Query("code")
		state := c.Query("state")
		cookieState, _ := c.Cookie(stateCookieName)

		// Always clear the flow cookie; it is single-use either way.
		c.SetSameSite(http.SameSiteLaxMode)
		c.SetCookie(stateCookieName, "", -1, "/", "", cookieSecure(), true)

		if errParam := c.Query("error"); errParam != "" {
			// User declined consent at HMRC.
			c.Redirect(http.StatusFound, connectRedirect("denied"))
			return
		}

		if _, err := hmrcService.HandleCallback(c.Request.Context(), code, state, cookieState); err != nil {
			if errors.Is(err, hmrc.ErrStateInvalid) {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid or expired authorization state", "code": "STATE_INVALID"})
				return
			}
			respondHmrcError(c, err)
			return
		}

		c.Redirect(http.StatusFound, connectRedirect("connected"))
	}
}

func connectRedirect(result string) string {
	base := strings.TrimSpace(os.Getenv("HMRC_CONNECT_REDIRECT"))
	if base == "" {
		base = "/settings/hmrc"
	}
	return base + "?status=" + result
}

func hmrcDisconnectHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userId, _ := utils.GetUserIdFromContext(c.Request.Context())
		if err := hmrcService.Disconnect(c.Request.Context(), userId); err != nil {
			respondHmrcError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"disconnected": true})
	}
}

func hmrcBusinessesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userId, _ := utils.GetUserIdFromContext(c.Request.Context())
		nino := strings.TrimSpace(c.Query("nino"))
		if nino == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "nino is required", "code": "VALIDATION"})
			return
		}

		businesses, err := hmrcService.ListBusinesses(c.Request.Context(), userId, nino, c.Request.Header, c.Request.RemoteAddr)
		if err != nil {
			respondHmrcError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"businesses": businesses})
	}
}

func hmrcObligationsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userId, _ := utils.GetUserIdFromContext(c.Request.Context())
		nino := strings.TrimSpace(c.Query("nino"))
		if nino == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "nino is required", "code": "VALIDATION"})
			return
		}

		filter := hmrc.ObligationFilter{
			FromDate: c.Query("from"),
			ToDate:   c.Query("to"),
			Status:   c.Query("status"),
		}
		obligations, err := hmrcService.GetObligations(c.Request.Context(), userId, nino, filter, c.Request.Header, c.Request.RemoteAddr)
		if err != nil {
			respondHmrcError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"obligations": obligations})
	}
}

type submitPeriodRequest struct {
	Nino       string          `json:"nino" binding:"required"`
	BusinessId string          `json:"businessId" binding:"required"`
	TaxYear    string          `json:"taxYear" binding:"required"`
	Period     hmrc.PeriodData `json:"period" binding:"required"`
}

func hmrcSubmitPeriodHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userId, _ := utils.GetUserIdFromContext(c.Request.Context())

		var req submitPeriodRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "code": "VALIDATION"})
			return
		}

		receipt, err := hmrcService.SubmitPeriod(c.Request.Context(), userId, req.Nino, req.BusinessId, req.TaxYear, req.Period, c.Request.Header, c.Request.RemoteAddr)
		if err != nil {
			respondHmrcError(c, err)
			return
		}
		c.JSON(http.StatusOK, receipt)
	}
}

func hmrcCalculationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userId, _ := utils.GetUserIdFromContext(c.Request.Context())
		nino := strings.TrimSpace(c.Query("nino"))
		if nino == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "nino is required", "code": "VALIDATION"})
			return
		}

		calc, err := hmrcService.GetCalculation(c.Request.Context(), userId, nino,
			c.Param("taxYear"), c.Param("calculationId"), c.Request.Header, c.Request.RemoteAddr)
		if err != nil {
			respondHmrcError(c, err)
			return
		}
		c.JSON(http.StatusOK, calc)
	}
}

func hmrcLogsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userId, _ := utils.GetUserIdFromContext(c.Request.Context())

		filter := models.LogFilter{
			UserId:   &userId,
			Endpoint: c.Query("endpoint"),
			Status:   models.LogStatusAll,
		}
		switch c.Query("status") {
		case "success":
			filter.Status = models.LogStatusSuccess
		case "error":
			filter.Status = models.LogStatusError
		}
		if v := c.Query("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				filter.Limit = n
			}
		}
		if v := c.Query("startDate"); v != "" {
			if t, err := time.Parse("2006-01-02", v); err == nil {
				filter.StartDate = &t
			}
		}
		if v := c.Query("endDate"); v != "" {
			if t, err := time.Parse("2006-01-02", v); err == nil {
				filter.EndDate = &t
			}
		}

		entries, err := hmrcService.Logs().GetLogs(c.Request.Context(), filter)
		if err != nil {
			respondHmrcError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"logs": entries})
	}
}

func hmrcLogSummaryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userId, _ := utils.GetUserIdFromContext(c.Request.Context())
		days := 7
		if v := c.Query("days"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				days = n
			}
		}

		summary, err := hmrcService.Logs().GetErrorSummary(c.Request.Context(), userId, days)
		if err != nil {
			respondHmrcError(c, err)
			return
		}
		c.JSON(http.StatusOK, summary)
	}
}

// respondHmrcError maps the closed taxonomy onto HTTP statuses. Raw upstream
// payloads never reach the response body; only the translated message and code.
func respondHmrcError(c *gin.Context, err error) {
	if errors.Is(err, hmrc.ErrSessionExpired) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "HMRC session expired, please reconnect", "code": "SESSION_EXPIRED"})
		return
	}
	if errors.Is(err, hmrc.ErrStateInvalid) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid or expired authorization state", "code": "STATE_INVALID"})
		return
	}

	var incomplete *hmrc.IncompleteFraudHeadersError
	if errors.As(err, &incomplete) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not assemble required request evidence", "code": "FRAUD_HEADERS_INCOMPLETE"})
		return
	}

	var exchangeErr *hmrc.AuthExchangeError
	if errors.As(err, &exchangeErr) {
		c.JSON(http.StatusBadGateway, gin.H{"error": "HMRC authorization failed, please try connecting again", "code": "AUTH_EXCHANGE_FAILED"})
		return
	}

	var apiErr *hmrc.APIError
	if errors.As(err, &apiErr) {
		status := http.StatusInternalServerError
		switch apiErr.Kind {
		case hmrc.KindUnauthorized:
			status = http.StatusUnauthorized
		case hmrc.KindValidation:
			status = http.StatusBadRequest
		case hmrc.KindResourceNotFound:
			status = http.StatusNotFound
		case hmrc.KindRateLimited:
			status = http.StatusTooManyRequests
		case hmrc.KindUpstreamUnavailable:
			status = http.StatusBadGateway
		}
		c.JSON(status, gin.H{"error": apiErr.Message, "code": apiErr.Code})
		return
	}

	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error", "code": "INTERNAL"})
}
