package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"greendrake/tuition/internal/api/handlers"
	"greendrake/tuition/internal/api/middleware"
	"greendrake/tuition/internal/config"
	"greendrake/tuition/internal/services"
)

// Deps holds what the public API needs. RateLimiter may be nil, in which case one is created from the
// configured defaults and the settings' endpoint overrides.
type Deps struct {
	Contracts     services.IContractService
	Agreements    services.IAgreementService
	Invoices      services.IInvoiceService
	Payments      services.IStudentPaymentService
	Confirmations services.IPaymentConfirmationService
	Settings      services.ISettingsService
	Templates     services.IEmailTemplateService
	Dispatcher    handlers.TaskDispatcher
	RateLimiter   *middleware.RateLimiterMiddleware
	Now           services.Clock
}

// SetupRouter configures and returns the main Gin engine.
func SetupRouter(cfg *config.Config, d Deps) *gin.Engine {
	rateLimiter := d.RateLimiter
	if rateLimiter == nil {
		var limits middleware.EndpointLimits
		if d.Settings != nil {
			limits = d.Settings
		}
		rateLimiter = middleware.NewRateLimiterMiddleware(cfg, limits)
	}

	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())
	r.Use(middleware.CORSMiddleware(cfg.CorsOrigins))
	r.Use(rateLimiter.Limit())

	contractHandler := handlers.NewRestContractHandler(d.Contracts)
	agreementHandler := handlers.NewRestAgreementHandler(d.Agreements)
	now := d.Now
	if now == nil {
		now = services.ZonedClock(cfg.Location())
	}
	invoiceHandler := handlers.NewRestInvoiceHandler(d.Invoices, d.Payments, d.Dispatcher, now)
	paymentHandler := handlers.NewRestPaymentHandler(d.Payments, now)
	webhookHandler := handlers.NewWebhookHandler(d.Confirmations)
	configHandler := handlers.NewRestConfigHandler(d.Settings, d.Templates)

	v1 := r.Group("/v1")
	{
		// Public routes
		v1.GET("/ping", func(c *gin.Context) {
			c.String(http.StatusOK, "pong")
		})
		v1.GET("/config", configHandler.GetPublicConfig)
		v1.POST("/webhooks/midtrans", webhookHandler.Midtrans)

		authRequired := v1.Group("")
		authRequired.Use(middleware.AuthMiddleware(cfg.JwtSecret))
		{
			contractHandler.Register(authRequired)
			agreementHandler.Register(authRequired)
			invoiceHandler.Register(authRequired)
			paymentHandler.Register(authRequired)
		}

		adminRequired := v1.Group("")
		adminRequired.Use(middleware.AuthMiddleware(cfg.JwtSecret), middleware.AdminMiddleware())
		{
			invoiceHandler.RegisterAdmin(adminRequired)
			configHandler.RegisterAdmin(adminRequired)
		}
	}

	return r
}

// SetupServiceRouter configures and returns the service Gin engine. It is bound to the service port
// and must not be reachable from outside.
func SetupServiceRouter(serviceHandler *handlers.ServiceHandler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())
	r.POST("/api", serviceHandler.HandleRequest)
	return r
}
