package apiroutes

import (
	"github.com/gin-gonic/gin"
	"github.com/mailio/go-mailio-keyshare/api"
	"github.com/mailio/go-mailio-keyshare/api/interceptors"
	"github.com/mailio/go-mailio-keyshare/global"
	"github.com/mailio/go-mailio-keyshare/metrics"
	"github.com/mailio/go-mailio-keyshare/repository"
	"github.com/mailio/go-mailio-keyshare/services"
	"github.com/mailio/go-mailio-keyshare/types"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Services are the services the REST API is built on
type Services struct {
	UserKey      *services.UserKeyService
	Identity     *services.IdentityService
	Passkey      *services.PasskeyService
	QrLogin      *services.QrLoginService
	Notification *services.NotificationService
}

// NewServices creates the services over the database selector and environment
func NewServices(dbSelector repository.DBSelector, env *types.Environment, identityService *services.IdentityService, notificationService *services.NotificationService) *Services {
	userKeyService := services.NewUserKeyService(dbSelector)
	return &Services{
		UserKey:      userKeyService,
		Identity:     identityService,
		Passkey:      services.NewPasskeyService(dbSelector, env),
		QrLogin:      services.NewQrLoginService(userKeyService, env),
		Notification: notificationService,
	}
}

// REST API routes
func ConfigRoutes(router *gin.Engine, svc *Services) *gin.Engine {
	// init metrics
	if global.Conf.Prometheus.Enabled {

		metrics.InitMetrics()

		authorized := router.Group("/metrics", gin.BasicAuth(gin.Accounts{
			global.Conf.Prometheus.Username: global.Conf.Prometheus.Password,
		}))

		authorized.GET("", gin.WrapH(promhttp.Handler()))
	}

	// API definitions
	healthCheckApi := api.NewHealthCheckAPI()
	userKeyApi := api.NewUserKeyApi(svc.UserKey, svc.Identity, svc.Passkey, svc.Notification)
	qrLoginApi := api.NewQrLoginApi(svc.QrLogin, svc.Identity)
	passkeyApi := api.NewPasskeyApi(svc.Passkey, svc.UserKey, svc.Identity)

	router.GET("/health", healthCheckApi.HealthCheck)

	// key custody API (identity token in the body, optional DID holder proof as bearer token)
	keysApi := router.Group("/api/v1/keys", metrics.MetricsMiddleware(), interceptors.RateLimitMiddleware())
	{
		keysApi.POST("/auth-share/get", userKeyApi.GetAuthShare)
		keysApi.PUT("/auth-share", userKeyApi.StoreAuthShare)
		keysApi.POST("/recovery", userKeyApi.AddRecoveryMethod)
		keysApi.POST("/recovery/get", userKeyApi.GetRecoveryShare)
		keysApi.POST("/migrate", userKeyApi.MarkMigrated)
		keysApi.POST("/delete", userKeyApi.DeleteUserKey)
		keysApi.POST("/email-backup", userKeyApi.EmailBackup)
	}

	// cross-device login relay (anonymous, session bound)
	qrApi := router.Group("/api/v1/qr-login", metrics.MetricsMiddleware(), interceptors.RateLimitMiddleware())
	{
		qrApi.POST("/session", qrLoginApi.CreateSession)
		qrApi.GET("/session/:id", qrLoginApi.GetSession)
		qrApi.POST("/session/:id/approve", qrLoginApi.ApproveSession)
		qrApi.GET("/session/:id/result", qrLoginApi.SessionResult)
		qrApi.POST("/notify", qrLoginApi.Notify)
	}

	webauthnApi := router.Group("/api/v1/webauthn", metrics.MetricsMiddleware(), interceptors.RateLimitMiddleware())
	{
		webauthnApi.POST("/registration_options", passkeyApi.RegistrationOptions)
		webauthnApi.POST("/registration_verify", passkeyApi.RegistrationVerify)
	}

	return router
}
