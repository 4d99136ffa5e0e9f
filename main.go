package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/go-kit/log/level"
	"github.com/go-redis/redis_rate/v10"
	"github.com/hibiken/asynq"
	"github.com/mailio/go-mailio-keyshare/apiroutes"
	"github.com/mailio/go-mailio-keyshare/global"
	"github.com/mailio/go-mailio-keyshare/queue"
	"github.com/mailio/go-mailio-keyshare/services"
	"github.com/mailio/go-mailio-keyshare/types"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sys/unix"
)

func redisAddr(conf global.Config) string {
	return conf.Redis.Host + ":" + strconv.Itoa(conf.Redis.Port)
}

// QR login sessions and WebAuthn ceremonies
func initRedisClient(conf global.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     redisAddr(conf),
		Username: conf.Redis.Username,
		Password: conf.Redis.Password,
		DB:       0,
	})
}

func initRedisRateLimiter(conf global.Config) *redis.Client {
	redisRateLimitClient := redis.NewClient(&redis.Options{
		Addr:     redisAddr(conf),
		Username: conf.Redis.Username,
		Password: conf.Redis.Password,
		DB:       1,
	})

	// configure rate limiting
	// clears all data in the Redis database associated with the 'redisRateLimitClient' ignoring potential errors
	rCtx, rCancel := context.WithTimeout(context.Background(), time.Second*10)
	defer rCancel()

	_ = redisRateLimitClient.FlushDB(rCtx).Err()

	limiter := redis_rate.NewLimiter(redisRateLimitClient)
	global.RateLimiter = limiter

	return redisRateLimitClient
}

// calculates the retry delay using exponential backoff
// Here, baseDelay is the initial delay, and maxDelay caps the delay duration
func asyncRetryDelayFunc(attempt int, err error, t *asynq.Task) time.Duration {
	baseDelay := 2 * time.Second // device link prompts are only useful while the session lives
	maxDelay := 30 * time.Second

	delay := baseDelay * time.Duration(1<<attempt) // Double the delay with each retry
	if delay > maxDelay {
		delay = maxDelay
	}

	return delay
}

// initalizes the async queue
func initAsyncQueue(notificationService *services.NotificationService) (*asynq.Server, *asynq.Client) {
	queueRedisClient := asynq.RedisClientOpt{
		Addr:     redisAddr(global.Conf),
		Username: global.Conf.Redis.Username,
		Password: global.Conf.Redis.Password,
		DB:       2,
	}

	logLevel := asynq.InfoLevel
	if global.Conf.Mode != "debug" {
		logLevel = asynq.WarnLevel
	}
	concurrency := 10
	if global.Conf.Queue.Concurrency > 0 {
		concurrency = global.Conf.Queue.Concurrency
	}

	taskClient := asynq.NewClient(queueRedisClient)
	// start a task queue server
	taskServer := asynq.NewServer(
		queueRedisClient,
		asynq.Config{
			Concurrency:    concurrency,
			LogLevel:       logLevel,
			RetryDelayFunc: asyncRetryDelayFunc, // overriding the default retry delay function
		},
	)

	taskService := queue.NewNotificationQueue(notificationService)
	// start a task processing server
	mux := asynq.NewServeMux()
	mux.HandleFunc(types.QueueTypeDeviceLinkPush, taskService.ProcessDeviceLinkTask)

	if err := taskServer.Start(mux); err != nil {
		log.Fatalf("could not start server: %v", err)
	}
	return taskServer, taskClient
}

// @title Mailio Key Share API
// @version 1.0
// @description Server side of the Mailio key custody: auth shares, recovery methods and cross-device login
// @SecurityDefinitions.apikey Bearer
// @in header
// @name Authorization

// @license.name Apache 2.0
// @license.url http://www.apache.org/licenses/LICENSE-2.0.html
func main() {
	var (
		configFile string
	)
	// configuration file optional path. Default:  current dir with  filename conf.yaml
	flag.StringVar(&configFile, "c", "conf.yaml", "Configuration file path.")
	flag.StringVar(&configFile, "config", "conf.yaml", "Configuration file path.")
	flag.Usage = usage
	flag.Parse()

	// loading configuration file
	if err := global.LoadConfig(configFile, &global.Conf); err != nil {
		global.Logger.Log("error", err, "msg", "conf.yaml failed to load")
		panic("Failed to load conf.yaml")
	}
	global.SetLogLevel(global.Conf.Mode)
	if global.Conf.KeyShare.ServerSecret == "" {
		level.Error(global.Logger).Log("msg", "server secret not configured", "env", global.ServerSecretEnv)
		panic(types.ErrServerMisconfigured)
	}

	rrClient := initRedisRateLimiter(global.Conf)
	defer rrClient.Close()
	redisClient := initRedisClient(global.Conf)
	defer redisClient.Close()

	env := types.NewEnvironment(redisClient)
	defer env.Cron.Stop()

	// server wait to shutdown monitoring channels
	quit := make(chan os.Signal, 1)
	stop := make(chan os.Signal, 1)

	signal.Notify(quit, os.Interrupt, unix.SIGTERM)
	signal.Notify(stop, os.Interrupt, unix.SIGTERM, unix.SIGTSTP)

	identityCtx, identityCancel := context.WithTimeout(context.Background(), 30*time.Second)
	identityService, idErr := services.NewIdentityServiceFromConfig(identityCtx, global.Conf.IdentityProviders)
	identityCancel()
	if idErr != nil {
		level.Error(global.Logger).Log("msg", "failed to configure identity providers", "error", idErr)
		panic(idErr)
	}

	dbSelector := ConfigDBSelector()
	ConfigWebAuthN(&global.Conf, env)

	notificationService := services.NewNotificationService(services.NewNotificationSink(global.Conf.Notifications))
	// initialize the async queue
	taskServer, taskClient := initAsyncQueue(notificationService)
	defer taskClient.Close()
	env.TaskClient = taskClient

	svc := apiroutes.NewServices(dbSelector, env, identityService, notificationService)
	ConfigDBIndexing(dbSelector, svc.UserKey, env)

	// configure routes
	router := apiroutes.ConfigRoutes(NewRouter(&global.Conf), svc)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", global.Conf.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	done := make(chan bool, 1)
	go func() {
		<-quit
		level.Info(global.Logger).Log("msg", "shutting down server")
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			level.Error(global.Logger).Log("msg", "server shutdown failed", "error", err)
		}
		close(done)
	}()

	// stop the async queue server
	go func() {
		for {
			s := <-stop
			level.Info(global.Logger).Log("msg", "shutting down task queue server")
			if s == unix.SIGTSTP {
				taskServer.Stop() // Stop processing new tasks
				continue
			}
			break
		}
		taskServer.Shutdown()
	}()

	level.Info(global.Logger).Log("msg", "server is ready to handle requests", "port", global.Conf.Port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		panic(fmt.Sprintf("%v\n", err))
	}

	<-done
}

// usage will print out the flag options for the server.
func usage() {
	usageStr := `Usage: keyshare-server [options]
	Server Options:
	-c, --config <file>              Configuration file path
`
	fmt.Printf("%s\n", usageStr)
	os.Exit(0)
}
