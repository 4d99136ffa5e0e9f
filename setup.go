package main

import (
	"errors"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-kit/log/level"
	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/mailio/go-mailio-keyshare/global"
	"github.com/mailio/go-mailio-keyshare/repository"
	"github.com/mailio/go-mailio-keyshare/services"
	"github.com/mailio/go-mailio-keyshare/types"
)

// Configure DB Repositories and create DB Selector. Without a CouchDB host the repositories
// are kept in memory (development only).
func ConfigDBSelector() *repository.CouchDBSelector {
	dbSelector := repository.NewCouchDBSelector()

	if global.Conf.CouchDB.Host == "" {
		level.Warn(global.Logger).Log("msg", "no couchdb configured, key records are kept in memory")
		for _, db := range repository.Databases {
			dbSelector.AddDB(repository.NewMemoryRepository(db))
		}
		return dbSelector
	}

	repoUrl := global.Conf.CouchDB.Scheme + "://" + global.Conf.CouchDB.Host + ":" + strconv.Itoa(global.Conf.CouchDB.Port)
	userKeyRepo, ukErr := repository.NewCouchDBRepository(repoUrl, repository.UserKey, global.Conf.CouchDB.Username, global.Conf.CouchDB.Password, false)
	passkeyUserRepo, pkErr := repository.NewCouchDBRepository(repoUrl, repository.PasskeyUser, global.Conf.CouchDB.Username, global.Conf.CouchDB.Password, false)

	repoErr := errors.Join(ukErr, pkErr)
	if repoErr != nil {
		level.Error(global.Logger).Log("msg", "failed to create repositories", "error", repoErr)
		panic(repoErr)
	}

	dbSelector.AddDB(userKeyRepo)
	dbSelector.AddDB(passkeyUserRepo)
	return dbSelector
}

// ConfigDBIndexing creates the Mango indexes and schedules the orphaned recovery method sweep
func ConfigDBIndexing(dbSelector *repository.CouchDBSelector, userKeyService *services.UserKeyService, environment *types.Environment) {
	if global.Conf.CouchDB.Host != "" {
		userKeyRepo, ukErr := dbSelector.ChooseDB(repository.UserKey)
		if ukErr != nil {
			panic(ukErr)
		}
		if err := repository.CreateUserKeyIndexes(userKeyRepo); err != nil {
			panic(err)
		}
		passkeyRepo, pkErr := dbSelector.ChooseDB(repository.PasskeyUser)
		if pkErr != nil {
			panic(pkErr)
		}
		if err := repository.CreatePasskeyUserNameIndex(passkeyRepo); err != nil {
			panic(err)
		}
	}

	sweep := func() {
		if _, err := userKeyService.SweepOrphanedRecoveryMethods(); err != nil {
			level.Error(global.Logger).Log("msg", "orphaned recovery method sweep failed", "error", err)
		}
	}
	// cron jobs
	if _, err := environment.Cron.AddFunc(global.Conf.KeyShare.PruneSchedule, sweep); err != nil {
		level.Error(global.Logger).Log("msg", "invalid prune schedule", "schedule", global.Conf.KeyShare.PruneSchedule, "error", err)
		panic(err)
	}
	environment.Cron.Start()
	go sweep() // run once on startup
}

func ConfigWebAuthN(conf *global.Config, env *types.Environment) {
	if !conf.WebAuthn.Enabled {
		level.Info(global.Logger).Log("msg", "webauthn disabled, passkey credentials are not verified server side")
		return
	}
	// passkeys only serve recovery here, so any authenticator with user verification is accepted
	wconfig := &webauthn.Config{
		RPDisplayName: conf.WebAuthn.RPDisplayName,
		RPID:          conf.WebAuthn.RPID,
		RPOrigins:     conf.WebAuthn.RPOrigins,
		Debug:         conf.Mode == "debug",
		AuthenticatorSelection: protocol.AuthenticatorSelection{
			UserVerification: protocol.VerificationRequired,
			ResidentKey:      protocol.ResidentKeyRequirementPreferred,
		},
	}
	webAuthn, err := webauthn.New(wconfig)
	if err != nil {
		level.Error(global.Logger).Log("msg", "failed to create webauthn", "error", err)
		panic(err)
	}

	env.WebAuthN = webAuthn
}

// NewRouter creates the gin engine with recovery, logging and CORS
func NewRouter(conf *global.Config) *gin.Engine {
	if conf.Mode == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	if conf.Mode == "debug" {
		router.Use(gin.Logger())
	}

	corsConfig := cors.DefaultConfig()
	if len(conf.Cors.AllowOrigins) > 0 {
		corsConfig.AllowOrigins = conf.Cors.AllowOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, "Authorization")
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))
	return router
}
