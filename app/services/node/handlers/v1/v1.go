// Package v1 contains the full set of handler functions and routes
// supported by the v1 web api.
package v1

import (
	"net/http"

	"github.com/sa2shinakamo2/bt2c/app/services/node/handlers/v1/private"
	"github.com/sa2shinakamo2/bt2c/app/services/node/handlers/v1/public"
	"github.com/sa2shinakamo2/bt2c/foundation/blockchain/state"
	"github.com/sa2shinakamo2/bt2c/foundation/events"
	"github.com/sa2shinakamo2/bt2c/foundation/web"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const version = "v1"

// Config contains all the mandatory systems required by handlers.
type Config struct {
	Log   *zap.SugaredLogger
	State *state.State
	Evts  *events.Events
}

// PublicRoutes binds all the version 1 public routes.
func PublicRoutes(app *web.App, cfg Config) {
	pbl := public.Handlers{
		Log:   cfg.Log,
		State: cfg.State,
		WS:    websocket.Upgrader{},
		Evts:  cfg.Evts,
	}

	app.Handle(http.MethodGet, version, "/events", pbl.Events)
	app.Handle(http.MethodGet, version, "/genesis", pbl.Genesis)
	app.Handle(http.MethodGet, version, "/chain/tip", pbl.Tip)
	app.Handle(http.MethodGet, version, "/blocks/:from/:to", pbl.BlocksByRange)
	app.Handle(http.MethodGet, version, "/block/:hash", pbl.BlockByHash)
	app.Handle(http.MethodGet, version, "/balance/:account", pbl.Balance)
	app.Handle(http.MethodGet, version, "/utxo/:tx/:index", pbl.Output)
	app.Handle(http.MethodGet, version, "/validators", pbl.Validators)
	app.Handle(http.MethodGet, version, "/validator/:account", pbl.Validator)
	app.Handle(http.MethodGet, version, "/selection/history", pbl.SelectionHistory)
	app.Handle(http.MethodGet, version, "/selection/next", pbl.NextProducer)
	app.Handle(http.MethodGet, version, "/checkpoints", pbl.Checkpoints)
}

// PrivateRoutes binds all the version 1 private routes.
func PrivateRoutes(app *web.App, cfg Config) {
	prv := private.Handlers{
		Log:   cfg.Log,
		State: cfg.State,
	}

	app.Handle(http.MethodPost, version, "/node/block", prv.SubmitBlock)
	app.Handle(http.MethodPost, version, "/node/fork", prv.SubmitFork)
	app.Handle(http.MethodPost, version, "/node/validator/stake", prv.SetStake)
	app.Handle(http.MethodPost, version, "/node/validator/unjail", prv.Unjail)
	app.Handle(http.MethodPost, version, "/node/validator/missed", prv.ReportMissed)
	app.Handle(http.MethodPost, version, "/node/validator/doublesign", prv.ReportDoubleSign)
	app.Handle(http.MethodPost, version, "/node/validator/signals", prv.UpdateSignals)
	app.Handle(http.MethodPost, version, "/node/checkpoint/restore", prv.RestoreCheckpoint)
	app.Handle(http.MethodGet, version, "/node/checkpoint/verify", prv.VerifyCheckpoints)
}
