// Package public maintains the group of handlers for public access.
package public

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/sa2shinakamo2/bt2c/business/web/errs"
	"github.com/sa2shinakamo2/bt2c/foundation/blockchain/database"
	"github.com/sa2shinakamo2/bt2c/foundation/blockchain/state"
	"github.com/sa2shinakamo2/bt2c/foundation/events"
	"github.com/sa2shinakamo2/bt2c/foundation/web"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Handlers manages the set of public endpoints.
type Handlers struct {
	Log   *zap.SugaredLogger
	State *state.State
	WS    websocket.Upgrader
	Evts  *events.Events
}

// Events handles a web socket to provide engine events to a client.
func (h Handlers) Events(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	v, err := web.GetValues(ctx)
	if err != nil {
		return web.NewShutdownError("web value missing from context")
	}

	c, err := h.WS.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	defer c.Close()

	h.Log.Infow("events", "traceid", v.TraceID, "message", "socket open")
	defer h.Log.Infow("events", "traceid", v.TraceID, "message", "socket closed")

	ch := h.Evts.Acquire(v.TraceID)
	defer h.Evts.Release(v.TraceID)

	for event := range ch {
		if err := c.WriteJSON(event); err != nil {
			return err
		}
	}

	return nil
}

// Genesis returns the genesis information.
func (h Handlers) Genesis(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	gen := h.State.Genesis()
	return web.Respond(ctx, w, gen, http.StatusOK)
}

// Tip returns the current chain tip.
func (h Handlers) Tip(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	height, exists := h.State.Height()
	if !exists {
		return errs.NewTrusted(errors.New("chain is empty"), http.StatusNotFound)
	}

	block := h.State.LatestBlock()
	tip := Tip{
		Height: height,
		Hash:   block.Hash(),
	}

	return web.Respond(ctx, w, tip, http.StatusOK)
}

// BlocksByRange returns the blocks in the specified range, inclusive.
func (h Handlers) BlocksByRange(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	fromStr := web.Param(r, "from")
	toStr := web.Param(r, "to")

	from, err := strconv.ParseUint(fromStr, 10, 64)
	if err != nil {
		return errs.NewTrusted(fmt.Errorf("invalid from height %q", fromStr), http.StatusBadRequest)
	}

	var to uint64
	if toStr == "latest" {
		to, _ = h.State.Height()
	} else {
		to, err = strconv.ParseUint(toStr, 10, 64)
		if err != nil {
			return errs.NewTrusted(fmt.Errorf("invalid to height %q", toStr), http.StatusBadRequest)
		}
	}

	if from > to {
		return errs.NewTrusted(errors.New("from height is greater than to height"), http.StatusBadRequest)
	}

	blocks, err := h.State.BlocksInRange(from, to)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return errs.NewTrusted(err, http.StatusNotFound)
		}
		return err
	}

	models := make([]Block, len(blocks))
	for i, block := range blocks {
		models[i] = toBlockModel(block)
	}

	return web.Respond(ctx, w, models, http.StatusOK)
}

// BlockByHash returns the block with the specified hash.
func (h Handlers) BlockByHash(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	hash := web.Param(r, "hash")

	block, err := h.State.GetBlockByHash(hash)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return errs.NewTrusted(err, http.StatusNotFound)
		}
		return err
	}

	return web.Respond(ctx, w, toBlockModel(block), http.StatusOK)
}

// Balance returns the sum of unspent outputs owned by an account.
func (h Handlers) Balance(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	accountStr := web.Param(r, "account")

	accountID, err := database.ToAccountID(accountStr)
	if err != nil {
		return errs.NewTrusted(err, http.StatusBadRequest)
	}

	balance := Balance{
		Account: accountID,
		Balance: h.State.Balance(accountID),
	}

	return web.Respond(ctx, w, balance, http.StatusOK)
}

// Output returns a single unspent output.
func (h Handlers) Output(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	txHash := web.Param(r, "tx")
	indexStr := web.Param(r, "index")

	index, err := strconv.ParseUint(indexStr, 10, 32)
	if err != nil {
		return errs.NewTrusted(fmt.Errorf("invalid output index %q", indexStr), http.StatusBadRequest)
	}

	if !h.State.IsUnspent(txHash, uint32(index)) {
		return errs.NewTrusted(errors.New("output does not exist or is spent"), http.StatusNotFound)
	}

	utxos := h.State.UnspentOutputs()
	for _, u := range utxos {
		if u.TxHash == txHash && u.OutputIndex == uint32(index) {
			return web.Respond(ctx, w, u, http.StatusOK)
		}
	}

	return errs.NewTrusted(errors.New("output does not exist or is spent"), http.StatusNotFound)
}

// Validators returns the full validator set.
func (h Handlers) Validators(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	return web.Respond(ctx, w, h.State.Validators(), http.StatusOK)
}

// Validator returns the record for a single validator.
func (h Handlers) Validator(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	accountStr := web.Param(r, "account")

	accountID, err := database.ToAccountID(accountStr)
	if err != nil {
		return errs.NewTrusted(err, http.StatusBadRequest)
	}

	v, exists := h.State.Validator(accountID)
	if !exists {
		return errs.NewTrusted(errors.New("unknown validator"), http.StatusNotFound)
	}

	return web.Respond(ctx, w, v, http.StatusOK)
}

// SelectionHistory returns the recent producer selections.
func (h Handlers) SelectionHistory(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	return web.Respond(ctx, w, h.State.SelectionHistory(), http.StatusOK)
}

// NextProducer runs the selection for the next height without committing it.
func (h Handlers) NextProducer(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	producer, err := h.State.NextProducer()
	if err != nil {
		return errs.NewTrusted(err, http.StatusConflict)
	}

	next := NextProducer{
		Account: producer,
	}
	if height, exists := h.State.Height(); exists {
		next.Height = height + 1
	}

	return web.Respond(ctx, w, next, http.StatusOK)
}

// Checkpoints returns the recorded checkpoints, most recent first.
func (h Handlers) Checkpoints(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	return web.Respond(ctx, w, h.State.Checkpoints(), http.StatusOK)
}
