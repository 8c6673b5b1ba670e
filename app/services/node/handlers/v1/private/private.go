// Package private maintains the group of handlers for node-to-node access.
package private

import (
	"context"
	"errors"
	"net/http"

	"github.com/sa2shinakamo2/bt2c/business/web/errs"
	"github.com/sa2shinakamo2/bt2c/foundation/blockchain/checkpoint"
	"github.com/sa2shinakamo2/bt2c/foundation/blockchain/database"
	"github.com/sa2shinakamo2/bt2c/foundation/blockchain/state"
	"github.com/sa2shinakamo2/bt2c/foundation/blockchain/utxo"
	"github.com/sa2shinakamo2/bt2c/foundation/web"
	"go.uber.org/zap"
)

// Handlers manages the set of node-to-node endpoints.
type Handlers struct {
	Log   *zap.SugaredLogger
	State *state.State
}

// SubmitBlock accepts a newly produced block from a peer for inclusion at
// the tip of the chain.
func (h Handlers) SubmitBlock(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	var blockData database.BlockData
	if err := web.Decode(r, &blockData); err != nil {
		return errs.NewTrusted(err, http.StatusBadRequest)
	}

	block, err := database.ToBlock(blockData)
	if err != nil {
		return errs.NewTrusted(err, http.StatusBadRequest)
	}

	if err := h.State.AppendBlock(block); err != nil {
		return appendStatus(err)
	}

	resp := struct {
		Status string `json:"status"`
		Height uint64 `json:"height"`
		Hash   string `json:"hash"`
	}{
		Status: "accepted",
		Height: block.Header.Height,
		Hash:   block.Hash(),
	}

	return web.Respond(ctx, w, resp, http.StatusOK)
}

// SubmitFork accepts a candidate chain suffix from a peer and runs fork
// resolution against the current chain.
func (h Handlers) SubmitFork(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	var blockDatas []database.BlockData
	if err := web.Decode(r, &blockDatas); err != nil {
		return errs.NewTrusted(err, http.StatusBadRequest)
	}

	candidate := make([]database.Block, len(blockDatas))
	for i, blockData := range blockDatas {
		block, err := database.ToBlock(blockData)
		if err != nil {
			return errs.NewTrusted(err, http.StatusBadRequest)
		}
		candidate[i] = block
	}

	err := h.State.ResolveFork(ctx, candidate)
	switch {
	case errors.Is(err, state.ErrForkNotPreferred):
		return errs.NewTrusted(err, http.StatusConflict)
	case err != nil:
		return appendStatus(err)
	}

	tip := h.State.LatestBlock()
	resp := struct {
		Status string `json:"status"`
		Height uint64 `json:"height"`
		Hash   string `json:"hash"`
	}{
		Status: "reorganized",
		Height: tip.Header.Height,
		Hash:   tip.Hash(),
	}

	return web.Respond(ctx, w, resp, http.StatusOK)
}

// SetStake adjusts the bonded stake for a validator.
func (h Handlers) SetStake(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	var req struct {
		Account string `json:"account" validate:"required"`
		Stake   uint64 `json:"stake"`
	}
	if err := web.Decode(r, &req); err != nil {
		return errs.NewTrusted(err, http.StatusBadRequest)
	}

	accountID, err := database.ToAccountID(req.Account)
	if err != nil {
		return errs.NewTrusted(err, http.StatusBadRequest)
	}

	h.State.SetStake(accountID, req.Stake)

	return web.Respond(ctx, w, nil, http.StatusNoContent)
}

// Unjail moves a jailed validator back to active.
func (h Handlers) Unjail(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	var req struct {
		Account string `json:"account" validate:"required"`
	}
	if err := web.Decode(r, &req); err != nil {
		return errs.NewTrusted(err, http.StatusBadRequest)
	}

	accountID, err := database.ToAccountID(req.Account)
	if err != nil {
		return errs.NewTrusted(err, http.StatusBadRequest)
	}

	if err := h.State.Unjail(accountID); err != nil {
		return errs.NewTrusted(err, http.StatusConflict)
	}

	return web.Respond(ctx, w, nil, http.StatusNoContent)
}

// ReportMissed charges a validator with failing to produce the block at
// the specified height.
func (h Handlers) ReportMissed(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	var req struct {
		Account string `json:"account" validate:"required"`
		Height  uint64 `json:"height"`
	}
	if err := web.Decode(r, &req); err != nil {
		return errs.NewTrusted(err, http.StatusBadRequest)
	}

	accountID, err := database.ToAccountID(req.Account)
	if err != nil {
		return errs.NewTrusted(err, http.StatusBadRequest)
	}

	h.State.ReportMissed(accountID, req.Height)

	return web.Respond(ctx, w, nil, http.StatusNoContent)
}

// ReportDoubleSign tombstones a validator observed signing two blocks at
// the same height.
func (h Handlers) ReportDoubleSign(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	var req struct {
		Account string `json:"account" validate:"required"`
	}
	if err := web.Decode(r, &req); err != nil {
		return errs.NewTrusted(err, http.StatusBadRequest)
	}

	accountID, err := database.ToAccountID(req.Account)
	if err != nil {
		return errs.NewTrusted(err, http.StatusBadRequest)
	}

	h.State.ReportDoubleSign(accountID)

	return web.Respond(ctx, w, nil, http.StatusNoContent)
}

// UpdateSignals overrides a validator's raw performance signals with
// externally observed telemetry.
func (h Handlers) UpdateSignals(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	var req struct {
		Account    string  `json:"account" validate:"required"`
		Accuracy   float64 `json:"accuracy"`
		Uptime     float64 `json:"uptime"`
		Throughput float64 `json:"throughput"`
	}
	if err := web.Decode(r, &req); err != nil {
		return errs.NewTrusted(err, http.StatusBadRequest)
	}

	accountID, err := database.ToAccountID(req.Account)
	if err != nil {
		return errs.NewTrusted(err, http.StatusBadRequest)
	}

	h.State.UpdateSignals(accountID, req.Accuracy, req.Uptime, req.Throughput)

	return web.Respond(ctx, w, nil, http.StatusNoContent)
}

// RestoreCheckpoint rewinds the chain to the most recent checkpoint.
func (h Handlers) RestoreCheckpoint(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	if err := h.State.RestoreToCheckpoint(); err != nil {
		return appendStatus(err)
	}

	tip := h.State.LatestBlock()
	resp := struct {
		Status string `json:"status"`
		Height uint64 `json:"height"`
		Hash   string `json:"hash"`
	}{
		Status: "restored",
		Height: tip.Header.Height,
		Hash:   tip.Hash(),
	}

	return web.Respond(ctx, w, resp, http.StatusOK)
}

// VerifyCheckpoints confirms the stored chain matches every recorded
// checkpoint.
func (h Handlers) VerifyCheckpoints(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	if err := h.State.VerifyCheckpoints(); err != nil {
		return appendStatus(err)
	}

	resp := struct {
		Status string `json:"status"`
	}{
		Status: "verified",
	}

	return web.Respond(ctx, w, resp, http.StatusOK)
}

// =============================================================================

// appendStatus maps the engine's error taxonomy onto HTTP status codes.
func appendStatus(err error) error {
	var heightErr *database.HeightMismatchError
	var discErr *database.ChainDiscontinuityError
	var invalidErr *database.InvalidBlockError
	var spendErr *utxo.DoubleSpendError
	var reorgErr *state.ReorgTooDeepError
	var cpErr *checkpoint.CheckpointHashMismatchError

	switch {
	case errors.As(err, &heightErr):
		return errs.NewTrustedBlock(err, http.StatusConflict, heightErr.Got, "")
	case errors.As(err, &discErr):
		return errs.NewTrustedBlock(err, http.StatusConflict, discErr.Height, discErr.PrevHash)
	case errors.As(err, &invalidErr):
		return errs.NewTrustedBlock(err, http.StatusUnprocessableEntity, invalidErr.Height, invalidErr.Hash)
	case errors.As(err, &spendErr):
		return errs.NewTrustedBlock(err, http.StatusUnprocessableEntity, spendErr.BlockHeight, "")
	case errors.As(err, &reorgErr):
		return errs.NewTrusted(err, http.StatusForbidden)
	case errors.As(err, &cpErr):
		return errs.NewTrustedBlock(err, http.StatusConflict, cpErr.Height, cpErr.Expected)
	}

	return err
}
