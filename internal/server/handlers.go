// handlers.go - HTTP handlers for the pool API.

package server

import (
	"errors"
	"math/bits"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ptf-labs/shieldpool/internal/chain"
	"github.com/ptf-labs/shieldpool/internal/factory"
	"github.com/ptf-labs/shieldpool/internal/field"
	"github.com/ptf-labs/shieldpool/internal/merkle"
	"github.com/ptf-labs/shieldpool/internal/nullifier"
	"github.com/ptf-labs/shieldpool/internal/planner"
	"github.com/ptf-labs/shieldpool/internal/pool"
	"github.com/ptf-labs/shieldpool/internal/proofs"
	"github.com/ptf-labs/shieldpool/internal/shield"
)

var (
	errUnknownPool   = errors.New("unknown pool")
	errPoolSuspended = errors.New("pool suspended by governance")
)

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleGetRoots(c *gin.Context) {
	rt, err := s.runtime(c.Param("pool"))
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, rootsSnapshot(rt))
}

// rootsSnapshot collects the tree's root window and the pool's accepted
// hash-chained roots into one mirror-ready response.
func rootsSnapshot(rt *poolRuntime) chain.RootsResponse {
	recent := make([]string, 0, 16)
	for _, r := range rt.tree.RecentRoots() {
		r := r
		recent = append(recent, field.FromElement(&r))
	}
	recent = append(recent, rt.pool.AcceptedRoots()...)
	return chain.RootsResponse{
		Current: rt.currentRoot(),
		Recent:  recent,
	}
}

// handlePublishRoots accepts a snapshot from an off-chain mirror. The data
// is advisory; it never feeds the authoritative root check.
func (s *Server) handlePublishRoots(c *gin.Context) {
	rt, err := s.runtime(c.Param("pool"))
	if err != nil {
		abortWith(c, err)
		return
	}
	var snap chain.RootsResponse
	if err := c.ShouldBindJSON(&snap); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.mu.Lock()
	s.published[rt.id] = snap
	s.mu.Unlock()
	c.Status(http.StatusNoContent)
}

func (s *Server) handleGetNullifiers(c *gin.Context) {
	rt, err := s.runtime(c.Param("pool"))
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"nullifiers": rt.spent.List()})
}

var errNoMirror = errors.New("no remote mirror configured")

// handleResync reconciles the advisory stores with the remote mirror: the
// local nullifier mirror is replaced by the remote set and the pool's root
// window is published back. The authoritative registry is never touched;
// remote entries it does not know are only reported as drift.
func (s *Server) handleResync(c *gin.Context) {
	rt, err := s.runtime(c.Param("pool"))
	if err != nil {
		abortWith(c, err)
		return
	}
	if s.remote == nil {
		abortWith(c, errNoMirror)
		return
	}
	ctx := c.Request.Context()

	nfs, err := s.remote.GetNullifiers(ctx, rt.id)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	drift := 0
	for _, nf := range nfs {
		if !rt.spent.Contains(nf) {
			drift++
		}
	}
	if drift > 0 {
		s.log.Warn().Str("pool", rt.id).Int("drift", drift).Msg("mirror carries nullifiers unknown to the registry")
	}
	if err := rt.mirror.Replace(rt.id, nfs); err != nil {
		abortWith(c, err)
		return
	}
	if err := s.remote.PublishRoots(ctx, rt.id, rootsSnapshot(rt)); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"nullifiers": len(nfs), "drift": drift})
}

type shieldBody struct {
	Amount    uint64 `json:"amount"`
	Recipient string `json:"recipient"`
	DepositID string `json:"depositId"`
	Blinding  string `json:"blinding"`
}

type shieldResponse struct {
	Bundle     *proofs.Bundle `json:"bundle"`
	Fee        uint64         `json:"fee"`
	NoteAmount uint64         `json:"noteAmount"`
	LeafRoot   string         `json:"root"`
}

// handleShield proves a deposit and drives the finalizer through all of
// its states before answering.
func (s *Server) handleShield(c *gin.Context) {
	rt, err := s.runtime(c.Param("pool"))
	if err != nil {
		abortWith(c, err)
		return
	}
	var body shieldBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	fee, err := rt.pool.CalculateFee(body.Amount)
	if err != nil {
		abortWith(c, err)
		return
	}
	noteAmount, carry := bits.Add64(body.Amount, fee, 0)
	if carry != 0 {
		abortWith(c, pool.ErrInvalidAmount)
		return
	}

	req := &proofs.ShieldRequest{
		OldRoot:   rt.currentRoot(),
		Amount:    noteAmount,
		Recipient: body.Recipient,
		DepositID: body.DepositID,
		PoolID:    rt.id,
		Blinding:  body.Blinding,
		MintID:    rt.mintID,
	}
	bundle, err := rt.coord.Shield(c.Request.Context(), req)
	if err != nil {
		abortWith(c, err)
		return
	}

	depositID, err := field.Canonicalize(body.DepositID)
	if err != nil {
		abortWith(c, err)
		return
	}
	commitment := bundle.PublicInputs[2]
	if err := rt.fin.Begin(depositID, commitment, noteAmount); err != nil {
		abortWith(c, err)
		return
	}
	if err := s.finalize(rt, depositID); err != nil {
		abortWith(c, err)
		return
	}

	c.JSON(http.StatusOK, shieldResponse{
		Bundle:     bundle,
		Fee:        fee,
		NoteAmount: noteAmount,
		LeafRoot:   rt.pool.CurrentRoot(),
	})
}

// finalize drives a claim to completion. Each step re-observes state, so a
// partially-finalized claim resumes where it stopped.
func (s *Server) finalize(rt *poolRuntime, depositID string) error {
	for {
		state, err := rt.fin.AdvanceTree(depositID)
		if err != nil {
			return err
		}
		if state != shield.StatePendingTree {
			break
		}
	}
	if _, err := rt.fin.AppendLedger(depositID); err != nil {
		return err
	}
	return rt.fin.FinalizeInvariant(depositID)
}

// handleTransfer proves an in-pool transfer and applies it atomically:
// nullifiers enter the registry, output commitments enter the tree, and
// the pool's accounting moves in one step.
func (s *Server) handleTransfer(c *gin.Context) {
	rt, err := s.runtime(c.Param("pool"))
	if err != nil {
		abortWith(c, err)
		return
	}
	var req proofs.TransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.OldRoot == "" {
		req.OldRoot = rt.currentRoot()
	}
	req.PoolID = rt.id
	req.MintID = rt.mintID

	bundle, err := rt.coord.Transfer(c.Request.Context(), &req)
	if err != nil {
		abortWith(c, err)
		return
	}

	k, m := len(req.Inputs), len(req.Outputs)
	nfs := bundle.PublicInputs[2 : 2+k]
	cms := bundle.PublicInputs[2+k : 2+k+m]

	inputIDs := make([]string, k)
	for i, in := range req.Inputs {
		if inputIDs[i], err = field.Canonicalize(in.NoteID); err != nil {
			abortWith(c, err)
			return
		}
	}
	outputs := make([]pool.NoteCreation, m)
	for j, out := range req.Outputs {
		id, err := field.Canonicalize(out.NoteID)
		if err != nil {
			abortWith(c, err)
			return
		}
		outputs[j] = pool.NoteCreation{ID: id, Commitment: cms[j], Amount: out.Amount}
	}

	if err := rt.pool.PrivateTransfer(rt.vault, nfs, inputIDs, outputs, bundle.NewRoot); err != nil {
		abortWith(c, err)
		return
	}
	s.recordSpent(rt, nfs)
	s.insertCommitments(rt, cms)

	c.JSON(http.StatusOK, gin.H{"bundle": bundle, "newRoot": bundle.NewRoot})
}

type unshieldResponse struct {
	Bundle  *proofs.Bundle        `json:"bundle"`
	Outcome *pool.UnshieldOutcome `json:"outcome"`
	Change  uint64                `json:"change"`
}

// handleUnshield proves an exit and applies it. The fee is computed
// server-side from the pool's configuration; a client-supplied fee is
// ignored.
func (s *Server) handleUnshield(c *gin.Context) {
	rt, err := s.runtime(c.Param("pool"))
	if err != nil {
		abortWith(c, err)
		return
	}
	var req proofs.UnshieldRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.OldRoot == "" {
		req.OldRoot = rt.currentRoot()
	}
	req.PoolID = rt.id
	req.MintID = rt.mintID
	if req.Fee, err = rt.pool.CalculateFee(req.Amount); err != nil {
		abortWith(c, err)
		return
	}

	bundle, err := rt.coord.Unshield(c.Request.Context(), &req)
	if err != nil {
		abortWith(c, err)
		return
	}

	nf := bundle.PublicInputs[2]
	noteAmount := req.Amount + req.Fee
	if req.NoteAmount != nil {
		noteAmount = *req.NoteAmount
	}
	change := noteAmount - req.Amount - req.Fee

	noteID, err := field.Canonicalize(req.NoteID)
	if err != nil {
		abortWith(c, err)
		return
	}
	var outputs []pool.NoteCreation
	if change > 0 {
		id, err := changeNoteID(nf)
		if err != nil {
			abortWith(c, err)
			return
		}
		outputs = append(outputs, pool.NoteCreation{
			ID:         id,
			Commitment: bundle.PublicInputs[3],
			Amount:     change,
		})
	}

	var outcome *pool.UnshieldOutcome
	switch req.Mode {
	case proofs.ModePtkn:
		outcome, err = rt.pool.UnshieldToPtkn(rt.vault, []string{nf}, []string{noteID}, outputs, req.Amount, req.DestPubkey, bundle.NewRoot)
	default:
		outcome, err = rt.pool.UnshieldToOrigin(rt.vault, []string{nf}, []string{noteID}, outputs, req.Amount, req.DestPubkey, bundle.NewRoot)
	}
	if err != nil {
		abortWith(c, err)
		return
	}
	s.recordSpent(rt, []string{nf})
	if len(outputs) > 0 {
		s.insertCommitments(rt, []string{outputs[0].Commitment})
	}

	c.JSON(http.StatusOK, unshieldResponse{Bundle: bundle, Outcome: outcome, Change: change})
}

type planBody struct {
	Notes  []planner.Note `json:"notes"`
	Target uint64         `json:"target"`
}

func (s *Server) handlePlan(c *gin.Context) {
	if _, err := s.runtime(c.Param("pool")); err != nil {
		abortWith(c, err)
		return
	}
	var body planBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sel, err := planner.SelectNotes(body.Notes, body.Target)
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, sel)
}

type allowanceBody struct {
	Owner   string `json:"owner"`
	Spender string `json:"spender"`
	Amount  uint64 `json:"amount"`
}

func (s *Server) handleApprove(c *gin.Context) {
	var body allowanceBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.allowances.Approve(body.Owner, body.Spender, body.Amount)
	c.Status(http.StatusNoContent)
}

func (s *Server) handleRevoke(c *gin.Context) {
	var body allowanceBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.allowances.Revoke(body.Owner, body.Spender)
	c.Status(http.StatusNoContent)
}

func (s *Server) handleAllowance(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"owner":     c.Param("owner"),
		"spender":   c.Param("spender"),
		"remaining": s.allowances.Allowance(c.Param("owner"), c.Param("spender")),
	})
}

func (s *Server) handlePause(c *gin.Context) {
	s.factory.Pause()
	c.Status(http.StatusNoContent)
}

func (s *Server) handleUnpause(c *gin.Context) {
	s.factory.Unpause()
	c.Status(http.StatusNoContent)
}

func (s *Server) handleFreeze(c *gin.Context) {
	if err := s.factory.FreezeMapping(c.Param("mint")); err != nil {
		abortWith(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleThaw(c *gin.Context) {
	if err := s.factory.ThawMapping(c.Param("mint")); err != nil {
		abortWith(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// recordSpent inserts nullifiers into the authoritative registry and the
// advisory store. Registry insertion follows a successful pool apply, so a
// duplicate here indicates a bug rather than a user replay.
func (s *Server) recordSpent(rt *poolRuntime, nfs []string) {
	for _, nf := range nfs {
		if err := rt.spent.Insert(nf); err != nil {
			s.log.Error().Str("pool", rt.id).Str("nullifier", nf).Err(err).Msg("registry insert failed")
			continue
		}
		if err := rt.mirror.Put(rt.id, nf); err != nil {
			s.log.Warn().Str("pool", rt.id).Err(err).Msg("nullifier mirror write failed")
		}
	}
}

// insertCommitments appends commitments to the tree. Tree roots join the
// accepted window alongside the pool's hash-chained heads.
func (s *Server) insertCommitments(rt *poolRuntime, cms []string) {
	for _, cm := range cms {
		leaf, err := field.ToElement(cm)
		if err != nil {
			s.log.Error().Str("pool", rt.id).Str("commitment", cm).Err(err).Msg("bad commitment")
			continue
		}
		if _, _, err := rt.tree.Insert(leaf); err != nil {
			s.log.Error().Str("pool", rt.id).Err(err).Msg("tree insert failed")
		}
	}
}

// abortWith maps domain errors onto HTTP statuses.
func abortWith(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errUnknownPool):
		status = http.StatusNotFound
	case errors.Is(err, errPoolSuspended):
		status = http.StatusForbidden
	case errors.Is(err, proofs.ErrSchemaViolation), errors.Is(err, field.ErrInvalidEncoding):
		status = http.StatusBadRequest
	case errors.Is(err, proofs.ErrUnknownRoot),
		errors.Is(err, nullifier.ErrAlreadySpent),
		errors.Is(err, shield.ErrClaimActive),
		errors.Is(err, merkle.ErrInsertPending):
		status = http.StatusConflict
	case errors.Is(err, proofs.ErrNegativeChange),
		errors.Is(err, proofs.ErrChangeRecipientRequired),
		errors.Is(err, planner.ErrInsufficientLiquidity),
		errors.Is(err, planner.ErrAllowanceExceeded),
		errors.Is(err, pool.ErrInvalidAmount),
		errors.Is(err, pool.ErrFeatureDisabled),
		errors.Is(err, pool.ErrNullifierReuse),
		errors.Is(err, pool.ErrNoteNotFound),
		errors.Is(err, pool.ErrNoteExists):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, proofs.ErrProverUnavailable), errors.Is(err, errNoMirror):
		status = http.StatusServiceUnavailable
	case errors.Is(err, factory.ErrMintNotFound):
		status = http.StatusNotFound
	case errors.Is(err, factory.ErrPaused):
		status = http.StatusForbidden
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
