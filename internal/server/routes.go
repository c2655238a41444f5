package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/hustlexp/money-core/internal/auth"
	"github.com/hustlexp/money-core/internal/idgen"
	"github.com/hustlexp/money-core/internal/logging"
	"github.com/hustlexp/money-core/internal/metrics"
	"github.com/hustlexp/money-core/internal/money/dbtx"
	"github.com/hustlexp/money-core/internal/money/merr"
	"github.com/hustlexp/money-core/internal/money/saga"
	"github.com/hustlexp/money-core/internal/money/taskfsm"
	"github.com/hustlexp/money-core/internal/money/trust"
)

// setupRoutes mounts the HTTP surface: task lifecycle endpoints guarded by
// the idempotency middleware, the Stripe webhook intake, admin overrides,
// and the ops endpoints (health/metrics) left unguarded for the orchestrator.
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/health/live", s.handleLive)
	s.router.GET("/health/ready", s.handleReady)
	s.router.GET("/metrics", metrics.Handler())

	s.router.POST("/webhooks/stripe", s.handleStripeWebhook)

	s.router.GET("/admin/stream", s.adminAuthMiddleware(), s.handleAlertStream)

	tasks := s.router.Group("/tasks")
	tasks.Use(auth.Middleware(s.authMgr), auth.RequireAuth(s.authMgr), s.idempotencyMiddleware())
	{
		tasks.POST("", s.handleCreateTask)
		tasks.POST("/:id/accept", s.handleAcceptTask)
		tasks.POST("/:id/proof", s.handleSubmitProof)
		tasks.POST("/:id/proof/verify", s.handleVerifyProof)
		tasks.POST("/:id/complete", s.handleCompleteTask)
		tasks.POST("/:id/dispute", s.handleDisputeTask)
	}

	s.router.GET("/admin/actions", s.adminAuthMiddleware(), s.handleListActions)

	admin := s.router.Group("/admin")
	admin.Use(s.adminAuthMiddleware(), s.idempotencyMiddleware())
	{
		admin.POST("/tasks/:id/force-payout", s.handleForcePayout)
		admin.POST("/tasks/:id/force-refund", s.handleForceRefund)
		admin.POST("/accounts/:id/backfill", s.handleBackfillAccount)
		admin.POST("/tasks/:id/backfill", s.handleBackfillTask)
		admin.POST("/killswitch/activate", s.handleKillswitchActivate)
		admin.POST("/killswitch/deactivate", s.handleKillswitchDeactivate)
		admin.POST("/safe-mode/disengage", s.handleSafeModeDisengage)
		admin.POST("/denylist", s.handleDenylistAdd)
		admin.DELETE("/denylist/:type/:id", s.handleDenylistRemove)
	}
}

// ---------- Ops endpoints ----------

func (s *Server) handleHealth(c *gin.Context) {
	healthy, statuses := s.healthRegistry.CheckAll(c.Request.Context())
	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"healthy": healthy, "checks": statuses})
}

func (s *Server) handleLive(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"alive": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"alive": true})
}

func (s *Server) handleReady(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ready": true})
}

// ---------- Webhook intake ----------

func (s *Server) handleStripeWebhook(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "could not read body"})
		return
	}
	result := s.orderingGate.Handle(c.Request.Context(), body, c.GetHeader("Stripe-Signature"))
	c.JSON(result.HTTPStatus, gin.H{"message": result.Message})
}

// ---------- Task lifecycle ----------

type createTaskRequest struct {
	PosterID   string `json:"poster_id" binding:"required"`
	Title      string `json:"title" binding:"required"`
	Category   string `json:"category"`
	PriceCents int64  `json:"price_cents" binding:"required"`
}

func (s *Server) handleCreateTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, merr.Validation("INVALID_BODY", err.Error(), nil))
		return
	}
	if req.PriceCents <= 0 {
		writeError(c, merr.Validation("PRICE_CENTS_MUST_BE_POSITIVE", "price_cents must be greater than zero", nil))
		return
	}
	if !requireAgentMatch(c, req.PosterID) {
		return
	}

	taskID := idgen.WithPrefix("tsk_")
	ctx := c.Request.Context()

	err := dbtx.RunSerializable(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (id, poster_id, title, category, price_cents, state, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		`, taskID, req.PosterID, req.Title, req.Category, req.PriceCents, taskfsm.TaskOpen); err != nil {
			return err
		}
		if _, err := s.stateLocks.GetForUpdate(ctx, tx, taskID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO escrows (task_id, state, amount_cents, version)
			VALUES ($1, $2, $3, 0)
		`, taskID, taskfsm.EscrowPending, req.PriceCents)
		return err
	})
	if err != nil {
		writeError(c, err)
		return
	}

	pi, err := s.providerClient.CreatePaymentIntent(ctx, req.PriceCents, "usd", taskID, "create_pi:"+taskID)
	if err != nil {
		s.logger.Error("failed to create payment intent for task", "task_id", taskID, "error", err)
		c.JSON(http.StatusCreated, gin.H{"task_id": taskID, "state": taskfsm.TaskOpen, "payment_pending": true})
		return
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE escrows SET stripe_payment_intent_id = $2 WHERE task_id = $1`, taskID, pi.ID); err != nil {
		s.logger.Error("failed to record payment intent id", "task_id", taskID, "error", err)
	}

	c.JSON(http.StatusCreated, gin.H{
		"task_id":       taskID,
		"state":         taskfsm.TaskOpen,
		"client_secret": pi.ClientSecret,
	})
}

type acceptTaskRequest struct {
	WorkerID string `json:"worker_id" binding:"required"`
}

func (s *Server) handleAcceptTask(c *gin.Context) {
	taskID := c.Param("id")
	var req acceptTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, merr.Validation("INVALID_BODY", err.Error(), nil))
		return
	}
	if !requireAgentMatch(c, req.WorkerID) {
		return
	}

	ctx := c.Request.Context()
	err := dbtx.RunSerializable(ctx, s.db, func(tx *sql.Tx) error {
		row, err := getTaskForUpdate(ctx, tx, taskID)
		if err != nil {
			return err
		}
		msl, err := s.stateLocks.GetForUpdate(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if err := s.taskMachine.Transition(ctx, tx, taskID, row.State, taskfsm.TaskAccepted, taskfsm.TaskGuardInput{
			WorkerID: req.WorkerID, EscrowState: msl.CurrentState,
		}); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE tasks SET worker_id = $2, state = $3, updated_at = NOW() WHERE id = $1
		`, taskID, req.WorkerID, taskfsm.TaskAccepted)
		return err
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task_id": taskID, "state": taskfsm.TaskAccepted})
}

type submitProofRequest struct {
	WorkerID  string         `json:"worker_id" binding:"required"`
	Forensics map[string]any `json:"forensics"`
}

// handleSubmitProof requests and submits a proof in one call: the system
// implicitly requests proof the moment a task is accepted, so the worker's
// first submission both creates the proof row (NONE->REQUESTED) and
// advances it (REQUESTED->SUBMITTED).
func (s *Server) handleSubmitProof(c *gin.Context) {
	taskID := c.Param("id")
	var req submitProofRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, merr.Validation("INVALID_BODY", err.Error(), nil))
		return
	}
	if !requireAgentMatch(c, req.WorkerID) {
		return
	}

	proofID := idgen.WithPrefix("prf_")
	ctx := c.Request.Context()
	err := dbtx.RunSerializable(ctx, s.db, func(tx *sql.Tx) error {
		row, err := getTaskForUpdate(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if row.WorkerID.Valid && row.WorkerID.String != req.WorkerID {
			return merr.Validation("WORKER_MISMATCH", "worker_id does not match the task's accepted worker", nil)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO proofs (id, task_id, worker_id, state, forensics, submitted_at)
			VALUES ($1, $2, $3, $4, $5, NOW())
		`, proofID, taskID, req.WorkerID, taskfsm.ProofRequested, jsonOrEmpty(req.Forensics)); err != nil {
			return err
		}
		if err := s.proofMachine.Transition(ctx, tx, taskID, proofID, taskfsm.ProofRequested, taskfsm.ProofSubmitted, false, map[string]any{"worker_id": req.WorkerID}); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE proofs SET state = $2 WHERE id = $1`, proofID, taskfsm.ProofSubmitted); err != nil {
			return err
		}
		if err := s.taskMachine.Transition(ctx, tx, taskID, row.State, taskfsm.TaskProofSubmitted, taskfsm.TaskGuardInput{ProofID: proofID}); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE tasks SET state = $2, updated_at = NOW() WHERE id = $1`, taskID, taskfsm.TaskProofSubmitted)
		return err
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task_id": taskID, "proof_id": proofID, "state": taskfsm.TaskProofSubmitted})
}

type verifyProofRequest struct {
	ProofID  string `json:"proof_id" binding:"required"`
	Verified bool   `json:"verified"`
	AdminID  string `json:"admin_id"`
}

// handleVerifyProof is the hook the forensics collaborator (or an admin
// overriding it) calls to resolve a submitted proof. It collapses the
// ANALYZING intermediate state into one call since no HTTP caller ever
// needs to observe a proof mid-analysis.
func (s *Server) handleVerifyProof(c *gin.Context) {
	taskID := c.Param("id")
	var req verifyProofRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, merr.Validation("INVALID_BODY", err.Error(), nil))
		return
	}

	ctx := c.Request.Context()
	finalState := taskfsm.ProofRejected
	if req.Verified {
		finalState = taskfsm.ProofVerified
	}
	err := dbtx.RunSerializable(ctx, s.db, func(tx *sql.Tx) error {
		if err := s.proofMachine.Transition(ctx, tx, taskID, req.ProofID, taskfsm.ProofSubmitted, taskfsm.ProofAnalyzing, false, nil); err != nil {
			return err
		}
		if err := s.proofMachine.Transition(ctx, tx, taskID, req.ProofID, taskfsm.ProofAnalyzing, finalState, req.AdminID != "", map[string]any{"admin_id": req.AdminID}); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `UPDATE proofs SET state = $2, decided_at = NOW() WHERE id = $1`, req.ProofID, finalState)
		return err
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task_id": taskID, "proof_id": req.ProofID, "state": finalState})
}

type completeTaskRequest struct {
	AdminID string `json:"admin_id"`
}

// handleCompleteTask dispatches the ReleasePayout action through the Saga,
// which itself drives the task transition and XP award
// (Server.completeTaskAndAwardXP, registered as the Saga's CompletionHandler)
// inside the same commit transaction as the ledger release — so a crash
// between the provider call succeeding and the task flipping to completed
// can never leave escrow released with the task stuck pre-completion, and
// a recovery replay re-runs the whole thing from the same transaction.
// This pre-check reads (no lock held past the single statement) only pick
// good error messages early; the real, lock-held validation happens again
// inside the completion handler.
func (s *Server) handleCompleteTask(c *gin.Context) {
	taskID := c.Param("id")
	var req completeTaskRequest
	_ = c.ShouldBindJSON(&req)

	ctx := c.Request.Context()

	row, err := getTaskForUpdate(ctx, s.db, taskID)
	if err != nil {
		writeError(c, err)
		return
	}
	if !row.WorkerID.Valid {
		writeError(c, merr.InvariantViolation("TASK_NO_WORKER", "task has no accepted worker", map[string]any{"task_id": taskID}))
		return
	}
	proofState, _, err := latestProofState(ctx, s.db, taskID)
	if err != nil {
		writeError(c, err)
		return
	}
	if proofState != taskfsm.ProofVerified {
		writeError(c, merr.IllegalTransition("PROOF_NOT_VERIFIED", "completion requires a verified proof", map[string]any{"proof_state": proofState}))
		return
	}

	out, err := s.sagaEngine.Execute(ctx, saga.Input{
		TaskID: taskID, Action: saga.ReleasePayout, EventID: saga.NewEventID(),
		AmountCents: row.PriceCents, WorkerID: row.WorkerID.String, AdminID: req.AdminID,
		Metadata: map[string]any{"requires_completion_handler": true},
	})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"task_id": taskID, "state": taskfsm.TaskCompleted, "ledger_tx_id": out.LedgerTxID})
}

// completeTaskAndAwardXP is the Saga's CompletionHandler for ReleasePayout:
// it re-validates and transitions the task to completed and applies the XP
// and trust-tier side effects, all inside the Saga commit's own
// transaction. Re-validating here (not just trusting the pre-check in
// handleCompleteTask) is what makes the whole thing safe to replay from
// RecoverStuck: a crash recovery run calls this exact function again,
// inside a fresh transaction, with no HTTP request behind it.
func (s *Server) completeTaskAndAwardXP(ctx context.Context, tx *sql.Tx, taskID, workerID string, amountCents int64, escrowState taskfsm.EscrowState) error {
	row, err := getTaskForUpdate(ctx, tx, taskID)
	if err != nil {
		return err
	}
	if row.State == taskfsm.TaskCompleted {
		return nil // already completed by an earlier attempt under this same idempotency key
	}

	proofState, proofID, err := latestProofState(ctx, tx, taskID)
	if err != nil {
		return err
	}
	if proofState != taskfsm.ProofVerified {
		return merr.IllegalTransition("PROOF_NOT_VERIFIED", "completion requires a verified proof", map[string]any{"proof_state": proofState})
	}

	if err := s.taskMachine.Transition(ctx, tx, taskID, row.State, taskfsm.TaskCompleted, taskfsm.TaskGuardInput{
		ProofID: proofID, ProofState: proofState, EscrowState: escrowState, WorkerID: workerID,
	}); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks SET state = $2, completed_at = NOW(), updated_at = NOW() WHERE id = $1
	`, taskID, taskfsm.TaskCompleted); err != nil {
		return err
	}

	totalBefore, err := s.xpStore.TotalXP(ctx, tx, workerID)
	if err != nil {
		return err
	}
	award := trust.ComputeAward(workerID, taskID, amountCents, totalBefore, 0)
	if err := trust.AwardXPForEscrow(ctx, tx, s.xpStore, award); err != nil {
		return err
	}
	_, _, err = s.trustSvc.Apply(ctx, tx, trust.Eval{
		UserID: workerID, TaskID: taskID, Reason: "task_completed",
		TriggeredBy: "system", Direction: 1,
	}, "trust:"+taskID)
	return err
}

type disputeTaskRequest struct {
	Reason string `json:"reason" binding:"required"`
}

func (s *Server) handleDisputeTask(c *gin.Context) {
	taskID := c.Param("id")
	var req disputeTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, merr.Validation("INVALID_BODY", err.Error(), nil))
		return
	}

	ctx := c.Request.Context()
	err := dbtx.RunSerializable(ctx, s.db, func(tx *sql.Tx) error {
		row, err := getTaskForUpdate(ctx, tx, taskID)
		if err != nil {
			return err
		}
		agent := auth.GetAuthenticatedAgent(c)
		if !strings.EqualFold(agent, row.PosterID) && !(row.WorkerID.Valid && strings.EqualFold(agent, row.WorkerID.String)) {
			return errNotParty
		}
		if err := s.taskMachine.Transition(ctx, tx, taskID, row.State, taskfsm.TaskDisputed, taskfsm.TaskGuardInput{Reason: req.Reason}); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE tasks SET state = $2, updated_at = NOW() WHERE id = $1`, taskID, taskfsm.TaskDisputed)
		return err
	})
	if errors.Is(err, errNotParty) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "only the task's poster or worker may dispute it", "request_id": logging.RequestID(ctx)})
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task_id": taskID, "state": taskfsm.TaskDisputed})
}

// ---------- Admin overrides ----------

func (s *Server) adminAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AdminSecret == "" || c.GetHeader("X-Admin-Secret") != s.cfg.AdminSecret {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "request_id": logging.RequestID(c.Request.Context())})
			return
		}
		c.Next()
	}
}

const defaultActionsPageSize = 50

// handleListActions returns one cursor-paginated page of the admin audit
// trail (admin_actions), newest first — the read side of the log every
// ForcePayout/ForceRefund/BackfillAccount call writes to before dispatching.
func (s *Server) handleListActions(c *gin.Context) {
	limit := defaultActionsPageSize
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	records, next, hasMore, err := s.adminSvc.ListActions(c.Request.Context(), limit, c.Query("cursor"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"actions": records, "next_cursor": next, "has_more": hasMore})
}

// handleAlertStream upgrades the connection to a WebSocket carrying every
// alert fired through s.alertFanout, live — for an operator tailing
// invariant violations and payout failures instead of polling /admin
// endpoints. Mounted outside the idempotency-guarded admin group since it
// never mutates anything.
func (s *Server) handleAlertStream(c *gin.Context) {
	s.alertStream.HandleWebSocket(c.Writer, c.Request)
}

type forcePayoutRequest struct {
	AdminID    string `json:"admin_id" binding:"required"`
	WorkerID   string `json:"worker_id" binding:"required"`
	AmountCents int64 `json:"amount_cents" binding:"required"`
	Reason     string `json:"reason" binding:"required"`
}

func (s *Server) handleForcePayout(c *gin.Context) {
	taskID := c.Param("id")
	var req forcePayoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, merr.Validation("INVALID_BODY", err.Error(), nil))
		return
	}
	out, err := s.adminSvc.ForcePayout(c.Request.Context(), req.AdminID, taskID, req.WorkerID, req.AmountCents, req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task_id": taskID, "ledger_tx_id": out.LedgerTxID})
}

type forceRefundRequest struct {
	AdminID    string `json:"admin_id" binding:"required"`
	AmountCents int64 `json:"amount_cents" binding:"required"`
	Reason     string `json:"reason" binding:"required"`
}

func (s *Server) handleForceRefund(c *gin.Context) {
	taskID := c.Param("id")
	var req forceRefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, merr.Validation("INVALID_BODY", err.Error(), nil))
		return
	}
	out, err := s.adminSvc.ForceRefund(c.Request.Context(), req.AdminID, taskID, req.AmountCents, req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task_id": taskID, "ledger_tx_id": out.LedgerTxID})
}

type backfillRequest struct {
	AdminID string `json:"admin_id" binding:"required"`
}

func (s *Server) handleBackfillAccount(c *gin.Context) {
	accountID := c.Param("id")
	var req backfillRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, merr.Validation("INVALID_BODY", err.Error(), nil))
		return
	}
	result, err := s.adminSvc.BackfillAccount(c.Request.Context(), req.AdminID, accountID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// handleBackfillTask reconstructs provider truth for one task, cross-checked
// against its escrow account balance — for the case where a task's money
// movement looks suspect and the question is "what did Stripe actually do
// here", not just "does our stored balance match our own entries".
func (s *Server) handleBackfillTask(c *gin.Context) {
	taskID := c.Param("id")
	var req backfillRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, merr.Validation("INVALID_BODY", err.Error(), nil))
		return
	}
	result, err := s.adminSvc.BackfillTask(c.Request.Context(), req.AdminID, taskID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type killswitchRequest struct {
	AdminID string `json:"admin_id" binding:"required"`
	Reason  string `json:"reason"`
}

func (s *Server) handleKillswitchActivate(c *gin.Context) {
	var req killswitchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, merr.Validation("INVALID_BODY", err.Error(), nil))
		return
	}
	if err := s.killswitch.Activate(c.Request.Context(), req.Reason, req.AdminID); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"killswitch": "active"})
}

func (s *Server) handleKillswitchDeactivate(c *gin.Context) {
	var req killswitchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, merr.Validation("INVALID_BODY", err.Error(), nil))
		return
	}
	if err := s.killswitch.Deactivate(c.Request.Context(), req.AdminID); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"killswitch": "inactive"})
}

type safeModeRequest struct {
	Action  string `json:"action" binding:"required"`
	AdminID string `json:"admin_id" binding:"required"`
}

func (s *Server) handleSafeModeDisengage(c *gin.Context) {
	var req safeModeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, merr.Validation("INVALID_BODY", err.Error(), nil))
		return
	}
	if err := s.safeMode.Disengage(c.Request.Context(), req.Action, req.AdminID); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"safe_mode": "disengaged", "action": req.Action})
}

type denylistRequest struct {
	SubjectType string `json:"subject_type" binding:"required"`
	SubjectID   string `json:"subject_id" binding:"required"`
	Reason      string `json:"reason"`
	AdminID     string `json:"admin_id" binding:"required"`
}

func (s *Server) handleDenylistAdd(c *gin.Context) {
	var req denylistRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, merr.Validation("INVALID_BODY", err.Error(), nil))
		return
	}
	if err := s.denylist.Add(c.Request.Context(), req.SubjectType, req.SubjectID, req.Reason, req.AdminID); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"denylist": "added"})
}

func (s *Server) handleDenylistRemove(c *gin.Context) {
	subjectType := c.Param("type")
	subjectID := c.Param("id")
	if err := s.denylist.Remove(c.Request.Context(), subjectType, subjectID); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"denylist": "removed"})
}

// ---------- Shared helpers ----------

// errNotParty marks a dispute request from an agent who is neither the
// task's poster nor its accepted worker.
var errNotParty = errors.New("caller is not a party to this task")

// requireAgentMatch aborts the request with 403 unless the authenticated
// agent matches wantAgentID, writing the standard error envelope. It
// returns true when the caller may proceed.
func requireAgentMatch(c *gin.Context, wantAgentID string) bool {
	if got := auth.GetAuthenticatedAgent(c); !strings.EqualFold(got, wantAgentID) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error": "forbidden", "message": "authenticated agent does not match the acting party on this request",
			"request_id": logging.RequestID(c.Request.Context()),
		})
		return false
	}
	return true
}

// writeError translates the closed merr taxonomy into the error envelope
// {error, code, message, request_id}.
func writeError(c *gin.Context, err error) {
	var merrErr *merr.Error
	if errors.As(err, &merrErr) {
		c.JSON(merr.HTTPStatus(err), gin.H{
			"error":      string(merrErr.Kind),
			"code":       merrErr.Code,
			"message":    merrErr.Message,
			"request_id": logging.RequestID(c.Request.Context()),
		})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{
		"error": "internal_error", "code": "UNEXPECTED", "request_id": logging.RequestID(c.Request.Context()),
	})
}

func jsonOrEmpty(m map[string]any) []byte {
	if m == nil {
		return []byte("{}")
	}
	b, err := json.Marshal(m)
	if err != nil {
		return []byte("{}")
	}
	return b
}

// taskRow is the raw tasks table row the server owns directly — no
// internal/money package persists it (taskfsm.TaskMachine's doc comment:
// "the caller does that as part of the same database transaction").
type taskRow struct {
	ID         string
	PosterID   string
	WorkerID   sql.NullString
	Title      string
	PriceCents int64
	State      taskfsm.TaskState
}

func getTaskForUpdate(ctx context.Context, q dbtx.Querier, taskID string) (*taskRow, error) {
	row := &taskRow{ID: taskID}
	err := q.QueryRowContext(ctx, `
		SELECT poster_id, worker_id, title, price_cents, state
		FROM tasks WHERE id = $1 FOR UPDATE
	`, taskID).Scan(&row.PosterID, &row.WorkerID, &row.Title, &row.PriceCents, &row.State)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, merr.NotFound("TASK_NOT_FOUND", "no such task")
	}
	if err != nil {
		return nil, err
	}
	return row, nil
}

func latestProofState(ctx context.Context, q dbtx.Querier, taskID string) (taskfsm.ProofState, string, error) {
	var id string
	var state taskfsm.ProofState
	err := q.QueryRowContext(ctx, `
		SELECT id, state FROM proofs WHERE task_id = $1 ORDER BY submitted_at DESC LIMIT 1
	`, taskID).Scan(&id, &state)
	if errors.Is(err, sql.ErrNoRows) {
		return taskfsm.ProofNone, "", nil
	}
	if err != nil {
		return "", "", err
	}
	return state, id, nil
}
