package transfer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/BaSui01/nodeflow/audit"
	"github.com/BaSui01/nodeflow/fleet"
	"github.com/BaSui01/nodeflow/internal/metrics"
	"github.com/BaSui01/nodeflow/registry"
	"github.com/BaSui01/nodeflow/remote"
	"github.com/BaSui01/nodeflow/types"
)

// ============================================================
// 🚚 迁移编排器
// ============================================================

// AgentClient 编排器需要的节点守护进程调用面
type AgentClient interface {
	StartArchive(ctx context.Context, serverUUID string) error
	RequestTransfer(ctx context.Context, req remote.TransferRequest) error
	GetTransferStatus(ctx context.Context, serverUUID string) (*remote.TransferStatus, error)
	CancelTransfer(ctx context.Context, serverUUID string) error
}

// ClientFactory 按节点构造守护进程客户端
type ClientFactory func(node *registry.Node) AgentClient

// Orchestrator 驱动服务器在节点间的迁移：
// 发起（事务内占用分配 + 单飞约束）、通知两端守护进程、
// 终态落地（提交或回滚分配）、取消与失联对账。
type Orchestrator struct {
	db       *gorm.DB
	nodes    *registry.Service
	issuer   *registry.Issuer
	clients  ClientFactory
	recorder audit.Recorder
	logger   *zap.Logger
	metrics  *metrics.Collector // 可为 nil

	// 处于 processing 超过该时长的迁移才进入对账
	reconcileAfter time.Duration
}

// SetMetrics 挂接指标收集器
func (o *Orchestrator) SetMetrics(collector *metrics.Collector) {
	o.metrics = collector
}

// NewOrchestrator 创建迁移编排器
func NewOrchestrator(db *gorm.DB, nodes *registry.Service, issuer *registry.Issuer, clients ClientFactory, recorder audit.Recorder, logger *zap.Logger) *Orchestrator {
	if recorder == nil {
		recorder = audit.NopRecorder{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		db:             db,
		nodes:          nodes,
		issuer:         issuer,
		clients:        clients,
		recorder:       recorder,
		logger:         logger,
		reconcileAfter: 5 * time.Minute,
	}
}

// InitiateRequest 发起迁移的参数
type InitiateRequest struct {
	ServerID     uint
	TargetNodeID uint

	// AllocationID 目标节点上的主分配；为零则自动挑选空闲分配
	AllocationID uint

	// AdditionalAllocationIDs 目标节点上的附加分配
	AdditionalAllocationIDs []uint

	StartOnCompletion bool
}

// Initiate 发起一次迁移。
// 校验、分配占用、迁移行创建与服务器状态翻转在同一事务内完成；
// 事务提交后再通知两端守护进程，任何一端失败立即回滚预留并标记失败。
func (o *Orchestrator) Initiate(ctx context.Context, req InitiateRequest) (*Transfer, error) {
	var server fleet.ManagedServer
	if err := o.db.WithContext(ctx).First(&server, req.ServerID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, types.NewError(types.ErrNotFound, "server not found")
		}
		return nil, types.NewError(types.ErrInternalError, "failed to load server").WithCause(err)
	}
	if server.Status == fleet.ServerStatusSuspended {
		return nil, types.NewError(types.ErrServerSuspended, "suspended servers cannot be transferred")
	}
	if !server.Installed() {
		return nil, types.NewError(types.ErrServerInstalling, "server has not completed install")
	}

	target, err := o.nodes.Resolve(ctx, req.TargetNodeID)
	if err != nil {
		return nil, err
	}
	if target.MaintenanceMode {
		return nil, types.NewError(types.ErrNodeMaintenance, "target node is in maintenance mode")
	}
	if target.ID == server.NodeID {
		return nil, types.NewError(types.ErrValidation, "target node must differ from the server's current node")
	}

	source, err := o.nodes.Resolve(ctx, server.NodeID)
	if err != nil {
		return nil, err
	}

	var transfer *Transfer
	err = o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		oldPrimary, oldAdditional, lerr := o.currentAllocations(tx, server.ID)
		if lerr != nil {
			return lerr
		}

		serverID := server.ID
		t := &Transfer{
			ServerID:          server.ID,
			ServerUUID:        server.UUID,
			SourceNodeID:      source.ID,
			TargetNodeID:      target.ID,
			OldAllocationID:   oldPrimary,
			Status:            StatusPending,
			StartOnCompletion: req.StartOnCompletion,
			ActiveServerID:    &serverID,
			OldAdditionalAllocations: encodeIDList(oldAdditional),
			NewAdditionalAllocations: encodeIDList(req.AdditionalAllocationIDs),
		}
		if cerr := tx.Create(t).Error; cerr != nil {
			if isUniqueViolation(cerr) {
				return types.NewError(types.ErrConflict, "a transfer is already in progress for this server")
			}
			return types.NewError(types.ErrInternalError, "failed to create transfer").WithCause(cerr)
		}

		primary, cerr := o.claimPrimary(tx, server.ID, target.ID, req.AllocationID)
		if cerr != nil {
			return cerr
		}
		t.NewAllocationID = primary
		if cerr := tx.Model(t).Update("new_allocation_id", primary).Error; cerr != nil {
			return types.NewError(types.ErrInternalError, "failed to record allocation claim").WithCause(cerr)
		}
		for _, id := range req.AdditionalAllocationIDs {
			if cerr := o.claimAllocation(tx, server.ID, target.ID, id, false); cerr != nil {
				return cerr
			}
		}

		res := tx.Model(&fleet.ManagedServer{}).
			Where("id = ? AND status <> ?", server.ID, fleet.ServerStatusTransferring).
			Update("status", fleet.ServerStatusTransferring)
		if res.Error != nil {
			return types.NewError(types.ErrInternalError, "failed to mark server transferring").WithCause(res.Error)
		}
		if res.RowsAffected == 0 {
			return types.NewError(types.ErrConflict, "a transfer is already in progress for this server")
		}

		transfer = t
		return nil
	})
	if err != nil {
		return nil, err
	}

	o.recorder.Record(ctx, audit.Event{
		Actor:      types.ActorIDFromContext(ctx),
		Action:     "server:transfer.initiate",
		TargetType: "server",
		TargetID:   server.UUID,
		Metadata: map[string]any{
			"source_node_id":    source.ID,
			"target_node_id":    target.ID,
			"new_allocation_id": transfer.NewAllocationID,
		},
	})

	if err := o.dispatch(ctx, transfer, source, target); err != nil {
		o.logger.Warn("迁移派发失败，回滚预留",
			zap.String("server_uuid", server.UUID),
			zap.Uint("transfer_id", transfer.ID),
			zap.Error(err))
		if rerr := o.finalize(ctx, transfer, false, "agent dispatch failed"); rerr != nil {
			o.logger.Error("回滚迁移预留失败", zap.Uint("transfer_id", transfer.ID), zap.Error(rerr))
		}
		return nil, err
	}
	return transfer, nil
}

// currentAllocations 读取服务器当前的主分配与附加分配
func (o *Orchestrator) currentAllocations(tx *gorm.DB, serverID uint) (uint, []uint, error) {
	var allocations []fleet.Allocation
	if err := tx.Where("server_id = ?", serverID).Order("id").Find(&allocations).Error; err != nil {
		return 0, nil, types.NewError(types.ErrInternalError, "failed to load allocations").WithCause(err)
	}
	var primary uint
	var additional []uint
	for _, a := range allocations {
		if a.IsPrimary {
			primary = a.ID
		} else {
			additional = append(additional, a.ID)
		}
	}
	if primary == 0 {
		return 0, nil, types.NewError(types.ErrInternalError, "server has no primary allocation")
	}
	return primary, additional, nil
}

// claimPrimary 占用目标节点上的主分配；未指定时自动挑选空闲分配
func (o *Orchestrator) claimPrimary(tx *gorm.DB, serverID, nodeID, allocationID uint) (uint, error) {
	if allocationID != 0 {
		if err := o.claimAllocation(tx, serverID, nodeID, allocationID, true); err != nil {
			return 0, err
		}
		return allocationID, nil
	}
	// 自动挑选：逐个尝试空闲分配，条件更新落空说明被并发占走，换下一个
	var candidates []fleet.Allocation
	if err := tx.Where("node_id = ? AND server_id IS NULL", nodeID).Order("id").Limit(10).Find(&candidates).Error; err != nil {
		return 0, types.NewError(types.ErrInternalError, "failed to list free allocations").WithCause(err)
	}
	for _, c := range candidates {
		if err := o.claimAllocation(tx, serverID, nodeID, c.ID, true); err == nil {
			return c.ID, nil
		} else if types.GetErrorCode(err) == types.ErrInternalError {
			return 0, err
		}
	}
	return 0, types.NewError(types.ErrValidation, "target node has no free allocations")
}

// claimAllocation 条件更新占用分配，RowsAffected 为零即分配不空闲或不在目标节点
func (o *Orchestrator) claimAllocation(tx *gorm.DB, serverID, nodeID, allocationID uint, primary bool) error {
	res := tx.Model(&fleet.Allocation{}).
		Where("id = ? AND node_id = ? AND server_id IS NULL", allocationID, nodeID).
		Updates(map[string]any{"server_id": serverID, "is_primary": primary})
	if res.Error != nil {
		return types.NewError(types.ErrInternalError, "failed to claim allocation").WithCause(res.Error)
	}
	if res.RowsAffected == 0 {
		var alloc fleet.Allocation
		if err := tx.First(&alloc, allocationID).Error; err != nil {
			return types.NewError(types.ErrValidation, fmt.Sprintf("allocation %d does not exist", allocationID))
		}
		if alloc.NodeID != nodeID {
			return types.NewError(types.ErrValidation, fmt.Sprintf("allocation %d is not on the target node", allocationID))
		}
		return types.NewError(types.ErrAllocationInUse, fmt.Sprintf("allocation %d is already assigned to a server", allocationID))
	}
	return nil
}

// dispatch 通知源端归档、目标端拉取，成功后迁移进入 processing
func (o *Orchestrator) dispatch(ctx context.Context, t *Transfer, source, target *registry.Node) error {
	token, err := o.issuer.IssueAgentCredential(source, "transfer", t.ServerUUID, registry.ScopeTransfer, 0)
	if err != nil {
		return err
	}
	sourceURL := fmt.Sprintf("%s/api/servers/%s/archive", source.BaseURL(), t.ServerUUID)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return o.clients(source).StartArchive(gctx, t.ServerUUID)
	})
	g.Go(func() error {
		return o.clients(target).RequestTransfer(gctx, remote.TransferRequest{
			ServerUUID: t.ServerUUID,
			SourceURL:  sourceURL,
			Token:      token.Token,
		})
	})
	if err := g.Wait(); err != nil {
		return err
	}

	return o.db.WithContext(ctx).Model(t).
		Where("status = ?", StatusPending).
		Update("status", StatusProcessing).Error
}

// Resolve 收到终态信号后落地迁移。
// 按 server UUID 定位未终结的迁移；找不到说明已处理过，重放直接忽略。
func (o *Orchestrator) Resolve(ctx context.Context, serverUUID string, successful bool) error {
	transfer, err := o.activeTransfer(ctx, serverUUID)
	if err != nil {
		return err
	}
	if transfer == nil {
		o.logger.Debug("忽略已终结迁移的重复信号", zap.String("server_uuid", serverUUID))
		return nil
	}
	reason := ""
	if !successful {
		reason = "agent reported failure"
	}
	return o.finalize(ctx, transfer, successful, reason)
}

// activeTransfer 查找未终结的迁移，不存在时返回 nil
func (o *Orchestrator) activeTransfer(ctx context.Context, serverUUID string) (*Transfer, error) {
	var transfer Transfer
	err := o.db.WithContext(ctx).
		Where("server_uuid = ? AND status IN ?", serverUUID, []Status{StatusPending, StatusProcessing}).
		First(&transfer).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "failed to load transfer").WithCause(err)
	}
	return &transfer, nil
}

// finalize 终态落地：成功提交新节点与新分配，失败回滚预留；单飞标记清空
func (o *Orchestrator) finalize(ctx context.Context, t *Transfer, successful bool, reason string) error {
	err := o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		status := StatusCompleted
		release := append([]uint{t.OldAllocationID}, t.OldAdditionalIDs()...)
		serverUpdates := map[string]any{
			"node_id": t.TargetNodeID,
			"status":  fleet.ServerStatusRunning,
		}
		if successful && t.StartOnCompletion {
			var server fleet.ManagedServer
			if err := tx.First(&server, t.ServerID).Error; err == nil && !server.Installed() {
				serverUpdates["status"] = fleet.ServerStatusInstalling
			}
		}
		if !successful {
			status = StatusFailed
			release = append([]uint{t.NewAllocationID}, t.NewAdditionalIDs()...)
			serverUpdates = map[string]any{"status": fleet.ServerStatusRunning}
		}

		if err := tx.Model(&fleet.Allocation{}).
			Where("id IN ?", release).
			Updates(map[string]any{"server_id": nil, "is_primary": false}).Error; err != nil {
			return types.NewError(types.ErrInternalError, "failed to release allocations").WithCause(err)
		}
		if successful {
			// 新主分配在预留时已落 is_primary，这里仅兜底纠正
			if err := tx.Model(&fleet.Allocation{}).
				Where("id = ?", t.NewAllocationID).
				Update("is_primary", true).Error; err != nil {
				return types.NewError(types.ErrInternalError, "failed to promote allocation").WithCause(err)
			}
		}
		if err := tx.Model(&fleet.ManagedServer{}).
			Where("id = ?", t.ServerID).
			Updates(serverUpdates).Error; err != nil {
			return types.NewError(types.ErrInternalError, "failed to update server").WithCause(err)
		}
		res := tx.Model(t).
			Where("status IN ?", []Status{StatusPending, StatusProcessing}).
			Updates(map[string]any{
				"status":           status,
				"successful":       successful,
				"active_server_id": nil,
			})
		if res.Error != nil {
			return types.NewError(types.ErrInternalError, "failed to finalize transfer").WithCause(res.Error)
		}
		if res.RowsAffected == 0 {
			// 另一条路径抢先终结，整个事务作废
			return types.NewError(types.ErrTransferState, "transfer already finalized")
		}
		return nil
	})
	if err != nil {
		if types.GetErrorCode(err) == types.ErrTransferState {
			return nil
		}
		return err
	}

	action := "server:transfer.complete"
	metadata := map[string]any{"target_node_id": t.TargetNodeID}
	result := "completed"
	if !successful {
		action = "server:transfer.fail"
		metadata = map[string]any{"reason": reason}
		result = "failed"
	}
	if o.metrics != nil {
		o.metrics.RecordTransferFinalized(result)
	}
	o.recorder.Record(ctx, audit.Event{
		Actor:      types.ActorIDFromContext(ctx),
		Action:     action,
		TargetType: "server",
		TargetID:   t.ServerUUID,
		Metadata:   metadata,
	})
	return nil
}

// Cancel 取消迁移。
// pending 直接取消；processing 先查目标端，尚未开始导入才允许取消。
func (o *Orchestrator) Cancel(ctx context.Context, serverUUID string) error {
	transfer, err := o.activeTransfer(ctx, serverUUID)
	if err != nil {
		return err
	}
	if transfer == nil {
		return types.NewError(types.ErrNotFound, "no active transfer for this server")
	}

	if transfer.Status == StatusProcessing {
		target, rerr := o.nodes.Resolve(ctx, transfer.TargetNodeID)
		if rerr != nil {
			return rerr
		}
		status, serr := o.clients(target).GetTransferStatus(ctx, serverUUID)
		if serr != nil {
			return serr
		}
		if status.Terminal() || status.State == "importing" {
			return types.NewError(types.ErrTransferState, "transfer has progressed too far to cancel")
		}
		if cerr := o.clients(target).CancelTransfer(ctx, serverUUID); cerr != nil {
			o.logger.Warn("目标端取消迁移失败", zap.String("server_uuid", serverUUID), zap.Error(cerr))
		}
	}
	source, rerr := o.nodes.Resolve(ctx, transfer.SourceNodeID)
	if rerr == nil {
		if cerr := o.clients(source).CancelTransfer(ctx, serverUUID); cerr != nil {
			o.logger.Warn("源端取消迁移失败", zap.String("server_uuid", serverUUID), zap.Error(cerr))
		}
	}

	err = o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		release := append([]uint{transfer.NewAllocationID}, transfer.NewAdditionalIDs()...)
		if err := tx.Model(&fleet.Allocation{}).
			Where("id IN ?", release).
			Updates(map[string]any{"server_id": nil, "is_primary": false}).Error; err != nil {
			return types.NewError(types.ErrInternalError, "failed to release allocations").WithCause(err)
		}
		if err := tx.Model(&fleet.ManagedServer{}).
			Where("id = ?", transfer.ServerID).
			Update("status", fleet.ServerStatusRunning).Error; err != nil {
			return types.NewError(types.ErrInternalError, "failed to update server").WithCause(err)
		}
		res := tx.Model(transfer).
			Where("status IN ?", []Status{StatusPending, StatusProcessing}).
			Updates(map[string]any{"status": StatusCancelled, "active_server_id": nil})
		if res.Error != nil {
			return types.NewError(types.ErrInternalError, "failed to cancel transfer").WithCause(res.Error)
		}
		if res.RowsAffected == 0 {
			return types.NewError(types.ErrTransferState, "transfer already finalized")
		}
		return nil
	})
	if err != nil {
		return err
	}

	o.recorder.Record(ctx, audit.Event{
		Actor:      types.ActorIDFromContext(ctx),
		Action:     "server:transfer.cancel",
		TargetType: "server",
		TargetID:   transfer.ServerUUID,
	})
	return nil
}

// Reconcile 对账长期停留在 processing 的迁移。
// 先问目标端，目标端失联再问源端，两端都拿不到终态就留给下一轮。
func (o *Orchestrator) Reconcile(ctx context.Context) error {
	var stale []Transfer
	cutoff := time.Now().Add(-o.reconcileAfter)
	err := o.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", StatusProcessing, cutoff).
		Find(&stale).Error
	if err != nil {
		return types.NewError(types.ErrInternalError, "failed to list stale transfers").WithCause(err)
	}

	if o.metrics != nil {
		var active int64
		if err := o.db.WithContext(ctx).Model(&Transfer{}).
			Where("status IN ?", []Status{StatusPending, StatusProcessing}).
			Count(&active).Error; err == nil {
			o.metrics.SetActiveTransfers(int(active))
		}
	}

	for i := range stale {
		t := &stale[i]
		if err := o.reconcileOne(ctx, t); err != nil {
			o.logger.Warn("迁移对账失败",
				zap.String("server_uuid", t.ServerUUID),
				zap.Error(err))
		}
	}
	return nil
}

func (o *Orchestrator) reconcileOne(ctx context.Context, t *Transfer) error {
	state, err := o.agentState(ctx, t.TargetNodeID, t.ServerUUID)
	if err != nil {
		if !types.IsNodeUnreachable(err) {
			return err
		}
		// 目标端失联，退回源端问
		state, err = o.agentState(ctx, t.SourceNodeID, t.ServerUUID)
		if err != nil {
			return err
		}
	}
	switch state {
	case "completed":
		return o.finalize(ctx, t, true, "")
	case "failed", "cancelled":
		return o.finalize(ctx, t, false, "agent reported "+state+" during reconciliation")
	}
	// 仍在推进，不动
	return nil
}

func (o *Orchestrator) agentState(ctx context.Context, nodeID uint, serverUUID string) (string, error) {
	node, err := o.nodes.Resolve(ctx, nodeID)
	if err != nil {
		return "", err
	}
	status, err := o.clients(node).GetTransferStatus(ctx, serverUUID)
	if err != nil {
		return "", err
	}
	return status.State, nil
}

// isUniqueViolation 粗粒度识别唯一约束冲突，覆盖 sqlite/postgres/mysql 的报错文案
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}
