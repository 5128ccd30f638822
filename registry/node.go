package registry

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/nodeflow/audit"
	"github.com/BaSui01/nodeflow/fleet"
	"github.com/BaSui01/nodeflow/types"
)

// =============================================================================
// 🗄️ 节点注册表
// =============================================================================
// 节点代理的持久化目录。节点由运维注册，心跳与容量变化时更新；只要还有
// 服务器引用就拒绝删除。维护模式下的节点不接受新的放置与迁移目标选择。
// =============================================================================

// Node 节点代理
type Node struct {
	ID          uint   `gorm:"primaryKey" json:"id"`
	UUID        string `gorm:"size:36;not null;uniqueIndex" json:"uuid"`
	Name        string `gorm:"size:100;not null" json:"name"`
	Description string `gorm:"type:text" json:"description,omitempty"`

	// 连接参数
	Scheme     string `gorm:"size:5;not null;default:https" json:"scheme"`
	FQDN       string `gorm:"size:191;not null" json:"fqdn"`
	DaemonPort int    `gorm:"not null;default:8443" json:"daemon_port"`
	SFTPPort   int    `gorm:"not null;default:2022" json:"sftp_port"`

	// 共享密钥（双向签名/鉴权）。TokenID 随请求明文携带用于定位节点，
	// Token 永不出现在日志与审计元数据中。
	TokenID string `gorm:"size:16;not null;uniqueIndex" json:"token_id"`
	Token   string `gorm:"size:64;not null" json:"-"`

	AllowInsecureTLS bool `gorm:"default:false" json:"allow_insecure_tls"`
	MaintenanceMode  bool `gorm:"default:false" json:"maintenance_mode"`

	// 申报容量
	MemoryMB           int64 `gorm:"default:0" json:"memory_mb"`
	MemoryOverallocate int   `gorm:"default:0" json:"memory_overallocate"`
	DiskMB             int64 `gorm:"default:0" json:"disk_mb"`
	DiskOverallocate   int   `gorm:"default:0" json:"disk_overallocate"`

	LastSeenAt *time.Time `json:"last_seen_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Node) TableName() string {
	return "nf_nodes"
}

// BaseURL 返回节点代理的 HTTP 基地址
func (n *Node) BaseURL() string {
	return fmt.Sprintf("%s://%s:%d", n.Scheme, strings.TrimSuffix(n.FQDN, "/"), n.DaemonPort)
}

// BearerToken 返回面板调用节点代理时使用的凭证串
func (n *Node) BearerToken() string {
	return n.TokenID + "." + n.Token
}

// VerifySecret 恒定时间比较回调携带的密钥
func (n *Node) VerifySecret(secret string) bool {
	return subtle.ConstantTimeCompare([]byte(n.Token), []byte(secret)) == 1
}

// =============================================================================
// 🎯 注册表服务
// =============================================================================

// NodeConfig 注册节点时的输入
type NodeConfig struct {
	Name               string `json:"name"`
	Description        string `json:"description"`
	Scheme             string `json:"scheme"`
	FQDN               string `json:"fqdn"`
	DaemonPort         int    `json:"daemon_port"`
	SFTPPort           int    `json:"sftp_port"`
	AllowInsecureTLS   bool   `json:"allow_insecure_tls"`
	MemoryMB           int64  `json:"memory_mb"`
	MemoryOverallocate int    `json:"memory_overallocate"`
	DiskMB             int64  `json:"disk_mb"`
	DiskOverallocate   int    `json:"disk_overallocate"`
}

// Filter 节点列表过滤条件
type Filter struct {
	// Name 模糊匹配名称
	Name string
	// IncludeMaintenance 为 false 时过滤掉维护模式节点
	IncludeMaintenance bool
}

// Service 节点注册表
type Service struct {
	db     *gorm.DB
	logger *zap.Logger
	audit  audit.Recorder
}

// NewService 创建注册表服务
func NewService(db *gorm.DB, recorder audit.Recorder, logger *zap.Logger) *Service {
	if recorder == nil {
		recorder = audit.NopRecorder{}
	}
	return &Service{
		db:     db,
		logger: logger.With(zap.String("component", "registry")),
		audit:  recorder,
	}
}

// Register 注册一个新节点并生成其共享密钥
func (s *Service) Register(ctx context.Context, cfg NodeConfig) (*Node, error) {
	if cfg.Name == "" {
		return nil, types.NewError(types.ErrValidation, "node name is required").WithHTTPStatus(422)
	}
	if cfg.FQDN == "" {
		return nil, types.NewError(types.ErrValidation, "node fqdn is required").WithHTTPStatus(422)
	}
	scheme := cfg.Scheme
	if scheme == "" {
		scheme = "https"
	}
	if scheme != "http" && scheme != "https" {
		return nil, types.NewError(types.ErrValidation, "scheme must be http or https").WithHTTPStatus(422)
	}

	node := &Node{
		UUID:               uuid.NewString(),
		Name:               cfg.Name,
		Description:        cfg.Description,
		Scheme:             scheme,
		FQDN:               cfg.FQDN,
		DaemonPort:         cfg.DaemonPort,
		SFTPPort:           cfg.SFTPPort,
		TokenID:            randomHex(8),
		Token:              randomHex(32),
		AllowInsecureTLS:   cfg.AllowInsecureTLS,
		MemoryMB:           cfg.MemoryMB,
		MemoryOverallocate: cfg.MemoryOverallocate,
		DiskMB:             cfg.DiskMB,
		DiskOverallocate:   cfg.DiskOverallocate,
	}
	if node.DaemonPort == 0 {
		node.DaemonPort = 8443
	}
	if node.SFTPPort == 0 {
		node.SFTPPort = 2022
	}

	if err := s.db.WithContext(ctx).Create(node).Error; err != nil {
		return nil, types.NewError(types.ErrInternalError, "failed to create node").WithCause(err)
	}

	s.logger.Info("node registered",
		zap.String("uuid", node.UUID),
		zap.String("name", node.Name),
		zap.String("fqdn", node.FQDN))

	_ = s.audit.Record(ctx, audit.Event{
		Actor:      types.ActorIDFromContext(ctx),
		Action:     "node:register",
		TargetType: "node",
		TargetID:   node.UUID,
		Metadata:   map[string]any{"name": node.Name, "fqdn": node.FQDN},
	})

	return node, nil
}

// List 列出节点
func (s *Service) List(ctx context.Context, f Filter) ([]Node, error) {
	q := s.db.WithContext(ctx).Model(&Node{}).Order("id ASC")
	if f.Name != "" {
		q = q.Where("name LIKE ?", "%"+f.Name+"%")
	}
	if !f.IncludeMaintenance {
		q = q.Where("maintenance_mode = ?", false)
	}

	var nodes []Node
	if err := q.Find(&nodes).Error; err != nil {
		return nil, types.NewError(types.ErrInternalError, "failed to list nodes").WithCause(err)
	}
	return nodes, nil
}

// Resolve 按 id 查找节点
func (s *Service) Resolve(ctx context.Context, id uint) (*Node, error) {
	var node Node
	err := s.db.WithContext(ctx).First(&node, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewError(types.ErrNotFound, fmt.Sprintf("node %d not found", id)).WithHTTPStatus(404)
	}
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "failed to resolve node").WithCause(err)
	}
	return &node, nil
}

// ResolveByTokenID 按密钥标识查找节点（回调鉴权路径）
func (s *Service) ResolveByTokenID(ctx context.Context, tokenID string) (*Node, error) {
	var node Node
	err := s.db.WithContext(ctx).Where("token_id = ?", tokenID).First(&node).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewError(types.ErrUnauthorized, "unknown node credential").WithHTTPStatus(401)
	}
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "failed to resolve node").WithCause(err)
	}
	return &node, nil
}

// Update 更新节点的连接参数与申报容量
// 共享密钥不在此处变更，走 RotateSecret。
func (s *Service) Update(ctx context.Context, id uint, cfg NodeConfig) (*Node, error) {
	node, err := s.Resolve(ctx, id)
	if err != nil {
		return nil, err
	}

	if cfg.Name == "" {
		return nil, types.NewError(types.ErrValidation, "node name is required").WithHTTPStatus(422)
	}
	if cfg.FQDN == "" {
		return nil, types.NewError(types.ErrValidation, "node fqdn is required").WithHTTPStatus(422)
	}
	scheme := cfg.Scheme
	if scheme == "" {
		scheme = node.Scheme
	}
	if scheme != "http" && scheme != "https" {
		return nil, types.NewError(types.ErrValidation, "scheme must be http or https").WithHTTPStatus(422)
	}

	updates := map[string]any{
		"name":                cfg.Name,
		"description":         cfg.Description,
		"scheme":              scheme,
		"fqdn":                cfg.FQDN,
		"allow_insecure_tls":  cfg.AllowInsecureTLS,
		"memory_mb":           cfg.MemoryMB,
		"memory_overallocate": cfg.MemoryOverallocate,
		"disk_mb":             cfg.DiskMB,
		"disk_overallocate":   cfg.DiskOverallocate,
	}
	if cfg.DaemonPort > 0 {
		updates["daemon_port"] = cfg.DaemonPort
	}
	if cfg.SFTPPort > 0 {
		updates["sftp_port"] = cfg.SFTPPort
	}

	if err := s.db.WithContext(ctx).Model(node).Updates(updates).Error; err != nil {
		return nil, types.NewError(types.ErrInternalError, "failed to update node").WithCause(err)
	}

	node.Name = cfg.Name
	node.Description = cfg.Description
	node.Scheme = scheme
	node.FQDN = cfg.FQDN
	node.AllowInsecureTLS = cfg.AllowInsecureTLS
	node.MemoryMB = cfg.MemoryMB
	node.MemoryOverallocate = cfg.MemoryOverallocate
	node.DiskMB = cfg.DiskMB
	node.DiskOverallocate = cfg.DiskOverallocate
	if cfg.DaemonPort > 0 {
		node.DaemonPort = cfg.DaemonPort
	}
	if cfg.SFTPPort > 0 {
		node.SFTPPort = cfg.SFTPPort
	}

	_ = s.audit.Record(ctx, audit.Event{
		Actor:      types.ActorIDFromContext(ctx),
		Action:     "node:update",
		TargetType: "node",
		TargetID:   node.UUID,
		Metadata:   map[string]any{"name": cfg.Name, "fqdn": cfg.FQDN},
	})
	return node, nil
}

// SetMaintenance 切换节点维护模式
func (s *Service) SetMaintenance(ctx context.Context, id uint, enabled bool) (*Node, error) {
	node, err := s.Resolve(ctx, id)
	if err != nil {
		return nil, err
	}

	node.MaintenanceMode = enabled
	if err := s.db.WithContext(ctx).Model(node).Update("maintenance_mode", enabled).Error; err != nil {
		return nil, types.NewError(types.ErrInternalError, "failed to update node").WithCause(err)
	}

	_ = s.audit.Record(ctx, audit.Event{
		Actor:      types.ActorIDFromContext(ctx),
		Action:     "node:maintenance",
		TargetType: "node",
		TargetID:   node.UUID,
		Metadata:   map[string]any{"enabled": enabled},
	})
	return node, nil
}

// Heartbeat 记录一次节点心跳，可选携带申报容量
func (s *Service) Heartbeat(ctx context.Context, id uint, memoryMB, diskMB int64) error {
	now := time.Now()
	updates := map[string]any{"last_seen_at": now}
	if memoryMB > 0 {
		updates["memory_mb"] = memoryMB
	}
	if diskMB > 0 {
		updates["disk_mb"] = diskMB
	}

	res := s.db.WithContext(ctx).Model(&Node{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return types.NewError(types.ErrInternalError, "failed to record heartbeat").WithCause(res.Error)
	}
	if res.RowsAffected == 0 {
		return types.NewError(types.ErrNotFound, fmt.Sprintf("node %d not found", id)).WithHTTPStatus(404)
	}
	return nil
}

// RotateSecret 重新生成节点共享密钥
// 旧密钥立即失效；已签发的短时凭证随其过期自然失效。
func (s *Service) RotateSecret(ctx context.Context, id uint) (*Node, error) {
	node, err := s.Resolve(ctx, id)
	if err != nil {
		return nil, err
	}

	node.TokenID = randomHex(8)
	node.Token = randomHex(32)
	if err := s.db.WithContext(ctx).Model(node).Updates(map[string]any{
		"token_id": node.TokenID,
		"token":    node.Token,
	}).Error; err != nil {
		return nil, types.NewError(types.ErrInternalError, "failed to rotate node secret").WithCause(err)
	}

	s.logger.Info("node secret rotated", zap.String("uuid", node.UUID))
	_ = s.audit.Record(ctx, audit.Event{
		Actor:      types.ActorIDFromContext(ctx),
		Action:     "node:rotate-secret",
		TargetType: "node",
		TargetID:   node.UUID,
	})
	return node, nil
}

// Delete 删除节点；仍有服务器引用时拒绝
func (s *Service) Delete(ctx context.Context, id uint) error {
	node, err := s.Resolve(ctx, id)
	if err != nil {
		return err
	}

	var count int64
	if err := s.db.WithContext(ctx).Model(&fleet.ManagedServer{}).
		Where("node_id = ?", id).Count(&count).Error; err != nil {
		return types.NewError(types.ErrInternalError, "failed to count servers").WithCause(err)
	}
	if count > 0 {
		return types.NewError(types.ErrConflict,
			fmt.Sprintf("node still hosts %d servers", count)).WithHTTPStatus(409)
	}

	if err := s.db.WithContext(ctx).Delete(&Node{}, id).Error; err != nil {
		return types.NewError(types.ErrInternalError, "failed to delete node").WithCause(err)
	}

	_ = s.audit.Record(ctx, audit.Event{
		Actor:      types.ActorIDFromContext(ctx),
		Action:     "node:delete",
		TargetType: "node",
		TargetID:   node.UUID,
	})
	return nil
}

// randomHex 生成 n 字节的随机十六进制串
func randomHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
