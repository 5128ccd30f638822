package fleet

import (
	"context"

	"go.uber.org/zap"
)

// Notifier 向服务器所有者投递通知的外部协作方边界。
// 回调处理器在备份成功终结时恰好调用一次；重放同一回调不得触发第二次
// 通知（由调用方的终态检查保证）。
type Notifier interface {
	// NotifyBackupCompleted 通知所有者一次备份已成功完成
	NotifyBackupCompleted(ctx context.Context, server *ManagedServer, backup *Backup) error
}

// NopNotifier 丢弃所有通知
type NopNotifier struct{}

func (NopNotifier) NotifyBackupCompleted(ctx context.Context, server *ManagedServer, backup *Backup) error {
	return nil
}

// LogNotifier 把通知写入日志。邮件或站内信网关就绪前的默认实现。
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier 创建日志通知器
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With(zap.String("component", "notifier"))}
}

func (n *LogNotifier) NotifyBackupCompleted(ctx context.Context, server *ManagedServer, backup *Backup) error {
	n.logger.Info("backup completed",
		zap.String("server", server.UUID),
		zap.String("backup", backup.UUID),
		zap.Int64("bytes", backup.Bytes),
	)
	return nil
}

// CaptureNotifier 在内存中收集通知，供测试断言
type CaptureNotifier struct {
	BackupNotices []string // backup UUID 列表
}

func (c *CaptureNotifier) NotifyBackupCompleted(ctx context.Context, server *ManagedServer, backup *Backup) error {
	c.BackupNotices = append(c.BackupNotices, backup.UUID)
	return nil
}
