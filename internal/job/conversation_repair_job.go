package job

import (
	"Murmur/internal/pkg/logger"
	"Murmur/internal/repository"
	"context"
	log "log/slog"
	"time"

	"github.com/google/uuid"
)

// ConversationRepairJob 清理创建中途失败的残缺会话
// 会话与双方成员记录同事务写入，正常情况下不会出现孤儿；
// 该任务兜底事务语义被降级的存储环境，只清理超过宽限期且从未有过消息的残缺会话
type ConversationRepairJob struct {
	convRepo repository.ConversationRepo
}

func NewConversationRepairJob(convRepo repository.ConversationRepo) *ConversationRepairJob {
	return &ConversationRepairJob{convRepo: convRepo}
}

func (s *ConversationRepairJob) Run() {
	traceID := "job-conv-repair-" + uuid.NewString()
	ctx := context.WithValue(context.Background(), logger.TraceIDKey, traceID)

	before := time.Now().Add(-time.Hour)
	deleted, err := s.convRepo.DeleteOrphans(ctx, before)
	if err != nil {
		log.ErrorContext(ctx, "清理残缺会话失败", "err", err)
		return
	}
	if deleted > 0 {
		log.InfoContext(ctx, "ConversationRepairJob done", "deleted", deleted)
	}
}
