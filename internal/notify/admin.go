package notify

import (
	"context"
	"fmt"
	"time"

	"inventory_engine/internal/model"

	"github.com/google/uuid"
)

const adminUserID = "admin"

// SendAdminTest 给管理员发一封测试邮件，结果和普通通知一样落库。
// 发信失败记录为 FAILED 并返回 nil，只有写库失败返回错误。
func SendAdminTest(ctx context.Context, repo *Repository, ch Channel, to string) (model.Notification, error) {
	now := time.Now().UTC()
	n := model.Notification{
		ID:        uuid.NewString(),
		EventID:   uuid.NewString(),
		UserID:    adminUserID,
		Channel:   ch.Kind(),
		Address:   to,
		Subject:   "Test Notification",
		Body:      "This is a test notification to verify email delivery.",
		Status:    model.NotificationPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if _, err := repo.Claim(ctx, &n, 0, now); err != nil {
		return n, fmt.Errorf("record test notification: %w", err)
	}

	sendErr := ch.Send(ctx, n)
	done := time.Now().UTC()
	if sendErr != nil {
		if err := repo.MarkFailed(ctx, n.ID, 1, sendErr, done); err != nil {
			return n, err
		}
	} else if err := repo.MarkSent(ctx, n.ID, 1, done); err != nil {
		return n, err
	}
	return repo.Get(ctx, n.ID)
}
