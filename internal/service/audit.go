package service

import (
	"encoding/json"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"enroltoken/internal/model"
)

const (
	ActionTokenIssue       = "token_issue"
	ActionTokenRevoke      = "token_revoke"
	ActionTokenUpdate      = "token_update"
	ActionTokenEnrol       = "token_enrol"
	ActionInstanceSave     = "instance_save"
	ActionPermissionsGrant = "permissions_set"
)

func encodeMeta(meta map[string]any) *string {
	if meta == nil {
		return nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return nil
	}
	s := string(b)
	return &s
}

// LogOperation records an operator action. Failures are logged, never returned.
func LogOperation(db *gorm.DB, adminID, action, objectType, objectID string, metadata map[string]any) {
	err := db.Create(&model.OperationLog{
		AdminID:    adminID,
		Action:     action,
		ObjectType: objectType,
		ObjectID:   objectID,
		Metadata:   encodeMeta(metadata),
	}).Error
	if err != nil {
		zap.L().Warn("operation log write failed", zap.String("action", action), zap.Error(err))
	}
}

// Notify leaves a pull-based message for a user.
func Notify(db *gorm.DB, userID, title, content string, meta map[string]any) {
	err := db.Create(&model.Notification{UserID: userID, Title: title, Content: content, Metadata: encodeMeta(meta)}).Error
	if err != nil {
		zap.L().Warn("notification write failed", zap.String("user_id", userID), zap.Error(err))
	}
}
