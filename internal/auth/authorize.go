package auth

import "github.com/hitoshi/coursehub/internal/model"

// Authorize はIdentityのロールが許可ロールのいずれかに含まれるかを判定する。
// 許可ロールが空の場合は常に許可する。
// ミラーレコードが無いIdentityは、許可ロールが指定されている限り許可しない。
func Authorize(id *model.Identity, roles ...model.Role) error {
	if len(roles) == 0 {
		return nil
	}
	if id == nil {
		return model.NewAuthenticationError(model.MsgMissingToken)
	}
	if id.ProfileMissing {
		return model.NewAuthorizationError(roles)
	}
	for _, r := range roles {
		if id.Role == r {
			return nil
		}
	}
	return model.NewAuthorizationError(roles)
}

// RequireOwner はIdentityがリソースの所有者か管理者であるかを判定する。
// コースやレッスンなど、所有者を持つリソースのハンドラーから使用する。
func RequireOwner(id *model.Identity, ownerID string) error {
	if id == nil {
		return model.NewAuthenticationError(model.MsgMissingToken)
	}
	if !id.ProfileMissing && id.Role == model.RoleAdmin {
		return nil
	}
	if ownerID != "" && id.ID == ownerID {
		return nil
	}
	return model.NewOwnershipError()
}
