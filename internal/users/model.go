package users

// Account stores one registered user with their salted password hash and the
// deterministic profile color derived from the username.
type Account struct {
	Username         string `gorm:"column:username;primaryKey;size:190;not null"`
	PasswordHash     string `gorm:"column:password_hash;size:190;not null"`
	ProfileColor     string `gorm:"column:profile_color;size:6;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Account) TableName() string {
	return "accounts"
}

// Invite stores the salted hash of an unredeemed invite code. Codes are
// single-use: redemption deletes the row.
type Invite struct {
	CodeHash         string `gorm:"column:code_hash;primaryKey;size:190;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Invite) TableName() string {
	return "invites"
}
