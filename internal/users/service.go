package users

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/waymark/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/waymark/backend/internal/landmarks"
)

var (
	// ErrInvalidUsername indicates a username outside the allowed alphabet.
	ErrInvalidUsername = errors.New("users: invalid username")
	// ErrUsernameTaken indicates the username is already registered.
	ErrUsernameTaken = errors.New("users: username already exists")
	// ErrInvalidInvite indicates an invite code matching no stored hash.
	ErrInvalidInvite = errors.New("users: invalid invite code")
	// ErrInvalidCredentials indicates a failed username/password check.
	ErrInvalidCredentials = errors.New("users: invalid credentials")
	// ErrUnknownUser indicates an account that does not exist.
	ErrUnknownUser = errors.New("users: unknown user")

	usernamePattern = regexp.MustCompile(`^[\w-]+$`)
)

// ServiceConfig describes the dependencies for account management.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service manages accounts and single-use invite codes.
type Service struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewService constructs the account service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{db: cfg.Database, clock: clock}, nil
}

// Register redeems the invite code and creates the account. The invite is
// consumed atomically with account creation.
func (s *Service) Register(inviteCode, username, password string) (Account, error) {
	if !usernamePattern.MatchString(username) {
		return Account{}, ErrInvalidUsername
	}

	var account Account
	err := s.db.Transaction(func(tx *gorm.DB) error {
		matched, err := s.matchInvite(tx, inviteCode)
		if err != nil {
			return err
		}
		if matched == "" {
			return ErrInvalidInvite
		}

		var existing Account
		err = tx.Where("username = ?", username).Take(&existing).Error
		if err == nil {
			return ErrUsernameTaken
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		passwordHash, err := auth.HashSecret(password)
		if err != nil {
			return err
		}
		account = Account{
			Username:         username,
			PasswordHash:     passwordHash,
			ProfileColor:     landmarks.ColorForName(username),
			CreatedAtSeconds: s.clock().UTC().Unix(),
		}
		if err := tx.Create(&account).Error; err != nil {
			return err
		}
		return tx.Where("code_hash = ?", matched).Delete(&Invite{}).Error
	})
	if err != nil {
		return Account{}, err
	}
	return account, nil
}

// Authenticate checks the password and returns the account.
func (s *Service) Authenticate(username, password string) (Account, error) {
	var account Account
	err := s.db.Where("username = ?", username).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Account{}, ErrInvalidCredentials
	}
	if err != nil {
		return Account{}, err
	}
	if !auth.VerifySecret(password, account.PasswordHash) {
		return Account{}, ErrInvalidCredentials
	}
	return account, nil
}

// ChangePassword replaces the password after verifying the old one.
func (s *Service) ChangePassword(username, oldPassword, newPassword string) error {
	account, err := s.Authenticate(username, oldPassword)
	if err != nil {
		return err
	}
	passwordHash, err := auth.HashSecret(newPassword)
	if err != nil {
		return err
	}
	return s.db.Model(&Account{}).
		Where("username = ?", account.Username).
		Update("password_hash", passwordHash).Error
}

// Lookup returns the account for the username.
func (s *Service) Lookup(username string) (Account, error) {
	var account Account
	err := s.db.Where("username = ?", username).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Account{}, fmt.Errorf("%w: %s", ErrUnknownUser, username)
	}
	if err != nil {
		return Account{}, err
	}
	return account, nil
}

// ProfileColor returns the account's display color, falling back to the
// sentinel color for unknown users.
func (s *Service) ProfileColor(username string) string {
	account, err := s.Lookup(username)
	if err != nil {
		return landmarks.ColorForName("???")
	}
	return account.ProfileColor
}

// CreateInvite mints a new single-use invite code and stores its hash. The
// plain code is returned exactly once, for the operator to hand out.
func (s *Service) CreateInvite() (string, error) {
	code := uuid.NewString()
	codeHash, err := auth.HashSecret(code)
	if err != nil {
		return "", err
	}
	invite := Invite{CodeHash: codeHash, CreatedAtSeconds: s.clock().UTC().Unix()}
	if err := s.db.Create(&invite).Error; err != nil {
		return "", err
	}
	return code, nil
}

// matchInvite returns the stored hash the code matches, or empty. Hashes are
// salted, so each candidate row has to be tested individually.
func (s *Service) matchInvite(tx *gorm.DB, inviteCode string) (string, error) {
	if inviteCode == "" {
		return "", nil
	}
	var invites []Invite
	if err := tx.Find(&invites).Error; err != nil {
		return "", err
	}
	for _, invite := range invites {
		if auth.VerifySecret(inviteCode, invite.CodeHash) {
			return invite.CodeHash, nil
		}
	}
	return "", nil
}
