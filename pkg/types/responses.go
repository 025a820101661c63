package types

import (
	"encoding/json"
	"time"
)

// Envelope is the wrapper around every backend response. Code is the
// application-level status: 0 on success, 401 when the credential is
// rejected, any other value for a business failure described by Message.
type Envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// TokenPair is returned by the login and refresh endpoints.
// ExpiresIn is in seconds and may be absent on refresh.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in,omitempty"`
}

// TTL returns ExpiresIn as a duration, zero when the server omitted it.
func (p TokenPair) TTL() time.Duration {
	if p.ExpiresIn <= 0 {
		return 0
	}
	return time.Duration(p.ExpiresIn) * time.Second
}

// Project is a licensed application.
type Project struct {
	ID               uint      `json:"id"`
	UUID             string    `json:"uuid"`
	Name             string    `json:"name"`
	Mode             string    `json:"mode"`
	EnableHWID       bool      `json:"enable_hwid"`
	EnableIP         bool      `json:"enable_ip"`
	Version          string    `json:"version"`
	UpdateURL        string    `json:"update_url"`
	TokenExpire      int       `json:"token_expire"`
	Description      string    `json:"description"`
	EnableUnbind     bool      `json:"enable_unbind"`
	UnbindVerifyHWID bool      `json:"unbind_verify_hwid"`
	UnbindDeductTime int       `json:"unbind_deduct_time"`
	UnbindCooldown   int       `json:"unbind_cooldown"`
	EncryptionScheme string    `json:"encryption_scheme,omitempty"`
	OnlineCount      int64     `json:"online_count,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// EncryptionScheme describes a scheme projects can encrypt card data with.
type EncryptionScheme struct {
	Scheme        string `json:"scheme"`
	Name          string `json:"name"`
	Description   string `json:"description"`
	SecurityLevel string `json:"security_level"` // secure, weak or insecure
	IsDeprecated  bool   `json:"is_deprecated"`
}

// ProjectEncryption is the scheme and key a project uses after a switch.
type ProjectEncryption struct {
	EncryptionScheme string `json:"encryption_scheme"`
	EncryptionKey    string `json:"encryption_key"`
}

// Card is a license key bound to a project.
type Card struct {
	ID          uint       `json:"id"`
	CardKey     string     `json:"card_key"`
	ProjectID   uint       `json:"project_id"`
	Project     *Project   `json:"project,omitempty"`
	Activated   bool       `json:"activated"`
	ActivatedAt *time.Time `json:"activated_at"`
	Frozen      bool       `json:"frozen"`
	Duration    int        `json:"duration"`
	ExpireAt    *time.Time `json:"expire_at"`
	Note        string     `json:"note"`
	CardType    string     `json:"card_type"`
	CustomData  string     `json:"custom_data"`
	HWIDList    []string   `json:"hwid_list"`
	IPList      []string   `json:"ip_list"`
	MaxHWID     int        `json:"max_hwid"` // -1 means unlimited
	MaxIP       int        `json:"max_ip"`   // -1 means unlimited
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Status mirrors the backend's derived card status.
func (c *Card) Status() string {
	if c.Frozen {
		return "frozen"
	}
	if c.Activated {
		return "activated"
	}
	return "not_activated"
}

// CloudVar is a key/value pair served to a project's clients.
type CloudVar struct {
	ID        uint      `json:"id"`
	ProjectID uint      `json:"project_id"`
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
