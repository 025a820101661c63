// Package types provides the wire structures exchanged with the card-key
// admin backend.
package types

import (
	"net/url"
	"strconv"
)

// LoginRequest is the body of POST /admin/login.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// RefreshRequest is the body of POST /admin/refresh.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// ListOptions carries the pagination parameters shared by list endpoints.
type ListOptions struct {
	Page     int
	PageSize int
}

// Values encodes the options as query parameters. Zero values are omitted
// so the backend defaults apply.
func (o ListOptions) Values() url.Values {
	v := url.Values{}
	if o.Page > 0 {
		v.Set("page", strconv.Itoa(o.Page))
	}
	if o.PageSize > 0 {
		v.Set("page_size", strconv.Itoa(o.PageSize))
	}
	return v
}

// ProjectRequest creates or updates a project.
type ProjectRequest struct {
	Name             string `json:"name,omitempty"`
	Mode             string `json:"mode,omitempty"` // free or paid
	EnableHWID       *bool  `json:"enable_hwid,omitempty"`
	EnableIP         *bool  `json:"enable_ip,omitempty"`
	Version          string `json:"version,omitempty"`
	UpdateURL        string `json:"update_url,omitempty"`
	TokenExpire      int    `json:"token_expire,omitempty"`
	Description      string `json:"description,omitempty"`
	EnableUnbind     *bool  `json:"enable_unbind,omitempty"`
	UnbindVerifyHWID *bool  `json:"unbind_verify_hwid,omitempty"`
	UnbindDeductTime *int   `json:"unbind_deduct_time,omitempty"`
	UnbindCooldown   *int   `json:"unbind_cooldown,omitempty"`
}

// CardListOptions filters GET /admin/cards.
type CardListOptions struct {
	ListOptions
	ProjectID uint
	Status    string // activated, not_activated, frozen
	Keyword   string
	CardType  string
}

// Values encodes the filter as query parameters.
func (o CardListOptions) Values() url.Values {
	v := o.ListOptions.Values()
	if o.ProjectID > 0 {
		v.Set("project_id", strconv.FormatUint(uint64(o.ProjectID), 10))
	}
	if o.Status != "" {
		v.Set("status", o.Status)
	}
	if o.Keyword != "" {
		v.Set("keyword", o.Keyword)
	}
	if o.CardType != "" {
		v.Set("card_type", o.CardType)
	}
	return v
}

// CreateCardsRequest generates Count cards, or a single card when CardKey is set.
type CreateCardsRequest struct {
	ProjectID uint   `json:"project_id"`
	CardKey   string `json:"card_key,omitempty"`
	Prefix    string `json:"prefix,omitempty"`
	Suffix    string `json:"suffix,omitempty"`
	Count     int    `json:"count,omitempty"`
	Duration  int    `json:"duration"` // seconds, 0 means permanent
	CardType  string `json:"card_type,omitempty"`
	MaxHWID   int    `json:"max_hwid"`
	MaxIP     int    `json:"max_ip"`
	Note      string `json:"note,omitempty"`
}

// UpdateCardRequest patches a card. Nil fields are left untouched.
type UpdateCardRequest struct {
	Duration   *int      `json:"duration,omitempty"`
	Note       *string   `json:"note,omitempty"`
	CardType   *string   `json:"card_type,omitempty"`
	MaxHWID    *int      `json:"max_hwid,omitempty"`
	MaxIP      *int      `json:"max_ip,omitempty"`
	CustomData *string   `json:"custom_data,omitempty"`
	HWIDList   *[]string `json:"hwid_list,omitempty"`
	IPList     *[]string `json:"ip_list,omitempty"`
}

// BatchUpdateCardsRequest applies the same patch to several cards.
type BatchUpdateCardsRequest struct {
	IDs []uint `json:"ids"`
	UpdateCardRequest
}

// IDsRequest is the body of the batch delete endpoints.
type IDsRequest struct {
	IDs []uint `json:"ids"`
}

// CloudVarRequest sets a cloud variable of a project.
type CloudVarRequest struct {
	ProjectID uint   `json:"project_id"`
	Key       string `json:"key"`
	Value     string `json:"value"`
}

// BatchCloudVarsRequest sets several variables of one project.
type BatchCloudVarsRequest struct {
	ProjectID uint              `json:"project_id"`
	Variables []CloudVarRequest `json:"variables"`
}

// EncryptionRequest selects the encryption scheme of a project.
type EncryptionRequest struct {
	EncryptionScheme string `json:"encryption_scheme"`
}
