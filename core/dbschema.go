package core

import (
	"time"

	"github.com/lib/pq"
)

// Policy is a persisted access policy.
// Matcher and Engine are stored as json columns and hydrated by the repository.
type Policy struct {
	ID          string     `json:"id" gorm:"primaryKey;type:char(20)"`
	Name        string     `json:"name" gorm:"type:text"`
	Priority    int        `json:"priority" gorm:"type:integer;default:0;index:idx_policy_priority"`
	Active      bool       `json:"active" gorm:"type:boolean;default:true"`
	MatcherData *string    `json:"-" gorm:"column:matcher;type:json;default:null"`
	Matcher     *Matcher   `json:"matcher,omitempty" gorm:"-"`
	EngineData  string     `json:"-" gorm:"column:engine;type:json"`
	Engine      EngineSpec `json:"engine" gorm:"-"`
	DenyMessage string     `json:"denyMessage,omitempty" gorm:"type:text"`
	CDate       time.Time  `json:"cdate" gorm:"->;<-:create;type:timestamp with time zone;not null;default:clock_timestamp()"`
	MDate       time.Time  `json:"mdate" gorm:"autoUpdateTime"`
}

// Token is the persisted record of an issued access or refresh token.
// Revocation state lives in redis; Revoked here is bookkeeping for audits.
type Token struct {
	JTI       string         `json:"jti" gorm:"primaryKey;type:char(20)"`
	Subject   string         `json:"subject" gorm:"type:text;index:idx_token_subject"`
	ClientID  string         `json:"clientID" gorm:"type:text"`
	Kind      string         `json:"kind" gorm:"type:text"`
	Scope     string         `json:"scope" gorm:"type:text"`
	Audience  pq.StringArray `json:"audience" gorm:"type:text[]"`
	Revoked   bool           `json:"revoked" gorm:"type:boolean;default:false"`
	IssuedAt  time.Time      `json:"issuedAt" gorm:"type:timestamp with time zone"`
	ExpiresAt time.Time      `json:"expiresAt" gorm:"type:timestamp with time zone;index:idx_token_expires_at"`
}

// SigningKey is a local JWT signing key pair.
// Exactly one row should be current; retired rows keep verifying until NotAfter.
type SigningKey struct {
	KID        string    `json:"kid" gorm:"primaryKey;type:char(20)"`
	Algorithm  string    `json:"algorithm" gorm:"type:text"`
	PublicPEM  string    `json:"publicPEM" gorm:"type:text"`
	PrivatePEM string    `json:"-" gorm:"type:text"`
	Current    bool      `json:"current" gorm:"type:boolean;default:false"`
	NotBefore  time.Time `json:"notBefore" gorm:"type:timestamp with time zone"`
	NotAfter   time.Time `json:"notAfter" gorm:"type:timestamp with time zone"`
	CDate      time.Time `json:"cdate" gorm:"->;<-:create;type:timestamp with time zone;not null;default:clock_timestamp()"`
}
