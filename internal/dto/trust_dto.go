package dto

import (
	"time"

	"sessiontrust/internal/entity"
)

type DeviceSignal struct {
	Fingerprint string `json:"fingerprint" validate:"required,max=512"`
	UserAgent   string `json:"user_agent" validate:"omitempty,max=1024"`
	Name        string `json:"name" validate:"omitempty,max=100"`
}

type Location struct {
	Country   string   `json:"country" validate:"omitempty,max=64"`
	City      string   `json:"city" validate:"omitempty,max=128"`
	Latitude  *float64 `json:"latitude" validate:"omitempty,latitude"`
	Longitude *float64 `json:"longitude" validate:"omitempty,longitude"`
}

// EvaluateLoginRequest is sent by the authentication layer after the
// credentials of UserID were verified.
type EvaluateLoginRequest struct {
	UserID    string       `json:"user_id" validate:"required,uuid"`
	Device    DeviceSignal `json:"device" validate:"required"`
	IPAddress string       `json:"ip_address" validate:"omitempty,ip"`
	Location  Location     `json:"location"`
}

type VerifyChallengeRequest struct {
	Token string `json:"token" validate:"required"`
	Code  string `json:"code" validate:"required,numeric,min=6,max=8"`
}

type FailedLoginRequest struct {
	UserID    string `json:"user_id" validate:"required,uuid"`
	IPAddress string `json:"ip_address" validate:"omitempty,ip"`
}

type TouchSessionRequest struct {
	Endpoint string `json:"endpoint" validate:"omitempty,max=256"`
}

type StepUpRequest struct {
	Code string `json:"code" validate:"required,numeric,min=6,max=8"`
}

type DeviceActionRequest struct {
	Note string `json:"note" validate:"omitempty,max=500"`
}

type ConfirmMFARequest struct {
	Code string `json:"code" validate:"required,numeric,min=6,max=8"`
}

type RiskResponse struct {
	Score   float64  `json:"score"`
	Reasons []string `json:"reasons"`
}

type ChallengeResponse struct {
	ID          string    `json:"id"`
	Token       string    `json:"token"`
	Method      string    `json:"method"`
	ExpiresAt   time.Time `json:"expires_at"`
	MaxAttempts int       `json:"max_attempts"`
}

type TravelConflictResponse struct {
	SessionID  string  `json:"session_id"`
	Country    string  `json:"country"`
	City       string  `json:"city,omitempty"`
	DistanceKm float64 `json:"distance_km,omitempty"`
}

type LoginDecisionResponse struct {
	Decision    string                   `json:"decision"`
	Risk        RiskResponse             `json:"risk"`
	Session     *SessionResponse         `json:"session,omitempty"`
	DeviceID    string                   `json:"device_id,omitempty"`
	Challenge   *ChallengeResponse       `json:"challenge,omitempty"`
	AccessToken string                   `json:"access_token,omitempty"`
	ExpiresIn   int64                    `json:"expires_in,omitempty"`
	Travel      []TravelConflictResponse `json:"travel_conflicts,omitempty"`
}

type SessionResponse struct {
	ID             string     `json:"id"`
	DeviceID       string     `json:"device_id"`
	Country        string     `json:"country,omitempty"`
	City           string     `json:"city,omitempty"`
	IPAddress      *string    `json:"ip_address,omitempty"`
	RiskScore      float64    `json:"risk_score"`
	RiskReasons    []string   `json:"risk_reasons"`
	StepUpRequired bool       `json:"step_up_required"`
	StepUpAt       *time.Time `json:"step_up_verified_at,omitempty"`
	RequestCount   int        `json:"request_count"`
	LastActivityAt time.Time  `json:"last_activity_at"`
	CreatedAt      time.Time  `json:"created_at"`
	ClosedAt       *time.Time `json:"closed_at,omitempty"`
	CloseReason    string     `json:"close_reason,omitempty"`
}

type DeviceResponse struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	Name        string     `json:"name,omitempty"`
	Status      string     `json:"status"`
	TrustScore  float64    `json:"trust_score"`
	FirstSeenAt time.Time  `json:"first_seen_at"`
	LastSeenAt  time.Time  `json:"last_seen_at"`
	BlockedAt   *time.Time `json:"blocked_at,omitempty"`
}

type DeviceSummaryResponse struct {
	ID          string    `json:"id"`
	Name        string    `json:"name,omitempty"`
	Status      string    `json:"status"`
	TrustScore  float64   `json:"trust_score"`
	FirstSeenAt time.Time `json:"first_seen_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

type AnalyticsResponse struct {
	TotalSessions      int64                   `json:"total_sessions"`
	ActiveSessions     int                     `json:"active_sessions"`
	Devices            []DeviceSummaryResponse `json:"devices"`
	Locations          []string                `json:"locations"`
	AvgDurationSeconds float64                 `json:"avg_duration_seconds"`
	SecurityScore      int                     `json:"security_score"`
	UnresolvedEvents   int64                   `json:"unresolved_events"`
	MFAEnabled         bool                    `json:"mfa_enabled"`
}

type SecurityEventResponse struct {
	ID          string                   `json:"id"`
	Type        entity.SecurityEventType `json:"type"`
	Severity    entity.Severity          `json:"severity"`
	UserID      *string                  `json:"user_id,omitempty"`
	SessionID   *string                  `json:"session_id,omitempty"`
	DeviceID    *string                  `json:"device_id,omitempty"`
	IPAddress   *string                  `json:"ip_address,omitempty"`
	Description string                   `json:"description"`
	Metadata    any                      `json:"metadata,omitempty"`
	Resolved    bool                     `json:"resolved"`
	ResolvedAt  *time.Time               `json:"resolved_at,omitempty"`
	CreatedAt   time.Time                `json:"created_at"`
}

type MFAEnrollResponse struct {
	OTPAuthURL string `json:"otpauth_url"`
}
