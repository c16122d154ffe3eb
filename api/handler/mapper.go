package handler

import (
	"sessiontrust/internal/dto"
	"sessiontrust/internal/entity"
	"sessiontrust/internal/service"
)

func mapLoginResult(result *service.LoginResult) *dto.LoginDecisionResponse {
	if result == nil {
		return &dto.LoginDecisionResponse{}
	}
	reasons := result.Risk.ReasonStrings()
	response := &dto.LoginDecisionResponse{
		Decision:    string(result.Decision),
		Risk:        dto.RiskResponse{Score: result.Risk.Score, Reasons: reasons},
		AccessToken: result.AccessToken,
		ExpiresIn:   int64(result.ExpiresIn.Seconds()),
	}
	if result.Session != nil {
		response.Session = mapSession(result.Session)
	}
	if result.Device != nil {
		response.DeviceID = result.Device.ID.String()
	} else if result.Session != nil {
		response.DeviceID = result.Session.DeviceID.String()
	}
	if c := result.Challenge; c != nil {
		response.Challenge = &dto.ChallengeResponse{
			ID:          c.ID.String(),
			Token:       c.Token,
			Method:      string(c.Method),
			ExpiresAt:   c.ExpiresAt,
			MaxAttempts: c.MaxAttempts,
		}
	}
	for _, t := range result.Travel {
		response.Travel = append(response.Travel, dto.TravelConflictResponse{
			SessionID:  t.SessionID.String(),
			Country:    t.Country,
			City:       t.City,
			DistanceKm: t.DistanceKm,
		})
	}
	return response
}

func mapSession(s *entity.Session) *dto.SessionResponse {
	reasons := s.RiskReasons
	if reasons == nil {
		reasons = []string{}
	}
	return &dto.SessionResponse{
		ID:             s.ID.String(),
		DeviceID:       s.DeviceID.String(),
		Country:        s.Country,
		City:           s.City,
		IPAddress:      s.IPAddress,
		RiskScore:      s.RiskScore,
		RiskReasons:    reasons,
		StepUpRequired: s.StepUpRequired,
		StepUpAt:       s.StepUpVerifiedAt,
		RequestCount:   s.RequestCount,
		LastActivityAt: s.LastActivityAt,
		CreatedAt:      s.CreatedAt,
		ClosedAt:       s.ClosedAt,
		CloseReason:    string(s.CloseReason),
	}
}

func mapSessions(sessions []entity.Session) []dto.SessionResponse {
	out := make([]dto.SessionResponse, 0, len(sessions))
	for i := range sessions {
		out = append(out, *mapSession(&sessions[i]))
	}
	return out
}

func mapDevice(d *entity.Device) *dto.DeviceResponse {
	return &dto.DeviceResponse{
		ID:          d.ID.String(),
		UserID:      d.UserID.String(),
		Name:        d.Name,
		Status:      string(d.Status),
		TrustScore:  d.TrustScore,
		FirstSeenAt: d.FirstSeenAt,
		LastSeenAt:  d.LastSeenAt,
		BlockedAt:   d.BlockedAt,
	}
}

func mapAnalytics(a *service.SessionAnalytics) *dto.AnalyticsResponse {
	devices := make([]dto.DeviceSummaryResponse, 0, len(a.Devices))
	for _, d := range a.Devices {
		devices = append(devices, dto.DeviceSummaryResponse{
			ID:          d.ID.String(),
			Name:        d.Name,
			Status:      string(d.Status),
			TrustScore:  d.TrustScore,
			FirstSeenAt: d.FirstSeenAt,
			LastSeenAt:  d.LastSeenAt,
		})
	}
	return &dto.AnalyticsResponse{
		TotalSessions:      a.TotalSessions,
		ActiveSessions:     a.ActiveSessions,
		Devices:            devices,
		Locations:          a.Locations,
		AvgDurationSeconds: a.AvgDuration.Seconds(),
		SecurityScore:      a.SecurityScore,
		UnresolvedEvents:   a.UnresolvedEvents,
		MFAEnabled:         a.MFAEnabled,
	}
}

func mapSecurityEvent(e *entity.SecurityEvent) dto.SecurityEventResponse {
	out := dto.SecurityEventResponse{
		ID:          e.ID.String(),
		Type:        e.Type,
		Severity:    e.Severity,
		UserID:      uuidString(e.UserID),
		SessionID:   uuidString(e.SessionID),
		DeviceID:    uuidString(e.DeviceID),
		IPAddress:   e.IPAddress,
		Description: e.Description,
		Resolved:    e.Resolved,
		ResolvedAt:  e.ResolvedAt,
		CreatedAt:   e.CreatedAt,
	}
	if len(e.Metadata) > 0 {
		out.Metadata = e.Metadata
	}
	return out
}
