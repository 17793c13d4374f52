package authapi

import (
	svc "relay/shared/contracts/services/v1"
)

func toUserResponse(u svc.User) userResponse {
	return userResponse{ID: u.ID, Username: u.Username, Role: u.Role}
}

func toSessionResponse(issued svc.IssuedSession) sessionResponse {
	return sessionResponse{
		SessionID:        issued.SessionID,
		AccessToken:      issued.AccessToken,
		AccessExpiresAt:  issued.AccessExpiresAt,
		RefreshExpiresAt: issued.RefreshExpiresAt,
	}
}

func toSessionInfos(list []svc.SessionInfo, current string) []sessionInfoResponse {
	out := make([]sessionInfoResponse, 0, len(list))
	for _, s := range list {
		out = append(out, sessionInfoResponse{
			ID:        s.ID,
			Device:    s.DeviceLabel,
			IssuedAt:  s.IssuedAt,
			ExpiresAt: s.ExpiresAt,
			Current:   s.ID == current,
		})
	}
	return out
}

func toChannelResponse(ch svc.Channel) channelResponse {
	return channelResponse{
		Name:    ch.Name,
		Owner:   ch.Owner,
		Public:  ch.Public,
		Members: nonNil(ch.Members),
		Blocked: nonNil(ch.Blocked),
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
