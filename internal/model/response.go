package model

type APIResponse struct {
	Data  any       `json:"data,omitempty"`
	Error *APIError `json:"error,omitempty"`
}

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

type LoginResponse struct {
	User        PublicUser `json:"user"`
	AccessToken string     `json:"accessToken"`
	ExpiresIn   int64      `json:"expiresIn"`
}

type RefreshResponse struct {
	AccessToken string `json:"accessToken"`
	ExpiresIn   int64  `json:"expiresIn"`
}

type MessageResponse struct {
	Message string `json:"message"`
}
