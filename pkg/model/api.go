package model

// Request and response bodies of the REST API.

type LoginRequest struct {
	Address     string `json:"address"`
	DisplayName string `json:"display_name"`
}

type LoginResponse struct {
	Token string `json:"token"`
}

type EditRequest struct {
	Body             string `json:"body"`
	RequesterAddress string `json:"requester_address"`
}

type DeleteRequest struct {
	RequesterAddress string `json:"requester_address"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
