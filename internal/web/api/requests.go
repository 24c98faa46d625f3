package api

// LoginRequest starts an agent session. Accepted as form fields or JSON.
type LoginRequest struct {
	Username string `form:"username" json:"username" binding:"required"`
	Password string `form:"password" json:"password" binding:"required"`
	Endpoint string `form:"endpoint" json:"endpoint"`
}

// LoginResponse is the result payload of a successful login.
type LoginResponse struct {
	Login    string `json:"login"`
	Profile  string `json:"profile"`
	Security string `json:"security"`
}
