package marzban

// User is the subset of the panel's user object the bots rely on.
type User struct {
	Username        string   `json:"username"`
	Status          string   `json:"status"`
	UsedTraffic     int64    `json:"used_traffic"`
	DataLimit       *int64   `json:"data_limit"`
	Expire          *int64   `json:"expire"`
	CreatedAt       string   `json:"created_at"`
	Note            string   `json:"note"`
	SubscriptionURL string   `json:"subscription_url"`
	Links           []string `json:"links"`
}

type SystemStats struct {
	Version           string  `json:"version"`
	MemTotal          int64   `json:"mem_total"`
	MemUsed           int64   `json:"mem_used"`
	CPUCores          int     `json:"cpu_cores"`
	CPUUsage          float64 `json:"cpu_usage"`
	TotalUser         int     `json:"total_user"`
	UsersActive       int     `json:"users_active"`
	IncomingBandwidth int64   `json:"incoming_bandwidth"`
	OutgoingBandwidth int64   `json:"outgoing_bandwidth"`
}

type usersResponse struct {
	Users []User `json:"users"`
	Total int    `json:"total"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}
