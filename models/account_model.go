package models

// Account is the authoritative ledger row for an API consumer. Balance is kept
// as a formatted decimal string end to end; arithmetic happens on
// shopspring/decimal values, never on floats.
type Account struct {
	UserID       string `db:"user_id" json:"user_id"`
	UserName     string `db:"user_name" json:"user_name"`
	APIToken     string `db:"llm_api_token" json:"llm_api_token"`
	SessionToken string `db:"bearer_token" json:"bearer_token"`
	FirstName    string `db:"fname" json:"fname"`
	LastName     string `db:"lname" json:"lname"`
	Email        string `db:"email" json:"email"`
	Balance      string `db:"balance" json:"balance"`
}

// NewAccountInput carries the identity-provider fields needed to provision an
// account. Tokens and ids are generated by the caller.
type NewAccountInput struct {
	UserID       string
	UserName     string
	APIToken     string
	SessionToken string
	FirstName    string
	LastName     string
	Email        string
	Balance      string
}

type APIKeyInfo struct {
	APIToken  string `json:"api_token"`
	FirstName string `json:"fname"`
	UserName  string `json:"user_name"`
}
