package models

type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	// Code is the long-lived scannable identity code, generated once at
	// registration and never rotated. Distinct from any ticket code.
	Code string `json:"code"`
}
