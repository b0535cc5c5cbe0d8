// internal/directory/models.go

package directory

// Entry is one row of the instructor/student directory
type Entry struct {
	ID          int64   `json:"id" db:"id"`
	Username    string  `json:"username" db:"username"`
	DisplayName string  `json:"display_name" db:"display_name"`
	AvatarURL   *string `json:"avatar_url,omitempty" db:"avatar_url"`
	Role        string  `json:"role" db:"role"`
	IsOnline    bool    `json:"is_online"`
}

// SearchFilter narrows a directory listing
type SearchFilter struct {
	Role   string `validate:"omitempty,oneof=student instructor"`
	Query  string `validate:"omitempty,max=100"`
	Limit  int
	Offset int
}
