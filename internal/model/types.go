package model

import "time"

// User is a registered catalog account.
type User struct {
	ID           string
	Username     string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
	IsAdmin      bool
}

// App is one catalog entry together with the uploaded file that backs it.
type App struct {
	ID            string
	Name          string
	Description   string
	Author        string
	Version       string
	Category      string
	Tags          []string
	DownloadCount int64
	Rating        float64
	FilePath      string
	IconPath      string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	IsApproved    bool
	UserID        string
}
