package remote

import "time"

// Credentials are the tokens returned by a successful sign in or refresh.
type Credentials struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	UserID       string
	Email        string
}

// Product is an instrument row.
type Product struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Location    string `json:"location,omitempty"`
	Status      string `json:"status"`
}

// ProductFilter narrows ListProducts. An empty Status lists every product.
type ProductFilter struct {
	Status string
}

// Booking is a reservation row.
type Booking struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	ProductID string    `json:"product_id"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	Status    string    `json:"status"`
}

// BookingFilter narrows ListBookings.
type BookingFilter struct {
	UserID    string
	ProductID string
}

// ConsumptionRecord is one instrument usage row, keyed by the session id.
type ConsumptionRecord struct {
	ID              string     `json:"id"`
	ProductID       string     `json:"product_id"`
	UserID          string     `json:"user_id"`
	BookingID       string     `json:"booking_id,omitempty"`
	StartTime       time.Time  `json:"start_time"`
	EndTime         *time.Time `json:"end_time,omitempty"`
	DurationSeconds *int64     `json:"duration_seconds,omitempty"`
	Status          string     `json:"status"`
}

// Resolution selects how an upsert treats an existing row with the same id.
type Resolution string

const (
	// IgnoreDuplicates keeps the stored row untouched.
	IgnoreDuplicates Resolution = "ignore-duplicates"
	// MergeDuplicates overwrites the stored row with the submitted columns.
	MergeDuplicates Resolution = "merge-duplicates"
)

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	ExpiresAt    int64  `json:"expires_at"`
	RefreshToken string `json:"refresh_token"`
	User         struct {
		ID    string `json:"id"`
		Email string `json:"email"`
	} `json:"user"`
}

type errorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	Message          string `json:"message"`
	Msg              string `json:"msg"`
}

func (b errorBody) text() string {
	for _, s := range []string{b.ErrorDescription, b.Message, b.Msg, b.Error} {
		if s != "" {
			return s
		}
	}
	return ""
}
