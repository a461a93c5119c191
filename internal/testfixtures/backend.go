package testfixtures

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/example/instrument-gateway/internal/remote"
)

// FakeBackendAPIKey is the api key the fake backend accepts.
const FakeBackendAPIKey = "test-api-key"

var fakeSigningKey = []byte("fake-backend-signing-key")

// FakeBackend serves the auth and REST endpoints the gateway uses from
// memory. Consumption rows follow the same conflict rules as the real
// backend, so replayed deliveries can be checked against it.
type FakeBackend struct {
	Server *httptest.Server

	// Now stamps issued tokens. Defaults to time.Now.
	Now      func() time.Time
	TokenTTL time.Duration

	mu            sync.Mutex
	users         map[string]fakeUser
	accessTokens  map[string]string
	refreshTokens map[string]string
	products      []remote.Product
	bookings      []remote.Booking
	records       map[string]remote.ConsumptionRecord
	keys          map[string]int
	upserts       int
	offline       bool
	failures      []int
	issued        int
}

type fakeUser struct {
	id       string
	email    string
	password string
}

// NewFakeBackend starts a FakeBackend that is closed when the test ends.
func NewFakeBackend(tb testing.TB) *FakeBackend {
	tb.Helper()
	b := &FakeBackend{
		Now:           time.Now,
		TokenTTL:      time.Hour,
		users:         make(map[string]fakeUser),
		accessTokens:  make(map[string]string),
		refreshTokens: make(map[string]string),
		records:       make(map[string]remote.ConsumptionRecord),
		keys:          make(map[string]int),
	}
	b.Server = httptest.NewServer(http.HandlerFunc(b.serveHTTP))
	tb.Cleanup(b.Server.Close)
	return b
}

// URL is the base URL of the backend.
func (b *FakeBackend) URL() string {
	return b.Server.URL
}

// AddUser registers an account.
func (b *FakeBackend) AddUser(id, email, password string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.users[strings.ToLower(email)] = fakeUser{id: id, email: strings.ToLower(email), password: password}
}

// AddProduct registers an instrument.
func (b *FakeBackend) AddProduct(p remote.Product) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.products = append(b.products, p)
}

// AddBooking registers a reservation.
func (b *FakeBackend) AddBooking(booking remote.Booking) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bookings = append(b.bookings, booking)
}

// SetOffline makes every request fail at the connection level.
func (b *FakeBackend) SetOffline(offline bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.offline = offline
}

// FailNext answers the next data requests with the given statuses, in order.
func (b *FakeBackend) FailNext(statuses ...int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = append(b.failures, statuses...)
}

// RevokeAccessTokens invalidates every issued access token. Refresh tokens
// keep working.
func (b *FakeBackend) RevokeAccessTokens() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.accessTokens = make(map[string]string)
}

// RevokeRefreshTokens invalidates every issued refresh token so only a new
// password grant can sign in again.
func (b *FakeBackend) RevokeRefreshTokens() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshTokens = make(map[string]string)
}

// Record returns the stored consumption row with id.
func (b *FakeBackend) Record(id string) (remote.ConsumptionRecord, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.records[id]
	return rec, ok
}

// Records returns every stored consumption row ordered by id.
func (b *FakeBackend) Records() []remote.ConsumptionRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]remote.ConsumptionRecord, 0, len(b.records))
	for _, rec := range b.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// UpsertCount is the number of consumption writes received, replays included.
func (b *FakeBackend) UpsertCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.upserts
}

// KeyCount reports how often an idempotency key was received.
func (b *FakeBackend) KeyCount(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.keys[key]
}

func (b *FakeBackend) serveHTTP(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	offline := b.offline
	b.mu.Unlock()
	if offline {
		dropConnection(w)
		return
	}

	if r.Header.Get("apikey") != FakeBackendAPIKey {
		writeFakeError(w, http.StatusUnauthorized, "invalid api key")
		return
	}

	switch {
	case r.URL.Path == "/auth/v1/health" && r.Method == http.MethodGet:
		writeFakeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case r.URL.Path == "/auth/v1/token" && r.Method == http.MethodPost:
		b.handleToken(w, r)
	case r.URL.Path == "/auth/v1/logout" && r.Method == http.MethodPost:
		b.handleLogout(w, r)
	case strings.HasPrefix(r.URL.Path, "/rest/v1/"):
		if status, failed := b.nextFailure(); failed {
			writeFakeError(w, status, http.StatusText(status))
			return
		}
		if _, ok := b.authorize(r); !ok {
			writeFakeError(w, http.StatusUnauthorized, "JWT expired")
			return
		}
		switch {
		case r.URL.Path == "/rest/v1/products" && r.Method == http.MethodGet:
			b.handleProducts(w, r)
		case r.URL.Path == "/rest/v1/bookings" && r.Method == http.MethodGet:
			b.handleBookings(w, r)
		case r.URL.Path == "/rest/v1/product_consumption" && r.Method == http.MethodPost:
			b.handleConsumption(w, r)
		default:
			writeFakeError(w, http.StatusNotFound, "unknown relation")
		}
	default:
		writeFakeError(w, http.StatusNotFound, "not found")
	}
}

func (b *FakeBackend) handleToken(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email        string `json:"email"`
		Password     string `json:"password"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeFakeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var user fakeUser
	switch r.URL.Query().Get("grant_type") {
	case "password":
		u, ok := b.users[strings.ToLower(body.Email)]
		if !ok || u.password != body.Password {
			writeFakeJSON(w, http.StatusBadRequest, map[string]string{
				"error":             "invalid_grant",
				"error_description": "Invalid login credentials",
			})
			return
		}
		user = u
	case "refresh_token":
		email, ok := b.refreshTokens[body.RefreshToken]
		if !ok {
			writeFakeJSON(w, http.StatusBadRequest, map[string]string{
				"error":             "invalid_grant",
				"error_description": "Invalid Refresh Token",
			})
			return
		}
		delete(b.refreshTokens, body.RefreshToken)
		user = b.users[email]
	default:
		writeFakeError(w, http.StatusBadRequest, "unsupported grant_type")
		return
	}

	b.issued++
	now := b.Now()
	claims := jwt.RegisteredClaims{
		Subject:   user.id,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(b.TokenTTL)),
		ID:        fmt.Sprintf("token-%d", b.issued),
	}
	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(fakeSigningKey)
	if err != nil {
		writeFakeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	refresh := fmt.Sprintf("refresh-%d", b.issued)
	b.accessTokens[access] = user.email
	b.refreshTokens[refresh] = user.email

	writeFakeJSON(w, http.StatusOK, map[string]any{
		"access_token":  access,
		"token_type":    "bearer",
		"expires_in":    int64(b.TokenTTL / time.Second),
		"refresh_token": refresh,
		"user":          map[string]string{"id": user.id, "email": user.email},
	})
}

func (b *FakeBackend) handleLogout(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	b.mu.Lock()
	delete(b.accessTokens, token)
	b.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (b *FakeBackend) authorize(r *http.Request) (string, bool) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return "", false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	email, ok := b.accessTokens[token]
	return email, ok
}

func (b *FakeBackend) nextFailure() (int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.failures) == 0 {
		return 0, false
	}
	status := b.failures[0]
	b.failures = b.failures[1:]
	return status, true
}

func (b *FakeBackend) handleProducts(w http.ResponseWriter, r *http.Request) {
	status := strings.TrimPrefix(r.URL.Query().Get("status"), "eq.")

	b.mu.Lock()
	out := make([]remote.Product, 0, len(b.products))
	for _, p := range b.products {
		if status != "" && p.Status != status {
			continue
		}
		out = append(out, p)
	}
	b.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	writeFakeJSON(w, http.StatusOK, out)
}

func (b *FakeBackend) handleBookings(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	userID := strings.TrimPrefix(query.Get("user_id"), "eq.")
	productID := strings.TrimPrefix(query.Get("product_id"), "eq.")

	b.mu.Lock()
	out := make([]remote.Booking, 0, len(b.bookings))
	for _, booking := range b.bookings {
		if userID != "" && booking.UserID != userID {
			continue
		}
		if productID != "" && booking.ProductID != productID {
			continue
		}
		out = append(out, booking)
	}
	b.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })
	writeFakeJSON(w, http.StatusOK, out)
}

func (b *FakeBackend) handleConsumption(w http.ResponseWriter, r *http.Request) {
	var rows []remote.ConsumptionRecord
	if err := json.NewDecoder(r.Body).Decode(&rows); err != nil {
		writeFakeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	merge := strings.Contains(r.Header.Get("Prefer"), "resolution=merge-duplicates")

	b.mu.Lock()
	defer b.mu.Unlock()
	b.upserts++
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		b.keys[key]++
	}

	written := make([]remote.ConsumptionRecord, 0, len(rows))
	for _, row := range rows {
		if row.ID == "" || row.ProductID == "" || row.UserID == "" {
			writeFakeError(w, http.StatusBadRequest, "null value violates not-null constraint")
			return
		}
		if _, exists := b.records[row.ID]; exists && !merge {
			continue
		}
		b.records[row.ID] = row
		written = append(written, row)
	}
	writeFakeJSON(w, http.StatusCreated, written)
}

func writeFakeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeFakeError(w http.ResponseWriter, status int, message string) {
	writeFakeJSON(w, status, map[string]string{"message": message})
}

func dropConnection(w http.ResponseWriter) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		return
	}
	_ = conn.Close()
}
