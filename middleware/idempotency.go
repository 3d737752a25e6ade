package middleware

import (
	"bytes"
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"referrald/models"
)

// ContextKeyIDKey stores the idempotency key associated with the request.
type ContextKeyIDKey string

const contextKeyIdempotency ContextKeyIDKey = "idempotency-key"

// WithIdempotency makes mutating requests carrying an Idempotency-Key header
// execute at most once. A repeated key replays the stored response; reusing a
// key for a different method or path is rejected so a retry cannot silently
// hit the wrong operation. Reads pass through untouched.
func WithIdempotency(db *gorm.DB, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("Idempotency-Key")
		if key == "" || r.Method == http.MethodGet || r.Method == http.MethodHead {
			next.ServeHTTP(w, r)
			return
		}

		var stored models.IdempotencyKey
		if err := db.First(&stored, "key = ?", key).Error; err == nil {
			if stored.Method != r.Method || stored.Path != r.URL.Path {
				http.Error(w, "idempotency key already used for a different request", http.StatusConflict)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(stored.Status)
			_, _ = w.Write([]byte(stored.Response))
			return
		}

		recorder := &responseRecorder{ResponseWriter: w}
		ctx := context.WithValue(r.Context(), contextKeyIdempotency, key)
		next.ServeHTTP(recorder, r.WithContext(ctx))

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		record := models.IdempotencyKey{
			Key:       key,
			RequestID: uuid.NewString(),
			Method:    r.Method,
			Path:      r.URL.Path,
			Status:    status,
			Response:  recorder.body.String(),
			CreatedAt: time.Now(),
		}
		_ = db.Create(&record).Error
	})
}

// responseRecorder tees the response so it can be stored for replay.
type responseRecorder struct {
	http.ResponseWriter
	body   bytes.Buffer
	status int
}

func (rr *responseRecorder) WriteHeader(status int) {
	rr.status = status
	rr.ResponseWriter.WriteHeader(status)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	rr.body.Write(b)
	return rr.ResponseWriter.Write(b)
}
